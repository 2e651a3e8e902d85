package store

import (
	"strings"
	"testing"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "sequential placeholders",
			query: "SELECT * FROM t WHERE a = ? AND b = ?",
			want:  "SELECT * FROM t WHERE a = $1 AND b = $2",
		},
		{
			name:  "no placeholders",
			query: "SELECT 1",
			want:  "SELECT 1",
		},
		{
			name:  "question mark inside single quotes untouched",
			query: "SELECT * FROM t WHERE a = '?' AND b = ?",
			want:  "SELECT * FROM t WHERE a = '?' AND b = $1",
		},
		{
			name:  "question mark inside double quotes untouched",
			query: `SELECT "col?" FROM t WHERE a = ?`,
			want:  `SELECT "col?" FROM t WHERE a = $1`,
		},
		{
			name:  "array binding",
			query: "SELECT * FROM t WHERE id = ANY(?) LIMIT ?",
			want:  "SELECT * FROM t WHERE id = ANY($1) LIMIT $2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rebindPostgresPlaceholders(tt.query); got != tt.want {
				t.Fatalf("rebindPostgresPlaceholders(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}

// The volume aggregate must live in a CTE so the outer ORDER BY resolves it as
// a real column. Ordering on the text alias (volume::numeric) raises 42703,
// since an output-column name is not visible inside an ORDER BY expression.
func TestMarketVolumesQueryOrdersOnCTEColumn(t *testing.T) {
	walletCTE := `,
		latest_owners AS (
			SELECT DISTINCT ON (account_id)
				account_id,
				new_owner AS wallet
			FROM public.account_owner_updated_snapshot
			ORDER BY account_id, block_timestamp DESC
		)`

	for name, query := range map[string]string{
		"unscoped":      marketVolumesQuery("block_timestamp >= ?", "", "", ""),
		"wallet scoped": marketVolumesQuery("block_timestamp >= ?", walletCTE, "JOIN latest_owners lo ON f.account_id = lo.account_id", "WHERE LOWER(lo.wallet) = LOWER(?)"),
	} {
		t.Run(name, func(t *testing.T) {
			if !strings.Contains(query, "volumes_by_market AS (") {
				t.Fatalf("query does not aggregate inside a CTE:\n%s", query)
			}
			if !strings.Contains(query, "ORDER BY volume DESC") {
				t.Fatalf("query does not order on the CTE volume column:\n%s", query)
			}
			if strings.Contains(query, "volume::numeric DESC") {
				t.Fatalf("query orders on a cast of the output alias:\n%s", query)
			}
		})
	}
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/perpscope/backend/internal/analytics"
)

const (
	defaultPositionLimit = 500
	maxMarketBreakdown   = 200
)

// bucketExpr truncates an epoch-second timestamp column to the bucket
// boundary, in UTC, on the database side.
func bucketExpr(unit analytics.BucketUnit) string {
	if unit == analytics.BucketHour {
		return "date_trunc('hour', to_timestamp(f.block_timestamp) AT TIME ZONE 'UTC')"
	}
	return "date_trunc('day', to_timestamp(f.block_timestamp) AT TIME ZONE 'UTC')"
}

// sqlBucketFormat is the to_char pattern matching the bucket labels produced
// by the in-memory series bucketing.
func sqlBucketFormat(unit analytics.BucketUnit) string {
	if unit == analytics.BucketHour {
		return "YYYY-MM-DD HH24:00"
	}
	return "YYYY-MM-DD"
}

// OrderEvents returns the raw trade events inside the window, oldest first.
// Fixed-point columns come back as text and are normalized at this boundary so
// the aggregation core only ever sees finite decimals.
func (s *Store) OrderEvents(ctx context.Context, window analytics.Window, filters analytics.Filters) ([]analytics.OrderEvent, error) {
	clauses := []string{"block_timestamp >= ?", "type IN ('order', 'liquidation')"}
	args := []any{window.Start}

	if filters.MarketID != nil {
		clauses = append(clauses, "market_id = ?")
		args = append(args, *filters.MarketID)
	}
	if filters.AccountID != nil {
		clauses = append(clauses, "account_id = ?")
		args = append(args, *filters.AccountID)
	}

	query := fmt.Sprintf(`
		SELECT
			account_id,
			market_id,
			type,
			COALESCE(order_base, 0)::text,
			COALESCE(price, 0)::text,
			COALESCE(r_pnl, 0)::text,
			COALESCE(funding_pnl, 0)::text,
			COALESCE(fee, 0)::text,
			block_timestamp
		FROM public.order_history
		WHERE %s
		ORDER BY block_timestamp ASC
	`, strings.Join(clauses, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]analytics.OrderEvent, 0, 256)
	for rows.Next() {
		var event analytics.OrderEvent
		var base, price, realized, funding, fee string
		if err := rows.Scan(
			&event.AccountID,
			&event.MarketID,
			&event.Type,
			&base,
			&price,
			&realized,
			&funding,
			&fee,
			&event.BlockTimestamp,
		); err != nil {
			return nil, err
		}
		event.Base = analytics.NormalizeString(base, analytics.ScaleBase)
		event.Price = analytics.NormalizeString(price, analytics.ScaleBase)
		event.RealizedPnl = analytics.NormalizeString(realized, analytics.ScaleBase)
		event.FundingPnl = analytics.NormalizeString(funding, analytics.ScaleBase)
		event.Fee = analytics.NormalizeString(fee, analytics.ScaleFee)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// LatestOwners resolves the current owner wallet for each requested account
// from the append-only ownership log: distinct-on account ordered by timestamp
// descending. Accounts with no ownership event are absent from the result.
func (s *Store) LatestOwners(ctx context.Context, accountIDs []int64) (map[int64]string, error) {
	owners := make(map[int64]string, len(accountIDs))
	if len(accountIDs) == 0 {
		return owners, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (account_id)
			account_id,
			new_owner
		FROM public.account_owner_updated_snapshot
		WHERE account_id = ANY(?)
		ORDER BY account_id, block_timestamp DESC
	`, accountIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var accountID int64
		var wallet string
		if err := rows.Scan(&accountID, &wallet); err != nil {
			return nil, err
		}
		owners[accountID] = wallet
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return owners, nil
}

// Identities left-joins Discord link and fee-tier rows for the given wallets.
// Wallets with neither record are absent from the result.
func (s *Store) Identities(ctx context.Context, wallets []string) (map[string]analytics.WalletIdentity, error) {
	identities := make(map[string]analytics.WalletIdentity, len(wallets))
	if len(wallets) == 0 {
		return identities, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			"walletAddress",
			"discordUsername",
			"discordGlobalName",
			rank
		FROM public."WalletDiscordLink"
		WHERE "walletAddress" = ANY(?)
	`, wallets)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var wallet string
		var username, globalName, rank sql.NullString
		if err := rows.Scan(&wallet, &username, &globalName, &rank); err != nil {
			return nil, err
		}
		identity := analytics.WalletIdentity{Wallet: wallet}
		if username.Valid {
			identity.DiscordUsername = &username.String
		}
		if globalName.Valid {
			identity.DiscordGlobalName = &globalName.String
		}
		if rank.Valid {
			if parsed, err := strconv.ParseInt(strings.TrimSpace(rank.String), 10, 64); err == nil {
				identity.DiscordRank = &parsed
			}
		}
		identities[wallet] = identity
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tierRows, err := s.db.QueryContext(ctx, `
		SELECT owner_address, tier_id
		FROM public.account_owner_configuration
		WHERE owner_address = ANY(?)
	`, wallets)
	if err != nil {
		return nil, err
	}
	defer tierRows.Close()

	for tierRows.Next() {
		var wallet string
		var tierID sql.NullInt64
		if err := tierRows.Scan(&wallet, &tierID); err != nil {
			return nil, err
		}
		identity, ok := identities[wallet]
		if !ok {
			identity = analytics.WalletIdentity{Wallet: wallet}
		}
		if tierID.Valid {
			value := tierID.Int64
			identity.TierID = &value
		}
		identities[wallet] = identity
	}
	if err := tierRows.Err(); err != nil {
		return nil, err
	}

	return identities, nil
}

// TradeStats is the windowed slice of the exchange-wide stats panel.
type TradeStats struct {
	Volume        float64 `json:"volume"`
	Trades        int64   `json:"trades"`
	ActiveWallets int64   `json:"active_wallets"`
}

// WindowTradeStats aggregates volume, trade count and distinct active accounts
// inside the window in one SQL pass.
func (s *Store) WindowTradeStats(ctx context.Context, window analytics.Window, excludedAccounts []int64) (TradeStats, error) {
	clauses := []string{"block_timestamp >= ?", "type IN ('order', 'liquidation')"}
	args := []any{window.Start}
	if len(excludedAccounts) > 0 {
		clauses = append(clauses, "NOT (account_id = ANY(?))")
		args = append(args, excludedAccounts)
	}

	query := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(ABS(order_base::numeric) / 1e18 * price::numeric / 1e18), 0)::text,
			COUNT(*),
			COUNT(DISTINCT account_id)
		FROM public.order_history
		WHERE %s
	`, strings.Join(clauses, " AND "))

	var volume string
	var stats TradeStats
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&volume, &stats.Trades, &stats.ActiveWallets); err != nil {
		return TradeStats{}, err
	}
	stats.Volume = analytics.NormalizeString(volume, 0)
	return stats, nil
}

// TotalWallets counts every wallet that has ever owned an account.
func (s *Store) TotalWallets(ctx context.Context) (int64, error) {
	var total int64
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT new_owner)
		FROM public.account_owner_updated_snapshot
	`)
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// TotalOpenInterest sums the latest tracker snapshot per market.
func (s *Store) TotalOpenInterest(ctx context.Context) (float64, error) {
	var raw string
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(open_interest::numeric) / 1e18, 0)::text
		FROM (
			SELECT DISTINCT ON (market_data_id) open_interest
			FROM public.market_trackers
			ORDER BY market_data_id, block_timestamp DESC
		) AS latest_market_trackers
	`)
	if err := row.Scan(&raw); err != nil {
		return 0, err
	}
	return analytics.NormalizeString(raw, 0), nil
}

// HistogramPoint is one bucket of windowed trade volume.
type HistogramPoint struct {
	Bucket string  `json:"bucket"`
	Total  float64 `json:"total"`
}

// VolumeHistogram groups windowed trade volume into hour or day buckets,
// optionally scoped to a market, an account or a resolved wallet.
func (s *Store) VolumeHistogram(ctx context.Context, window analytics.Window, filters analytics.Filters, excludedAccounts []int64) ([]HistogramPoint, error) {
	clauses := []string{"block_timestamp >= ?", "type IN ('order', 'liquidation')"}
	args := []any{window.Start}

	if filters.MarketID != nil {
		clauses = append(clauses, "market_id = ?")
		args = append(args, *filters.MarketID)
	}
	if filters.AccountID != nil {
		clauses = append(clauses, "account_id = ?")
		args = append(args, *filters.AccountID)
	}
	if len(excludedAccounts) > 0 {
		clauses = append(clauses, "NOT (account_id = ANY(?))")
		args = append(args, excludedAccounts)
	}

	walletCTE := ""
	walletJoin := ""
	outerWhere := ""
	if filters.Wallet != "" {
		walletCTE = `,
		latest_owners AS (
			SELECT DISTINCT ON (account_id)
				account_id,
				new_owner AS wallet
			FROM public.account_owner_updated_snapshot
			ORDER BY account_id, block_timestamp DESC
		)`
		walletJoin = "JOIN latest_owners lo ON f.account_id = lo.account_id"
		outerWhere = "WHERE LOWER(lo.wallet) = LOWER(?)"
		args = append(args, filters.Wallet)
	}

	query := fmt.Sprintf(`
		WITH filtered AS (
			SELECT block_timestamp, account_id, market_id, order_base, price
			FROM public.order_history
			WHERE %s
		)%s
		SELECT
			to_char(%s, '%s') AS bucket,
			COALESCE(SUM(ABS((order_base::numeric / 1e18) * (price::numeric / 1e18))), 0)::text AS total
		FROM filtered f
		%s
		%s
		GROUP BY 1
		ORDER BY 1
	`, strings.Join(clauses, " AND "), walletCTE, bucketExpr(window.BucketUnit), sqlBucketFormat(window.BucketUnit), walletJoin, outerWhere)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := make([]HistogramPoint, 0, 64)
	for rows.Next() {
		var point HistogramPoint
		var total string
		if err := rows.Scan(&point.Bucket, &total); err != nil {
			return nil, err
		}
		point.Total = analytics.NormalizeString(total, 0)
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return points, nil
}

// OpenInterestSnapshots returns the raw open-interest history inside the
// window, oldest first; bucketing happens in the analytics layer.
func (s *Store) OpenInterestSnapshots(ctx context.Context, window analytics.Window, marketID *int64) ([]analytics.MarketSnapshot, error) {
	clauses := []string{"block_timestamp >= ?"}
	args := []any{window.Start}
	if marketID != nil {
		clauses = append(clauses, "market_data_id = ?")
		args = append(args, *marketID)
	}

	query := fmt.Sprintf(`
		SELECT
			market_data_id,
			block_timestamp,
			COALESCE(open_interest, 0)::text
		FROM public.market_trackers_history
		WHERE %s
		ORDER BY block_timestamp ASC
	`, strings.Join(clauses, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]analytics.MarketSnapshot, 0, 256)
	for rows.Next() {
		var snapshot analytics.MarketSnapshot
		var openInterest string
		if err := rows.Scan(&snapshot.MarketID, &snapshot.BlockTimestamp, &openInterest); err != nil {
			return nil, err
		}
		snapshot.OpenInterest = analytics.NormalizeString(openInterest, analytics.ScaleBase)
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// LatestMarketTrackers returns the newest tracker snapshot per market.
func (s *Store) LatestMarketTrackers(ctx context.Context) ([]analytics.MarketSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (market_data_id)
			market_data_id,
			block_timestamp,
			COALESCE(open_interest, 0)::text,
			COALESCE(last_funding_rate, 0)::text
		FROM public.market_trackers
		ORDER BY market_data_id, block_timestamp DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]analytics.MarketSnapshot, 0, 32)
	for rows.Next() {
		var snapshot analytics.MarketSnapshot
		var openInterest, fundingRate string
		if err := rows.Scan(&snapshot.MarketID, &snapshot.BlockTimestamp, &openInterest, &fundingRate); err != nil {
			return nil, err
		}
		snapshot.OpenInterest = analytics.NormalizeString(openInterest, analytics.ScaleBase)
		snapshot.FundingRate = analytics.NormalizeString(fundingRate, analytics.ScaleBase)
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// MarketVolume is windowed trading activity for a single market.
type MarketVolume struct {
	MarketID int64   `json:"market_id"`
	Volume   float64 `json:"volume"`
	Trades   int64   `json:"trades"`
}

// marketVolumesQuery builds the per-market aggregation. The aggregate lives in
// its own CTE so the outer ORDER BY can reference volume as a real column; an
// output-column alias is not visible inside an ORDER BY expression.
func marketVolumesQuery(where, walletCTE, walletJoin, outerWhere string) string {
	return fmt.Sprintf(`
		WITH filtered AS (
			SELECT market_id, account_id, order_base, price
			FROM public.order_history
			WHERE %s
		)%s,
		volumes_by_market AS (
			SELECT
				f.market_id,
				COALESCE(SUM(ABS((order_base::numeric / 1e18) * (price::numeric / 1e18))), 0) AS volume,
				COUNT(*) AS trades
			FROM filtered f
			%s
			%s
			GROUP BY f.market_id
		)
		SELECT market_id, volume::text, trades
		FROM volumes_by_market
		ORDER BY volume DESC
		LIMIT ?
	`, where, walletCTE, walletJoin, outerWhere)
}

// MarketVolumes aggregates windowed volume and trade count per market, highest
// volume first, optionally scoped to a resolved wallet.
func (s *Store) MarketVolumes(ctx context.Context, window analytics.Window, wallet string, excludedAccounts []int64, limit int) ([]MarketVolume, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > maxMarketBreakdown {
		limit = maxMarketBreakdown
	}

	clauses := []string{"block_timestamp >= ?", "type IN ('order', 'liquidation')"}
	args := []any{window.Start}
	if len(excludedAccounts) > 0 {
		clauses = append(clauses, "NOT (account_id = ANY(?))")
		args = append(args, excludedAccounts)
	}

	walletCTE := ""
	walletJoin := ""
	outerWhere := ""
	if wallet != "" {
		walletCTE = `,
		latest_owners AS (
			SELECT DISTINCT ON (account_id)
				account_id,
				new_owner AS wallet
			FROM public.account_owner_updated_snapshot
			ORDER BY account_id, block_timestamp DESC
		)`
		walletJoin = "JOIN latest_owners lo ON f.account_id = lo.account_id"
		outerWhere = "WHERE LOWER(lo.wallet) = LOWER(?)"
		args = append(args, wallet)
	}
	args = append(args, limit)

	query := marketVolumesQuery(strings.Join(clauses, " AND "), walletCTE, walletJoin, outerWhere)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	volumes := make([]MarketVolume, 0, limit)
	for rows.Next() {
		var volume MarketVolume
		var raw string
		if err := rows.Scan(&volume.MarketID, &raw, &volume.Trades); err != nil {
			return nil, err
		}
		volume.Volume = analytics.NormalizeString(raw, 0)
		volumes = append(volumes, volume)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return volumes, nil
}

// PositionFilter narrows the live positions view.
type PositionFilter struct {
	MarketID  *int64
	SortBy    string
	SortOrder string
	Limit     int
}

// PositionRecord is one open position joined with its resolved owner and
// identity. All numeric fields are normalized and finite.
type PositionRecord struct {
	AccountID         int64   `json:"account_id"`
	Wallet            string  `json:"wallet"`
	MarketID          int64   `json:"market_id"`
	Size              float64 `json:"size"`
	SizeUsd           float64 `json:"size_usd"`
	Price             float64 `json:"price"`
	LiquidationPrice  float64 `json:"liquidation_price"`
	UnrealizedPnl     float64 `json:"unrealized_pnl"`
	MarginRatio       float64 `json:"margin_ratio"`
	DiscordUsername   *string `json:"discord_username"`
	DiscordGlobalName *string `json:"discord_global_name"`
}

var positionSortColumns = map[string]string{
	"pnl":         "unrealized_pnl",
	"size":        "size_usd",
	"marginRatio": "margin_ratio",
}

// LivePositions lists currently open positions from the raw position table,
// resolved to wallets, sorted server-side. Unknown sort keys fall back to pnl.
func (s *Store) LivePositions(ctx context.Context, filter PositionFilter) ([]PositionRecord, error) {
	sortColumn, ok := positionSortColumns[filter.SortBy]
	if !ok {
		sortColumn = positionSortColumns["pnl"]
	}
	direction := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		direction = "ASC"
	}
	limit := filter.Limit
	if limit < 1 {
		limit = defaultPositionLimit
	}

	marketFilter := ""
	args := make([]any, 0, 2)
	if filter.MarketID != nil {
		marketFilter = "AND pr.market_id = ?"
		args = append(args, *filter.MarketID)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		WITH latest_owners AS (
			SELECT DISTINCT ON (account_id)
				account_id,
				new_owner AS wallet
			FROM public.account_owner_updated_snapshot
			ORDER BY account_id, block_timestamp DESC
		)
		SELECT
			pr.account_id,
			COALESCE(lo.wallet, '') AS wallet,
			pr.market_id,
			(pr.base::numeric / 1e18)::text AS size,
			ABS(pr.base::numeric / 1e18 * pr.last_price::numeric / 1e18)::text AS size_usd,
			(pr.last_price::numeric / 1e18)::text AS price,
			(COALESCE(pr.adl_unwind_price, 0)::numeric / 1e18)::text AS liquidation_price,
			(COALESCE(pr.realized_pnl_latest_snapshot, 0)::numeric / 1e21)::text AS unrealized_pnl,
			CASE
				WHEN ABS(pr.base) > 0 AND pr.base_multiplier::numeric > 0
				THEN (ABS(pr.base::numeric / 1e18 * pr.last_price::numeric / 1e21) / (pr.base_multiplier::numeric / 1e18))::text
				ELSE '0'
			END AS margin_ratio,
			wd."discordUsername",
			wd."discordGlobalName"
		FROM public.position_raw pr
		LEFT JOIN latest_owners lo ON pr.account_id = lo.account_id
		LEFT JOIN public."WalletDiscordLink" wd ON lo.wallet = wd."walletAddress"
		WHERE pr.base != 0
		%s
		ORDER BY %s %s
		LIMIT ?
	`, marketFilter, sortColumn, direction)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make([]PositionRecord, 0, 64)
	for rows.Next() {
		var record PositionRecord
		var size, sizeUsd, price, liqPrice, pnl, marginRatio string
		var username, globalName sql.NullString
		if err := rows.Scan(
			&record.AccountID,
			&record.Wallet,
			&record.MarketID,
			&size,
			&sizeUsd,
			&price,
			&liqPrice,
			&pnl,
			&marginRatio,
			&username,
			&globalName,
		); err != nil {
			return nil, err
		}
		if record.Wallet == "" {
			record.Wallet = analytics.UnknownWallet
		}
		record.Size = analytics.NormalizeString(size, 0)
		record.SizeUsd = analytics.NormalizeString(sizeUsd, 0)
		record.Price = analytics.NormalizeString(price, 0)
		record.LiquidationPrice = analytics.NormalizeString(liqPrice, 0)
		record.UnrealizedPnl = analytics.NormalizeString(pnl, 0)
		record.MarginRatio = analytics.NormalizeString(marginRatio, 0)
		if username.Valid {
			record.DiscordUsername = &username.String
		}
		if globalName.Valid {
			record.DiscordGlobalName = &globalName.String
		}
		positions = append(positions, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}

// TradeDetail is a single historical trade for the per-wallet drill-down view.
type TradeDetail struct {
	AccountID      int64   `json:"account_id"`
	MarketID       int64   `json:"market_id"`
	Type           string  `json:"type"`
	Base           float64 `json:"base"`
	Price          float64 `json:"price"`
	RealizedPnl    float64 `json:"realized_pnl"`
	BlockTimestamp int64   `json:"block_timestamp"`
}

// WalletTrades lists the most recent trades across every account currently
// owned by the wallet, newest first.
func (s *Store) WalletTrades(ctx context.Context, wallet string, limit int) ([]TradeDetail, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH latest_owners AS (
			SELECT DISTINCT ON (account_id)
				account_id,
				new_owner AS wallet
			FROM public.account_owner_updated_snapshot
			ORDER BY account_id, block_timestamp DESC
		)
		SELECT
			oh.account_id,
			oh.market_id,
			oh.type,
			COALESCE(oh.order_base, 0)::text,
			COALESCE(oh.price, 0)::text,
			COALESCE(oh.r_pnl, 0)::text,
			oh.block_timestamp
		FROM public.order_history oh
		JOIN latest_owners lo ON oh.account_id = lo.account_id
		WHERE LOWER(lo.wallet) = LOWER(?)
		ORDER BY oh.block_timestamp DESC
		LIMIT ?
	`, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades := make([]TradeDetail, 0, limit)
	for rows.Next() {
		var trade TradeDetail
		var base, price, realized string
		if err := rows.Scan(
			&trade.AccountID,
			&trade.MarketID,
			&trade.Type,
			&base,
			&price,
			&realized,
			&trade.BlockTimestamp,
		); err != nil {
			return nil, err
		}
		trade.Base = analytics.NormalizeString(base, analytics.ScaleBase)
		trade.Price = analytics.NormalizeString(price, analytics.ScaleBase)
		trade.RealizedPnl = analytics.NormalizeString(realized, analytics.ScaleBase)
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}

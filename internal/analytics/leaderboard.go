package analytics

import (
	"sort"
	"strings"
)

// SortKey selects the leaderboard ordering column.
type SortKey string

const (
	SortTradeCount    SortKey = "trade_count"
	SortVolume        SortKey = "volume"
	SortRealizedPnl   SortKey = "realized_pnl"
	SortWinRate       SortKey = "win_rate"
	SortFees          SortKey = "fees"
	SortLastTradeTime SortKey = "last_trade_time"
	SortLeverage      SortKey = "leverage"
	SortNetFunding    SortKey = "net_funding"
)

// ParseSortKey maps a user-supplied sort key to a known one, falling back to
// trade_count for anything unrecognized.
func ParseSortKey(raw string) SortKey {
	switch SortKey(raw) {
	case SortTradeCount, SortVolume, SortRealizedPnl, SortWinRate,
		SortFees, SortLastTradeTime, SortLeverage, SortNetFunding:
		return SortKey(raw)
	default:
		return SortTradeCount
	}
}

// SortOrder is asc or desc; desc is the default.
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

func ParseSortOrder(raw string) SortOrder {
	if SortOrder(strings.ToLower(raw)) == OrderAsc {
		return OrderAsc
	}
	return OrderDesc
}

// PageSizeAll is the documented sentinel that disables pagination: all matching
// items come back in a single page.
const PageSizeAll = -1

// LeaderboardFilter narrows summaries before sorting and paging. Search matches
// the wallet address and identity names, case-insensitive substring.
type LeaderboardFilter struct {
	MinTradeCount int
	MinVolume     float64
	Search        string
}

// LeaderboardStats aggregates the whole filtered set, not just the page.
type LeaderboardStats struct {
	TotalVolume          float64 `json:"total_volume"`
	TotalRealizedPnl     float64 `json:"total_realized_pnl"`
	TotalFees            float64 `json:"total_fees"`
	TotalFundingPaid     float64 `json:"total_funding_paid"`
	TotalFundingReceived float64 `json:"total_funding_received"`
	AvgWinRate           float64 `json:"avg_win_rate"`
}

// LeaderboardPage is the serializable result of SortAndPage.
type LeaderboardPage struct {
	Items      []TraderSummary  `json:"items"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
	TotalCount int              `json:"total_count"`
	TotalPages int              `json:"total_pages"`
	Stats      LeaderboardStats `json:"stats"`
}

// SortAndPage filters, sorts and paginates trader summaries. Pages are
// 1-indexed; pageSize == PageSizeAll returns everything as one page. Ties on
// the sort value break by wallet ascending so ordering is deterministic.
func SortAndPage(summaries []TraderSummary, key SortKey, order SortOrder, page, pageSize int, filter LeaderboardFilter) LeaderboardPage {
	filtered := make([]TraderSummary, 0, len(summaries))
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	for _, s := range summaries {
		if s.TradeCount < filter.MinTradeCount {
			continue
		}
		if s.TotalVolume < filter.MinVolume {
			continue
		}
		if search != "" && !matchesSearch(s, search) {
			continue
		}
		filtered = append(filtered, s)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := sortValue(filtered[i], key), sortValue(filtered[j], key)
		if a == b {
			return filtered[i].Wallet < filtered[j].Wallet
		}
		if order == OrderAsc {
			return a < b
		}
		return a > b
	})

	totalCount := len(filtered)
	if page < 1 {
		page = 1
	}

	if pageSize == PageSizeAll {
		return LeaderboardPage{
			Items:      filtered,
			Page:       1,
			PageSize:   PageSizeAll,
			TotalCount: totalCount,
			TotalPages: 1,
			Stats:      summarize(filtered),
		}
	}
	if pageSize < 1 {
		pageSize = 50
	}

	totalPages := (totalCount + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	if start > totalCount {
		start = totalCount
	}
	end := start + pageSize
	if end > totalCount {
		end = totalCount
	}

	return LeaderboardPage{
		Items:      filtered[start:end],
		Page:       page,
		PageSize:   pageSize,
		TotalCount: totalCount,
		TotalPages: totalPages,
		Stats:      summarize(filtered),
	}
}

func matchesSearch(s TraderSummary, search string) bool {
	if strings.Contains(strings.ToLower(s.Wallet), search) {
		return true
	}
	if s.Identity == nil {
		return false
	}
	for _, name := range []*string{s.Identity.DiscordUsername, s.Identity.DiscordGlobalName} {
		if name != nil && strings.Contains(strings.ToLower(*name), search) {
			return true
		}
	}
	return false
}

func sortValue(s TraderSummary, key SortKey) float64 {
	switch key {
	case SortVolume:
		return s.TotalVolume
	case SortRealizedPnl:
		return s.TotalRealizedPnl
	case SortWinRate:
		return s.WinRate
	case SortFees:
		return s.TotalFees
	case SortLastTradeTime:
		return float64(s.LastTradeTime)
	case SortLeverage:
		return s.AvgLeverage
	case SortNetFunding:
		return s.NetFunding()
	default:
		return float64(s.TradeCount)
	}
}

func summarize(summaries []TraderSummary) LeaderboardStats {
	var stats LeaderboardStats
	for _, s := range summaries {
		stats.TotalVolume += s.TotalVolume
		stats.TotalRealizedPnl += s.TotalRealizedPnl
		stats.TotalFees += s.TotalFees
		stats.TotalFundingPaid += s.FundingPaid
		stats.TotalFundingReceived += s.FundingReceived
		stats.AvgWinRate += s.WinRate
	}
	if len(summaries) > 0 {
		stats.AvgWinRate /= float64(len(summaries))
	}
	stats.AvgWinRate = Finite(stats.AvgWinRate)
	return stats
}

package analytics

// Event types recorded by the indexer for order_history rows. Anything else
// (settlement bookkeeping rows) is ignored by aggregation.
const (
	EventOrder       = "order"
	EventLiquidation = "liquidation"
)

// OrderEvent is a single immutable trade event, already normalized out of the
// on-chain fixed-point encoding. Base and Price are in display units, RealizedPnl,
// FundingPnl and Fee in USD.
type OrderEvent struct {
	AccountID      int64
	MarketID       int64
	Type           string
	Base           float64
	Price          float64
	RealizedPnl    float64
	FundingPnl     float64
	Fee            float64
	BlockTimestamp int64
}

// OwnershipEvent is one entry of the append-only account ownership log.
type OwnershipEvent struct {
	AccountID      int64
	NewOwner       string
	BlockTimestamp int64
}

// WalletIdentity is optional enrichment looked up by wallet address. Absence of
// any field is valid.
type WalletIdentity struct {
	Wallet            string  `json:"wallet"`
	DiscordUsername   *string `json:"discord_username"`
	DiscordGlobalName *string `json:"discord_global_name"`
	DiscordRank       *int64  `json:"discord_rank"`
	TierID            *int64  `json:"tier_id"`
}

// TraderSummary is a per-wallet aggregate over a window. It is computed fresh on
// every query and never persisted. All numeric fields are finite.
type TraderSummary struct {
	Wallet           string          `json:"wallet"`
	AccountIDs       []int64         `json:"account_ids"`
	TotalVolume      float64         `json:"total_volume_usd"`
	TradeCount       int             `json:"trade_count"`
	TotalRealizedPnl float64         `json:"total_realized_pnl"`
	TotalFees        float64         `json:"total_fees"`
	FundingPaid      float64         `json:"funding_paid"`
	FundingReceived  float64         `json:"funding_received"`
	WinRate          float64         `json:"win_rate"`
	// AvgLeverage is reserved: the indexer records no margin balance per
	// trade, so nothing produces it yet and it serializes as 0. Sorting on
	// it falls through to the wallet tie-break.
	AvgLeverage      float64         `json:"avg_leverage"`
	LastTradeTime    int64           `json:"last_trade_time"`
	Identity         *WalletIdentity `json:"identity"`
}

// NetFunding is funding received minus funding paid over the window.
func (s TraderSummary) NetFunding() float64 {
	return s.FundingReceived - s.FundingPaid
}

// MarketSnapshot is one row of the market tracker time series, normalized.
type MarketSnapshot struct {
	MarketID       int64
	BlockTimestamp int64
	OpenInterest   float64
	FundingRate    float64
}

// MarketState is the latest known tracker state for a market.
type MarketState struct {
	OpenInterest float64 `json:"open_interest"`
	FundingRate  float64 `json:"funding_rate"`
	AsOf         int64   `json:"as_of"`
}

// SeriesPoint is one bucket of a charted time series.
type SeriesPoint struct {
	Bucket       string  `json:"bucket"`
	OpenInterest float64 `json:"open_interest"`
}

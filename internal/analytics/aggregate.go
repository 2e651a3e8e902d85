package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
)

// Filters narrows the event set scanned by the aggregation engine. The wallet
// filter is applied after ownership resolution, since it is logically a filter
// on resolved identity rather than raw account ids.
type Filters struct {
	MarketID  *int64
	AccountID *int64
	Wallet    string
}

// EventSource is the data dependency of the aggregation engine. The store
// implements it against Postgres; tests implement it in memory.
type EventSource interface {
	OrderEvents(ctx context.Context, window Window, filters Filters) ([]OrderEvent, error)
	LatestOwners(ctx context.Context, accountIDs []int64) (map[int64]string, error)
	Identities(ctx context.Context, wallets []string) (map[string]WalletIdentity, error)
}

// Engine turns raw order events into per-wallet trading summaries. It is
// stateless; one instance serves all requests.
type Engine struct {
	source   EventSource
	logger   *slog.Logger
	excluded map[int64]struct{}
}

// NewEngine builds an engine. excludedAccounts lists account ids (typically the
// LP pool account) whose events are skipped on every aggregation path.
func NewEngine(source EventSource, excludedAccounts []int64, logger *slog.Logger) *Engine {
	excluded := make(map[int64]struct{}, len(excludedAccounts))
	for _, id := range excludedAccounts {
		excluded[id] = struct{}{}
	}
	return &Engine{
		source:   source,
		logger:   logger,
		excluded: excluded,
	}
}

type walletAccumulator struct {
	accountIDs map[int64]struct{}
	volume     float64
	tradeCount int
	realized   float64
	fees       float64
	paid       float64
	received   float64
	wins       int
	lastTrade  int64
}

// AggregateTrades runs the full pipeline: filter events to the window, resolve
// owning wallets, reduce per wallet, then left-join identity metadata. A wallet
// with zero matching events is absent from the output; an account with no
// resolvable owner is grouped under the unknown bucket and kept. Output order
// is deterministic (wallet ascending); callers sort by their own key.
func (e *Engine) AggregateTrades(ctx context.Context, window Window, filters Filters) ([]TraderSummary, error) {
	events, err := e.source.OrderEvents(ctx, window, filters)
	if err != nil {
		return nil, fmt.Errorf("fetch order events: %w", err)
	}

	accountSet := make(map[int64]struct{})
	kept := events[:0:0]
	for _, event := range events {
		if _, skip := e.excluded[event.AccountID]; skip {
			continue
		}
		if event.Type != EventOrder && event.Type != EventLiquidation {
			continue
		}
		kept = append(kept, event)
		accountSet[event.AccountID] = struct{}{}
	}
	if len(kept) == 0 {
		return []TraderSummary{}, nil
	}

	accountIDs := make([]int64, 0, len(accountSet))
	for id := range accountSet {
		accountIDs = append(accountIDs, id)
	}
	sort.Slice(accountIDs, func(i, j int) bool { return accountIDs[i] < accountIDs[j] })

	owners, err := e.source.LatestOwners(ctx, accountIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve account owners: %w", err)
	}

	groups := make(map[string]*walletAccumulator)
	for _, event := range kept {
		wallet := WalletOrUnknown(owners, event.AccountID)
		acc := groups[wallet]
		if acc == nil {
			acc = &walletAccumulator{accountIDs: make(map[int64]struct{})}
			groups[wallet] = acc
		}
		acc.observe(event)
	}

	if filters.Wallet != "" {
		for wallet := range groups {
			if !strings.EqualFold(wallet, filters.Wallet) {
				delete(groups, wallet)
			}
		}
	}
	if len(groups) == 0 {
		return []TraderSummary{}, nil
	}

	wallets := make([]string, 0, len(groups))
	for wallet := range groups {
		wallets = append(wallets, wallet)
	}
	sort.Strings(wallets)

	// Identity is enrichment only: a failed lookup degrades to no identity
	// rather than failing the aggregate.
	identities, err := e.source.Identities(ctx, wallets)
	if err != nil {
		e.logger.Warn("identity lookup failed, returning summaries without identity", "err", err)
		identities = nil
	}

	summaries := make([]TraderSummary, 0, len(wallets))
	for _, wallet := range wallets {
		summaries = append(summaries, groups[wallet].summary(wallet, identities))
	}
	return summaries, nil
}

func (a *walletAccumulator) observe(event OrderEvent) {
	a.accountIDs[event.AccountID] = struct{}{}
	a.volume += math.Abs(event.Base * event.Price)
	a.tradeCount++
	a.realized += event.RealizedPnl
	a.fees += event.Fee
	if event.FundingPnl > 0 {
		a.received += event.FundingPnl
	} else if event.FundingPnl < 0 {
		a.paid += -event.FundingPnl
	}
	if event.Type == EventOrder && event.RealizedPnl > 0 {
		a.wins++
	}
	if event.BlockTimestamp > a.lastTrade {
		a.lastTrade = event.BlockTimestamp
	}
}

func (a *walletAccumulator) summary(wallet string, identities map[string]WalletIdentity) TraderSummary {
	accountIDs := make([]int64, 0, len(a.accountIDs))
	for id := range a.accountIDs {
		accountIDs = append(accountIDs, id)
	}
	sort.Slice(accountIDs, func(i, j int) bool { return accountIDs[i] < accountIDs[j] })

	winRate := 0.0
	if a.tradeCount > 0 {
		winRate = float64(a.wins) / float64(a.tradeCount)
	}

	summary := TraderSummary{
		Wallet:           wallet,
		AccountIDs:       accountIDs,
		TotalVolume:      Finite(a.volume),
		TradeCount:       a.tradeCount,
		TotalRealizedPnl: Finite(a.realized),
		TotalFees:        Finite(a.fees),
		FundingPaid:      Finite(a.paid),
		FundingReceived:  Finite(a.received),
		WinRate:          Finite(winRate),
		LastTradeTime:    a.lastTrade * 1000,
	}
	if identity, ok := identities[wallet]; ok {
		identity := identity
		summary.Identity = &identity
	}
	return summary
}

package analytics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeSource struct {
	events      []OrderEvent
	owners      map[int64]string
	identities  map[string]WalletIdentity
	eventsErr   error
	ownersErr   error
	identityErr error
}

func (f *fakeSource) OrderEvents(context.Context, Window, Filters) ([]OrderEvent, error) {
	return f.events, f.eventsErr
}

func (f *fakeSource) LatestOwners(context.Context, []int64) (map[int64]string, error) {
	return f.owners, f.ownersErr
}

func (f *fakeSource) Identities(context.Context, []string) (map[string]WalletIdentity, error) {
	return f.identities, f.identityErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAggregateTradesSingleWallet(t *testing.T) {
	source := &fakeSource{
		events: []OrderEvent{
			{AccountID: 1, MarketID: 1, Type: EventOrder, Base: 10, Price: 10, RealizedPnl: 5, Fee: 0.5, FundingPnl: 2, BlockTimestamp: 1000},
			{AccountID: 1, MarketID: 1, Type: EventOrder, Base: -20, Price: 10, RealizedPnl: -2, Fee: 1, FundingPnl: -3, BlockTimestamp: 2000},
		},
		owners: map[int64]string{1: "0xabc"},
	}
	engine := NewEngine(source, nil, discardLogger())

	summaries, err := engine.AggregateTrades(context.Background(), Window{}, Filters{})
	if err != nil {
		t.Fatalf("AggregateTrades: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("got %d summaries, want 1", len(summaries))
	}

	s := summaries[0]
	if s.Wallet != "0xabc" {
		t.Errorf("Wallet = %q, want 0xabc", s.Wallet)
	}
	if !almostEqual(s.TotalVolume, 300) {
		t.Errorf("TotalVolume = %v, want 300", s.TotalVolume)
	}
	if s.TradeCount != 2 {
		t.Errorf("TradeCount = %d, want 2", s.TradeCount)
	}
	if !almostEqual(s.TotalRealizedPnl, 3) {
		t.Errorf("TotalRealizedPnl = %v, want 3", s.TotalRealizedPnl)
	}
	if !almostEqual(s.TotalFees, 1.5) {
		t.Errorf("TotalFees = %v, want 1.5", s.TotalFees)
	}
	if !almostEqual(s.FundingReceived, 2) || !almostEqual(s.FundingPaid, 3) {
		t.Errorf("funding = received %v paid %v, want 2 and 3", s.FundingReceived, s.FundingPaid)
	}
	if !almostEqual(s.NetFunding(), -1) {
		t.Errorf("NetFunding = %v, want -1", s.NetFunding())
	}
	if !almostEqual(s.WinRate, 0.5) {
		t.Errorf("WinRate = %v, want 0.5", s.WinRate)
	}
	if s.LastTradeTime != 2000*1000 {
		t.Errorf("LastTradeTime = %d, want %d", s.LastTradeTime, 2000*1000)
	}
	if len(s.AccountIDs) != 1 || s.AccountIDs[0] != 1 {
		t.Errorf("AccountIDs = %v, want [1]", s.AccountIDs)
	}
}

func TestAggregateTradesMergesAccountsPerWallet(t *testing.T) {
	source := &fakeSource{
		events: []OrderEvent{
			{AccountID: 1, Type: EventOrder, Base: 10, Price: 10, RealizedPnl: 5, BlockTimestamp: 1000},
			{AccountID: 3, Type: EventOrder, Base: 20, Price: 10, RealizedPnl: -1, BlockTimestamp: 3000},
			{AccountID: 2, Type: EventOrder, Base: 5, Price: 10, RealizedPnl: 1, BlockTimestamp: 2000},
		},
		owners: map[int64]string{1: "0xabc", 3: "0xabc", 2: "0xother"},
	}
	engine := NewEngine(source, nil, discardLogger())

	summaries, err := engine.AggregateTrades(context.Background(), Window{}, Filters{})
	if err != nil {
		t.Fatalf("AggregateTrades: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2 (accounts 1 and 3 share a wallet)", len(summaries))
	}

	// Output is wallet-ascending: 0xabc first.
	s := summaries[0]
	if s.Wallet != "0xabc" {
		t.Fatalf("Wallet = %q, want 0xabc", s.Wallet)
	}
	if len(s.AccountIDs) != 2 || s.AccountIDs[0] != 1 || s.AccountIDs[1] != 3 {
		t.Errorf("AccountIDs = %v, want [1 3]", s.AccountIDs)
	}
	if !almostEqual(s.TotalVolume, 300) {
		t.Errorf("TotalVolume = %v, want 300", s.TotalVolume)
	}
	if s.TradeCount != 2 {
		t.Errorf("TradeCount = %d, want 2", s.TradeCount)
	}
	if !almostEqual(s.TotalRealizedPnl, 4) {
		t.Errorf("TotalRealizedPnl = %v, want 4", s.TotalRealizedPnl)
	}
	if s.LastTradeTime != 3000*1000 {
		t.Errorf("LastTradeTime = %d, want %d", s.LastTradeTime, 3000*1000)
	}

	// Each event lands in exactly one summary: the per-wallet volumes add up
	// to the single-pass total over all events.
	total := 0.0
	for _, summary := range summaries {
		total += summary.TotalVolume
	}
	if !almostEqual(total, 350) {
		t.Errorf("summed volume = %v, want 350", total)
	}
}

func TestAggregateTradesExcludedAccountsAndTypes(t *testing.T) {
	source := &fakeSource{
		events: []OrderEvent{
			{AccountID: 2, Type: EventOrder, Base: 100, Price: 10, BlockTimestamp: 1000},
			{AccountID: 1, Type: "settlement", Base: 50, Price: 10, BlockTimestamp: 1000},
			{AccountID: 1, Type: EventLiquidation, Base: 5, Price: 10, RealizedPnl: 7, BlockTimestamp: 1500},
		},
		owners: map[int64]string{1: "0xabc", 2: "0xpool"},
	}
	engine := NewEngine(source, []int64{2}, discardLogger())

	summaries, err := engine.AggregateTrades(context.Background(), Window{}, Filters{})
	if err != nil {
		t.Fatalf("AggregateTrades: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("got %d summaries, want 1", len(summaries))
	}

	s := summaries[0]
	if s.Wallet != "0xabc" {
		t.Errorf("Wallet = %q, want 0xabc", s.Wallet)
	}
	if s.TradeCount != 1 {
		t.Errorf("TradeCount = %d, want 1 (settlement and excluded account skipped)", s.TradeCount)
	}
	// A profitable liquidation is not a win.
	if s.WinRate != 0 {
		t.Errorf("WinRate = %v, want 0", s.WinRate)
	}
}

func TestAggregateTradesUnknownOwnerBucket(t *testing.T) {
	source := &fakeSource{
		events: []OrderEvent{
			{AccountID: 9, Type: EventOrder, Base: 1, Price: 100, BlockTimestamp: 1000},
		},
		owners: map[int64]string{},
	}
	engine := NewEngine(source, nil, discardLogger())

	summaries, err := engine.AggregateTrades(context.Background(), Window{}, Filters{})
	if err != nil {
		t.Fatalf("AggregateTrades: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Wallet != UnknownWallet {
		t.Fatalf("unresolved account should land in %q bucket, got %+v", UnknownWallet, summaries)
	}
}

func TestAggregateTradesWalletFilterCaseInsensitive(t *testing.T) {
	source := &fakeSource{
		events: []OrderEvent{
			{AccountID: 1, Type: EventOrder, Base: 1, Price: 1, BlockTimestamp: 1},
			{AccountID: 2, Type: EventOrder, Base: 1, Price: 1, BlockTimestamp: 1},
		},
		owners: map[int64]string{1: "0xABCdef", 2: "0xother"},
	}
	engine := NewEngine(source, nil, discardLogger())

	summaries, err := engine.AggregateTrades(context.Background(), Window{}, Filters{Wallet: "0xabcDEF"})
	if err != nil {
		t.Fatalf("AggregateTrades: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Wallet != "0xABCdef" {
		t.Fatalf("wallet filter should match case-insensitively, got %+v", summaries)
	}
}

func TestAggregateTradesIdentityFailureDegrades(t *testing.T) {
	source := &fakeSource{
		events: []OrderEvent{
			{AccountID: 1, Type: EventOrder, Base: 1, Price: 1, BlockTimestamp: 1},
		},
		owners:      map[int64]string{1: "0xabc"},
		identityErr: errors.New("boom"),
	}
	engine := NewEngine(source, nil, discardLogger())

	summaries, err := engine.AggregateTrades(context.Background(), Window{}, Filters{})
	if err != nil {
		t.Fatalf("identity failure must not fail the aggregate: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Identity != nil {
		t.Fatalf("expected one summary without identity, got %+v", summaries)
	}
}

func TestAggregateTradesIdentityAttached(t *testing.T) {
	name := "trader_one"
	source := &fakeSource{
		events: []OrderEvent{
			{AccountID: 1, Type: EventOrder, Base: 1, Price: 1, BlockTimestamp: 1},
		},
		owners: map[int64]string{1: "0xabc"},
		identities: map[string]WalletIdentity{
			"0xabc": {Wallet: "0xabc", DiscordUsername: &name},
		},
	}
	engine := NewEngine(source, nil, discardLogger())

	summaries, err := engine.AggregateTrades(context.Background(), Window{}, Filters{})
	if err != nil {
		t.Fatalf("AggregateTrades: %v", err)
	}
	if summaries[0].Identity == nil || summaries[0].Identity.DiscordUsername == nil || *summaries[0].Identity.DiscordUsername != name {
		t.Fatalf("identity not attached: %+v", summaries[0].Identity)
	}
}

func TestAggregateTradesSourceErrors(t *testing.T) {
	engine := NewEngine(&fakeSource{eventsErr: errors.New("db down")}, nil, discardLogger())
	if _, err := engine.AggregateTrades(context.Background(), Window{}, Filters{}); err == nil {
		t.Fatal("event fetch failure must surface as error")
	}

	engine = NewEngine(&fakeSource{
		events:    []OrderEvent{{AccountID: 1, Type: EventOrder, BlockTimestamp: 1}},
		ownersErr: errors.New("db down"),
	}, nil, discardLogger())
	if _, err := engine.AggregateTrades(context.Background(), Window{}, Filters{}); err == nil {
		t.Fatal("owner resolution failure must surface as error")
	}
}

func TestAggregateTradesEmptyWindow(t *testing.T) {
	engine := NewEngine(&fakeSource{}, nil, discardLogger())
	summaries, err := engine.AggregateTrades(context.Background(), Window{}, Filters{})
	if err != nil {
		t.Fatalf("AggregateTrades: %v", err)
	}
	if len(summaries) != 0 {
		t.Fatalf("got %d summaries, want 0", len(summaries))
	}
}

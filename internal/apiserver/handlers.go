package apiserver

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/perpscope/backend/internal/analytics"
	"github.com/perpscope/backend/internal/store"
	"github.com/perpscope/backend/internal/trading"
)

type statsResponse struct {
	Timeframe         string  `json:"timeframe"`
	Volume            float64 `json:"volume"`
	Trades            int64   `json:"trades"`
	ActiveWallets     int64   `json:"active_wallets"`
	TotalWallets      int64   `json:"total_wallets"`
	TotalOpenInterest float64 `json:"total_open_interest"`
}

// handleStats fans out the three independent panels of the stats view. A
// failed branch degrades to zero instead of failing the whole response.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	window := analytics.ResolveWindow(r.URL.Query().Get("timeframe"))
	response := statsResponse{Timeframe: window.Token}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		stats, err := s.db.WindowTradeStats(r.Context(), window, s.cfg.ExcludedAccountIDs)
		if err != nil {
			s.logger.Warn("window trade stats failed", "timeframe", window.Token, "err", err)
			return
		}
		response.Volume = stats.Volume
		response.Trades = stats.Trades
		response.ActiveWallets = stats.ActiveWallets
	}()
	go func() {
		defer wg.Done()
		total, err := s.db.TotalWallets(r.Context())
		if err != nil {
			s.logger.Warn("total wallets failed", "err", err)
			return
		}
		response.TotalWallets = total
	}()
	go func() {
		defer wg.Done()
		openInterest, err := s.db.TotalOpenInterest(r.Context())
		if err != nil {
			s.logger.Warn("total open interest failed", "err", err)
			return
		}
		response.TotalOpenInterest = openInterest
	}()
	wg.Wait()

	s.respondJSON(w, http.StatusOK, response)
}

func (s *Service) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	marketID, err := parseOptionalID(r, "market_id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	accountID, err := parseOptionalID(r, "account_id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := parseOptionalInt(r, "page", 1)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	pageSize, err := parseOptionalInt(r, "page_size", 50)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	minTradeCount, err := parseOptionalInt(r, "min_trade_count", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	minVolume, err := parseOptionalFloat(r, "min_volume", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	window := analytics.ResolveWindow(r.URL.Query().Get("timeframe"))
	summaries, err := s.engine.AggregateTrades(r.Context(), window, analytics.Filters{
		MarketID:  marketID,
		AccountID: accountID,
		Wallet:    strings.TrimSpace(r.URL.Query().Get("wallet")),
	})
	if err != nil {
		s.logger.Error("aggregate trades failed", "timeframe", window.Token, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to build leaderboard")
		return
	}

	result := analytics.SortAndPage(
		summaries,
		analytics.ParseSortKey(r.URL.Query().Get("sort_by")),
		analytics.ParseSortOrder(r.URL.Query().Get("sort_order")),
		page,
		pageSize,
		analytics.LeaderboardFilter{
			MinTradeCount: minTradeCount,
			MinVolume:     minVolume,
			Search:        strings.TrimSpace(r.URL.Query().Get("search")),
		},
	)
	s.respondJSON(w, http.StatusOK, result)
}

type histogramResponse struct {
	Timeframe string                 `json:"timeframe"`
	Bucket    string                 `json:"bucket"`
	Items     []store.HistogramPoint `json:"items"`
}

func (s *Service) handleTradeHistogram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	marketID, err := parseOptionalID(r, "market_id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	accountID, err := parseOptionalID(r, "account_id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	window := analytics.ResolveWindowOverride(
		r.URL.Query().Get("timeframe"),
		strings.TrimSpace(r.URL.Query().Get("bucket")),
	)
	items, err := s.db.VolumeHistogram(r.Context(), window, analytics.Filters{
		MarketID:  marketID,
		AccountID: accountID,
		Wallet:    strings.TrimSpace(r.URL.Query().Get("wallet")),
	}, s.cfg.ExcludedAccountIDs)
	if err != nil {
		s.logger.Error("volume histogram failed", "timeframe", window.Token, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to build trade histogram")
		return
	}
	if items == nil {
		items = []store.HistogramPoint{}
	}

	s.respondJSON(w, http.StatusOK, histogramResponse{
		Timeframe: window.Token,
		Bucket:    string(window.BucketUnit),
		Items:     items,
	})
}

type openInterestResponse struct {
	Timeframe string                  `json:"timeframe"`
	Bucket    string                  `json:"bucket"`
	Series    []analytics.SeriesPoint `json:"series"`
}

func (s *Service) handleOpenInterest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	marketID, err := parseOptionalID(r, "market_id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	window := analytics.ResolveWindowOverride(
		r.URL.Query().Get("timeframe"),
		strings.TrimSpace(r.URL.Query().Get("bucket")),
	)
	snapshots, err := s.db.OpenInterestSnapshots(r.Context(), window, marketID)
	if err != nil {
		s.logger.Error("open interest snapshots failed", "timeframe", window.Token, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to build open interest series")
		return
	}

	series := analytics.BucketedSeries(snapshots, window)
	if series == nil {
		series = []analytics.SeriesPoint{}
	}
	s.respondJSON(w, http.StatusOK, openInterestResponse{
		Timeframe: window.Token,
		Bucket:    string(window.BucketUnit),
		Series:    series,
	})
}

func (s *Service) handleMarketBreakdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	limit, err := parseOptionalInt(r, "limit", 50)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	window := analytics.ResolveWindow(r.URL.Query().Get("timeframe"))
	items, err := s.db.MarketVolumes(
		r.Context(),
		window,
		strings.TrimSpace(r.URL.Query().Get("wallet")),
		s.cfg.ExcludedAccountIDs,
		limit,
	)
	if err != nil {
		s.logger.Error("market volumes failed", "timeframe", window.Token, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to build market breakdown")
		return
	}
	if items == nil {
		items = []store.MarketVolume{}
	}
	s.respondJSON(w, http.StatusOK, listResponse[store.MarketVolume]{Items: items})
}

func (s *Service) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	marketID, err := parseOptionalID(r, "market_id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := s.db.LivePositions(r.Context(), store.PositionFilter{
		MarketID:  marketID,
		SortBy:    strings.TrimSpace(r.URL.Query().Get("sort_by")),
		SortOrder: strings.TrimSpace(r.URL.Query().Get("sort_order")),
		Limit:     limit,
	})
	if err != nil {
		s.logger.Error("live positions failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if items == nil {
		items = []store.PositionRecord{}
	}
	s.respondJSON(w, http.StatusOK, listResponse[store.PositionRecord]{Items: items})
}

type marketEntry struct {
	MarketID     int64   `json:"market_id"`
	Ticker       string  `json:"ticker"`
	IsActive     bool    `json:"is_active"`
	OpenInterest float64 `json:"open_interest"`
	FundingRate  float64 `json:"funding_rate"`
	AsOf         int64   `json:"as_of"`
}

// handleMarkets joins the latest tracker state with the exchange's static
// market metadata. The metadata lookup is best effort: when the trading API
// is unreachable the tracker state ships without tickers.
func (s *Service) handleMarkets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	trackers, err := s.db.LatestMarketTrackers(r.Context())
	if err != nil {
		s.logger.Error("latest market trackers failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}
	states := analytics.LatestPerMarket(trackers)

	metadata := make(map[int64]trading.Market)
	markets, err := s.trading.Markets(r.Context())
	if err != nil {
		s.logger.Warn("trading api markets failed", "err", err)
	}
	for _, market := range markets {
		metadata[market.ID] = market
	}

	items := make([]marketEntry, 0, len(states))
	for marketID, state := range states {
		entry := marketEntry{
			MarketID:     marketID,
			OpenInterest: state.OpenInterest,
			FundingRate:  state.FundingRate,
			AsOf:         state.AsOf,
		}
		if meta, ok := metadata[marketID]; ok {
			entry.Ticker = meta.Ticker
			entry.IsActive = meta.IsActive
		}
		items = append(items, entry)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].MarketID < items[j].MarketID })

	s.respondJSON(w, http.StatusOK, listResponse[marketEntry]{Items: items})
}

func (s *Service) handleAccountsSubroutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	address, tail := splitAddressSubroute(r.URL.Path, "/api/v1/accounts/")
	if address == "" {
		s.respondError(w, http.StatusNotFound, "wallet address is required")
		return
	}

	switch tail {
	case "":
		accounts, err := s.trading.Accounts(r.Context(), address)
		if err != nil {
			s.logger.Error("trading api accounts failed", "address", address, "err", err)
			s.respondError(w, http.StatusBadGateway, "trading api unavailable")
			return
		}
		if accounts == nil {
			accounts = []trading.Account{}
		}
		s.respondJSON(w, http.StatusOK, listResponse[trading.Account]{Items: accounts})

	case "positions":
		accountID, err := parseOptionalID(r, "account_id")
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if accountID == nil {
			s.respondError(w, http.StatusBadRequest, "account_id is required")
			return
		}
		page, err := parseOptionalInt(r, "page", 1)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		perPage, err := parseOptionalInt(r, "per_page", 100)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := s.trading.Positions(r.Context(), address, *accountID, page, perPage)
		if err != nil {
			s.logger.Error("trading api positions failed", "address", address, "account_id", *accountID, "err", err)
			s.respondError(w, http.StatusBadGateway, "trading api unavailable")
			return
		}
		if result.Items == nil {
			result.Items = []trading.Position{}
		}
		s.respondJSON(w, http.StatusOK, result)

	case "transactions":
		accountID, err := parseOptionalID(r, "account_id")
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if accountID == nil {
			s.respondError(w, http.StatusBadRequest, "account_id is required")
			return
		}

		transactions, err := s.trading.Transactions(r.Context(), *accountID)
		if err != nil {
			s.logger.Error("trading api transactions failed", "account_id", *accountID, "err", err)
			s.respondError(w, http.StatusBadGateway, "trading api unavailable")
			return
		}
		if transactions == nil {
			transactions = []trading.Transaction{}
		}
		s.respondJSON(w, http.StatusOK, listResponse[trading.Transaction]{Items: transactions})

	default:
		s.respondError(w, http.StatusNotFound, "not found")
	}
}

func (s *Service) handleWalletsSubroutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	address, tail := splitAddressSubroute(r.URL.Path, "/api/v1/wallets/")
	if address == "" {
		s.respondError(w, http.StatusNotFound, "wallet address is required")
		return
	}
	if tail != "trades" {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	trades, err := s.db.WalletTrades(r.Context(), address, limit)
	if err != nil {
		s.logger.Error("wallet trades failed", "address", address, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list wallet trades")
		return
	}
	if trades == nil {
		trades = []store.TradeDetail{}
	}
	s.respondJSON(w, http.StatusOK, listResponse[store.TradeDetail]{Items: trades})
}

func splitAddressSubroute(path, prefix string) (string, string) {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return "", ""
	}
	segments := strings.Split(trimmed, "/")
	address := strings.TrimSpace(segments[0])
	if len(segments) == 1 {
		return address, ""
	}
	return address, strings.Join(segments[1:], "/")
}

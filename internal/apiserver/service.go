package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/perpscope/backend/internal/analytics"
	"github.com/perpscope/backend/internal/config"
	"github.com/perpscope/backend/internal/store"
	"github.com/perpscope/backend/internal/trading"
)

// Database is the read-only indexer surface the handlers need. *store.Store
// implements it.
type Database interface {
	analytics.EventSource
	WindowTradeStats(ctx context.Context, window analytics.Window, excludedAccounts []int64) (store.TradeStats, error)
	TotalWallets(ctx context.Context) (int64, error)
	TotalOpenInterest(ctx context.Context) (float64, error)
	VolumeHistogram(ctx context.Context, window analytics.Window, filters analytics.Filters, excludedAccounts []int64) ([]store.HistogramPoint, error)
	OpenInterestSnapshots(ctx context.Context, window analytics.Window, marketID *int64) ([]analytics.MarketSnapshot, error)
	LatestMarketTrackers(ctx context.Context) ([]analytics.MarketSnapshot, error)
	MarketVolumes(ctx context.Context, window analytics.Window, wallet string, excludedAccounts []int64, limit int) ([]store.MarketVolume, error)
	LivePositions(ctx context.Context, filter store.PositionFilter) ([]store.PositionRecord, error)
	WalletTrades(ctx context.Context, wallet string, limit int) ([]store.TradeDetail, error)
	Ping(ctx context.Context) error
	Close() error
}

// TradingAPI is the remote exchange API surface proxied by the account
// drill-down routes. *trading.Client implements it.
type TradingAPI interface {
	Accounts(ctx context.Context, address string) ([]trading.Account, error)
	Positions(ctx context.Context, address string, accountID int64, page, perPage int) (trading.PositionPage, error)
	Transactions(ctx context.Context, accountID int64) ([]trading.Transaction, error)
	Markets(ctx context.Context) ([]trading.Market, error)
}

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	db               Database
	trading          TradingAPI
	engine           *analytics.Engine
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	db, err := store.New(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	client := trading.New(cfg.TradingAPIBaseURL, cfg.TradingAPITimeout)
	return newService(cfg, logger, db, client), nil
}

func newService(cfg config.APIServerConfig, logger *slog.Logger, db Database, tradingAPI TradingAPI) *Service {
	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		db:               db,
		trading:          tradingAPI,
		engine:           analytics.NewEngine(db, cfg.ExcludedAccountIDs, logger),
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.db.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"trading_api", s.cfg.TradingAPIBaseURL,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

func (s *Service) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("/api/v1/trade-histogram", s.handleTradeHistogram)
	mux.HandleFunc("/api/v1/open-interest", s.handleOpenInterest)
	mux.HandleFunc("/api/v1/market-breakdown", s.handleMarketBreakdown)
	mux.HandleFunc("/api/v1/positions", s.handlePositions)
	mux.HandleFunc("/api/v1/markets", s.handleMarkets)
	mux.HandleFunc("/api/v1/accounts/", s.handleAccountsSubroutes)
	mux.HandleFunc("/api/v1/wallets/", s.handleWalletsSubroutes)

	return s.withCORS(s.withRequestID(s.withAPIKey(mux)))
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	if err := s.db.Ping(r.Context()); err != nil {
		s.logger.Error("health check ping failed", "err", err)
		s.respondJSON(w, http.StatusServiceUnavailable, healthResponse{OK: false})
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withAPIKey gates every route behind X-API-Key when a key is configured.
// /healthz stays open for load balancer probes.
func (s *Service) withAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != s.cfg.APIKey {
			s.respondError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func parseOptionalID(r *http.Request, key string) (*int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &value, nil
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseOptionalFloat(r *http.Request, key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}

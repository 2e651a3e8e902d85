// Package trading is a thin read-only client for the exchange's public
// trading API, used to serve the account drill-down views that the indexer
// database does not cover.
package trading

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultTimeout    = 10 * time.Second
	maxResponseBytes  = 16 << 20
	defaultPageSize   = 100
	clientUserAgent   = "perpscope-backend/1.0"
	acceptContentType = "application/json"
)

// Account is one margin account owned by a wallet.
type Account struct {
	ID     int64   `json:"id"`
	Owner  string  `json:"owner"`
	Name   string  `json:"name"`
	Status string  `json:"status"`
	Equity float64 `json:"equity,string"`
}

// Position is one open position as reported by the trading API.
type Position struct {
	AccountID     int64   `json:"account_id"`
	Market        string  `json:"market"`
	Side          string  `json:"side"`
	Size          float64 `json:"size,string"`
	AvgEntryPrice float64 `json:"avg_entry_price,string"`
	MarkPrice     float64 `json:"mark_price,string"`
	UnrealizedPnl float64 `json:"unrealized_pnl,string"`
	Leverage      float64 `json:"leverage,string"`
}

// PositionPage is one page of an account's positions.
type PositionPage struct {
	Items []Position `json:"items"`
	Total int        `json:"total"`
}

// Transaction is one ledger entry (deposit, withdrawal, settlement) for an
// account.
type Transaction struct {
	AccountID int64   `json:"account_id"`
	Type      string  `json:"type"`
	Amount    float64 `json:"amount,string"`
	Asset     string  `json:"asset"`
	Timestamp int64   `json:"timestamp"`
}

// Market is static market metadata from the trading API.
type Market struct {
	ID          int64   `json:"id"`
	Ticker      string  `json:"ticker"`
	QuoteToken  string  `json:"quote_token"`
	MinOrderQty float64 `json:"min_order_qty,string"`
	IsActive    bool    `json:"is_active"`
}

// Client calls the trading API over HTTP. Safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// New builds a client for the given API base URL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Accounts lists the margin accounts owned by a wallet address.
func (c *Client) Accounts(ctx context.Context, address string) ([]Account, error) {
	endpoint := fmt.Sprintf("%s/api/accounts/%s", c.baseURL, url.PathEscape(address))

	var accounts []Account
	if err := c.getJSON(ctx, endpoint, &accounts); err != nil {
		return nil, fmt.Errorf("trading api accounts: %w", err)
	}
	return accounts, nil
}

// Positions fetches one page of an account's open positions.
func (c *Client) Positions(ctx context.Context, address string, accountID int64, page, perPage int) (PositionPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPageSize
	}

	query := url.Values{}
	query.Set("account_id", strconv.FormatInt(accountID, 10))
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(perPage))
	endpoint := fmt.Sprintf(
		"%s/api/accounts/%s/positions?%s",
		c.baseURL,
		url.PathEscape(address),
		query.Encode(),
	)

	var result PositionPage
	if err := c.getJSON(ctx, endpoint, &result); err != nil {
		return PositionPage{}, fmt.Errorf("trading api positions: %w", err)
	}
	return result, nil
}

// Transactions lists the ledger entries for an account.
func (c *Client) Transactions(ctx context.Context, accountID int64) ([]Transaction, error) {
	endpoint := fmt.Sprintf("%s/api/transactions?account_id=%d", c.baseURL, accountID)

	var transactions []Transaction
	if err := c.getJSON(ctx, endpoint, &transactions); err != nil {
		return nil, fmt.Errorf("trading api transactions: %w", err)
	}
	return transactions, nil
}

// Markets lists the markets configured on the exchange.
func (c *Client) Markets(ctx context.Context) ([]Market, error) {
	endpoint := c.baseURL + "/api/markets"

	var markets []Market
	if err := c.getJSON(ctx, endpoint, &markets); err != nil {
		return nil, fmt.Errorf("trading api markets: %w", err)
	}
	return markets, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", clientUserAgent)
	req.Header.Set("Accept", acceptContentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(raw))
	}

	return json.Unmarshal(raw, out)
}

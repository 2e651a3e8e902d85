package trading

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAccounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/accounts/0xabc" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method %q", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":42,"owner":"0xabc","name":"main","status":"open","equity":"1250.5"}]`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	accounts, err := client.Accounts(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("got %d accounts, want 1", len(accounts))
	}
	if accounts[0].ID != 42 || accounts[0].Equity != 1250.5 {
		t.Errorf("account = %+v", accounts[0])
	}
}

func TestPositionsQueryAndPaging(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("account_id") != "42" {
			t.Errorf("account_id = %q", query.Get("account_id"))
		}
		if query.Get("page") != "2" || query.Get("per_page") != "25" {
			t.Errorf("paging = page %q per_page %q", query.Get("page"), query.Get("per_page"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"account_id":42,"market":"ETH-rUSD","side":"long","size":"2","avg_entry_price":"3000","mark_price":"3100","unrealized_pnl":"200","leverage":"5"}],"total":26}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	page, err := client.Positions(context.Background(), "0xabc", 42, 2, 25)
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if page.Total != 26 || len(page.Items) != 1 {
		t.Fatalf("page = %+v", page)
	}
	if page.Items[0].Market != "ETH-rUSD" || page.Items[0].UnrealizedPnl != 200 {
		t.Errorf("position = %+v", page.Items[0])
	}
}

func TestPositionsDefaultsPaging(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("page") != "1" || query.Get("per_page") != "100" {
			t.Errorf("defaults = page %q per_page %q", query.Get("page"), query.Get("per_page"))
		}
		w.Write([]byte(`{"items":[],"total":0}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	if _, err := client.Positions(context.Background(), "0xabc", 1, 0, -5); err != nil {
		t.Fatalf("Positions: %v", err)
	}
}

func TestTransactions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/transactions" || r.URL.Query().Get("account_id") != "7" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		w.Write([]byte(`[{"account_id":7,"type":"deposit","amount":"500","asset":"rUSD","timestamp":1718000000}]`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	transactions, err := client.Transactions(context.Background(), 7)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(transactions) != 1 || transactions[0].Amount != 500 {
		t.Fatalf("transactions = %+v", transactions)
	}
}

func TestMarkets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/markets" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`[{"id":1,"ticker":"ETH-rUSD","quote_token":"rUSD","min_order_qty":"0.01","is_active":true}]`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	markets, err := client.Markets(context.Background())
	if err != nil {
		t.Fatalf("Markets: %v", err)
	}
	if len(markets) != 1 || markets[0].Ticker != "ETH-rUSD" || !markets[0].IsActive {
		t.Fatalf("markets = %+v", markets)
	}
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	if _, err := client.Markets(context.Background()); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := New(server.URL, time.Second)
	if _, err := client.Accounts(ctx, "0xabc"); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

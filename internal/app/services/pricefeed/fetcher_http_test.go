package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ids") != "shiptoken" || r.URL.Query().Get("vs_currencies") != "usd" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("x-api-key"); got != "token" {
			t.Fatalf("expected api key header, got %q", got)
		}
		w.Write([]byte(`{"shiptoken":{"usd":0.5}}`))
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(server.Client(), server.URL, "token", nil)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	price, _, err := fetcher.Fetch(context.Background(), "shiptoken")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if price != 0.5 {
		t.Fatalf("price = %v, want 0.5", price)
	}
}

func TestHTTPFetcherRejectsMissingAsset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(server.Client(), server.URL, "", nil)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	if _, _, err := fetcher.Fetch(context.Background(), "shiptoken"); err == nil {
		t.Fatal("expected error for missing asset")
	}
}

func TestHTTPFetcherRejectsNonPositivePrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"shiptoken":{"usd":0}}`))
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(server.Client(), server.URL, "", nil)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	if _, _, err := fetcher.Fetch(context.Background(), "shiptoken"); err == nil {
		t.Fatal("expected error for zero price")
	}
}

package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shiptrack/escrow_layer/internal/apperr"
)

func TestUnitsPerUSDReciprocal(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, assetID string) (float64, string, error) {
		return 0.5, "test", nil
	})
	svc := New(fetcher, "shiptoken", 3, time.Millisecond, nil)

	rate, err := svc.UnitsPerUSD(context.Background())
	if err != nil {
		t.Fatalf("units per usd: %v", err)
	}
	if rate != 2 {
		t.Fatalf("rate = %v, want 2", rate)
	}
}

func TestUnitsPerUSDRetriesThenSucceeds(t *testing.T) {
	calls := 0
	fetcher := FetcherFunc(func(ctx context.Context, assetID string) (float64, string, error) {
		calls++
		if calls < 3 {
			return 0, "", errors.New("upstream flake")
		}
		return 4, "test", nil
	})
	svc := New(fetcher, "shiptoken", 3, time.Millisecond, nil)

	rate, err := svc.UnitsPerUSD(context.Background())
	if err != nil {
		t.Fatalf("units per usd: %v", err)
	}
	if rate != 0.25 {
		t.Fatalf("rate = %v, want 0.25", rate)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestUnitsPerUSDExhaustedRetriesMapToOracleUnavailable(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, assetID string) (float64, string, error) {
		return 0, "", fmt.Errorf("boom")
	})
	svc := New(fetcher, "shiptoken", 2, time.Millisecond, nil)

	_, err := svc.UnitsPerUSD(context.Background())
	if apperr.KindOf(err) != apperr.KindOracleUnavailable {
		t.Fatalf("want oracle unavailable, got %v", err)
	}
}

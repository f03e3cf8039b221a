// Package pricefeed converts USD amounts into ledger units through an
// external spot price source.
package pricefeed

import (
	"context"
	"time"

	"github.com/shiptrack/escrow_layer/internal/apperr"
	"github.com/shiptrack/escrow_layer/pkg/logger"
)

// Service answers conversion rate queries with bounded retries. It holds no
// cache: every settlement computation consults a live price so escrow
// amounts reflect the rate at the moment of shipment creation.
type Service struct {
	fetcher    Fetcher
	assetID    string
	maxRetries int
	backoff    time.Duration
	log        *logger.Logger
}

// New constructs a price oracle service for the given asset.
func New(fetcher Fetcher, assetID string, maxRetries int, backoff time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("pricefeed")
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Service{
		fetcher:    fetcher,
		assetID:    assetID,
		maxRetries: maxRetries,
		backoff:    backoff,
		log:        log,
	}
}

// UnitsPerUSD returns how many ledger units one USD buys right now. The
// fetcher reports USD per unit, so the rate is its reciprocal.
func (s *Service) UnitsPerUSD(ctx context.Context) (float64, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, apperr.OracleUnavailable(ctx.Err())
			case <-time.After(s.backoff * time.Duration(attempt)):
			}
		}
		priceUSD, source, err := s.fetcher.Fetch(ctx, s.assetID)
		if err != nil {
			lastErr = err
			s.log.WithError(err).WithField("attempt", attempt+1).Warn("price fetch failed")
			continue
		}
		rate := 1 / priceUSD
		s.log.WithField("asset", s.assetID).
			WithField("usd_price", priceUSD).
			WithField("source", source).
			Debug("price fetched")
		return rate, nil
	}
	return 0, apperr.OracleUnavailable(lastErr)
}

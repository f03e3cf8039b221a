// Package reconcile periodically inspects open divergence records and
// annotates them with the escrow wallet's live ledger balance. It marks a
// divergence resolved only when the wallet status shows the bookkeeping has
// since committed; it never moves funds or resubmits transfers.
package reconcile

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/shiptrack/escrow_layer/internal/app/domain/divergence"
	"github.com/shiptrack/escrow_layer/internal/app/domain/escrow"
	"github.com/shiptrack/escrow_layer/internal/app/metrics"
	"github.com/shiptrack/escrow_layer/internal/app/storage"
	"github.com/shiptrack/escrow_layer/internal/chain"
	"github.com/shiptrack/escrow_layer/pkg/logger"
)

// Service is the reconciliation sweeper.
type Service struct {
	divergences storage.DivergenceStore
	wallets     storage.EscrowWalletStore
	ledger      chain.Ledger
	schedule    string
	log         *logger.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// New constructs the sweeper. schedule uses cron syntax, e.g. "@every 5m".
func New(divergences storage.DivergenceStore, wallets storage.EscrowWalletStore, ledger chain.Ledger, schedule string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("reconcile")
	}
	if schedule == "" {
		schedule = "@every 5m"
	}
	return &Service{
		divergences: divergences,
		wallets:     wallets,
		ledger:      ledger,
		schedule:    schedule,
		log:         log,
	}
}

// Name implements system.Service.
func (s *Service) Name() string { return "reconcile" }

// Start schedules the sweep.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.WithField("schedule", s.schedule).Info("reconciliation sweep scheduled")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	stopCtx := s.cron.Stop()
	s.cron = nil
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Sweep runs one pass over the open divergences.
func (s *Service) Sweep(ctx context.Context) {
	open, err := s.divergences.ListOpenDivergences(ctx)
	if err != nil {
		s.log.WithError(err).Error("list open divergences")
		return
	}
	metrics.SetOpenDivergences(len(open))
	for _, rec := range open {
		wallet, err := s.wallets.GetEscrowWallet(ctx, rec.WalletID)
		if err != nil {
			s.log.WithError(err).WithField("divergence_id", rec.ID).Warn("wallet lookup failed")
			continue
		}
		balance, err := s.ledger.GetBalance(ctx, wallet.Address)
		if err != nil {
			s.log.WithError(err).
				WithField("divergence_id", rec.ID).
				WithField("address", wallet.Address).
				Warn("balance query failed")
			continue
		}
		resolved := bookkeepingCommitted(rec.Stage, wallet.Status)
		if err := s.divergences.AnnotateDivergence(ctx, rec.ID, balance, resolved); err != nil {
			s.log.WithError(err).WithField("divergence_id", rec.ID).Warn("annotate failed")
			continue
		}
		s.log.WithField("divergence_id", rec.ID).
			WithField("stage", string(rec.Stage)).
			WithField("expected_amount", rec.Amount).
			WithField("observed_balance", balance).
			WithField("resolved", resolved).
			Info("divergence annotated")
	}
}

// bookkeepingCommitted reports whether the wallet state proves the books
// caught up with the diverged transfer, in which case the record can close.
func bookkeepingCommitted(stage divergence.Stage, status escrow.Status) bool {
	switch stage {
	case divergence.StageFund:
		return status == escrow.StatusFunded || status == escrow.StatusReleasing || status == escrow.StatusCompleted
	case divergence.StageRelease:
		return status == escrow.StatusCompleted
	}
	return false
}

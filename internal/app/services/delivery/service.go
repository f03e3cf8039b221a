// Package delivery drives the shipment lifecycle: pending -> in_transit ->
// delivered, with failed as the escape hatch. Milestone operations are
// idempotent; a repeat or a lost race reports AlreadyCompleted instead of
// erroring or settling twice.
package delivery

import (
	"context"
	"fmt"

	"github.com/shiptrack/escrow_layer/internal/app/domain/account"
	"github.com/shiptrack/escrow_layer/internal/app/domain/escrow"
	"github.com/shiptrack/escrow_layer/internal/app/domain/shipment"
	"github.com/shiptrack/escrow_layer/internal/app/services/events"
	"github.com/shiptrack/escrow_layer/internal/app/services/settlement"
	"github.com/shiptrack/escrow_layer/internal/app/storage"
	"github.com/shiptrack/escrow_layer/internal/apperr"
	"github.com/shiptrack/escrow_layer/pkg/logger"
)

// Outcome is the result of a milestone operation.
type Outcome struct {
	Shipment shipment.Record
	// AlreadyCompleted is set when this milestone had already been settled;
	// nothing was moved or recorded by this call.
	AlreadyCompleted bool
}

// Service applies delivery milestones.
type Service struct {
	shipments  storage.ShipmentStore
	wallets    storage.EscrowWalletStore
	accounts   storage.AccountStore
	settler    *settlement.Service
	settlement storage.SettlementStore
	publisher  *events.Publisher
	log        *logger.Logger
}

// New constructs a delivery service. publisher may be nil.
func New(shipments storage.ShipmentStore, wallets storage.EscrowWalletStore, accounts storage.AccountStore, settlementStore storage.SettlementStore, settler *settlement.Service, publisher *events.Publisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("delivery")
	}
	return &Service{
		shipments:  shipments,
		wallets:    wallets,
		accounts:   accounts,
		settler:    settler,
		settlement: settlementStore,
		publisher:  publisher,
		log:        log,
	}
}

// Handover records the seller-to-courier handoff. The delivery fee moves
// from the seller's recorded balance to the logistics provider inside the
// same transaction as the status change, so exactly one fee pair exists no
// matter how many couriers scan the same package.
func (s *Service) Handover(ctx context.Context, shipmentID string) (Outcome, error) {
	rec, err := s.shipments.GetShipment(ctx, shipmentID)
	if err != nil {
		return Outcome{}, err
	}

	switch rec.Status {
	case shipment.StatusInTransit, shipment.StatusDelivered:
		return Outcome{Shipment: rec, AlreadyCompleted: true}, nil
	case shipment.StatusFailed:
		return Outcome{}, apperr.Invariant("shipment %s has failed", rec.Code)
	}
	if rec.LogisticsID == "" {
		return Outcome{}, apperr.Invariant("shipment %s has no logistics provider", rec.Code)
	}

	applied, err := s.settlement.ApplyHandover(ctx, rec.ID, []storage.LedgerMutation{
		{
			AccountID:   rec.SellerID,
			Amount:      rec.DeliveryFeeUnits,
			Type:        account.EntryDebit,
			Description: fmt.Sprintf("delivery fee for shipment %s", rec.Code),
			Guarded:     true,
		},
		{
			AccountID:   rec.LogisticsID,
			Amount:      rec.DeliveryFeeUnits,
			Type:        account.EntryCredit,
			Description: fmt.Sprintf("delivery fee for shipment %s", rec.Code),
		},
	})
	if err != nil {
		return Outcome{}, err
	}
	if !applied {
		rec, err = s.shipments.GetShipment(ctx, shipmentID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Shipment: rec, AlreadyCompleted: true}, nil
	}

	rec, err = s.shipments.GetShipment(ctx, shipmentID)
	if err != nil {
		return Outcome{}, err
	}

	s.log.WithField("shipment_id", rec.ID).
		WithField("code", rec.Code).
		WithField("fee_units", rec.DeliveryFeeUnits).
		Info("shipment handed off")
	s.publisher.Publish(ctx, events.Event{
		Type:       events.TypeShipmentHandedOff,
		ShipmentID: rec.ID,
		Code:       rec.Code,
		Status:     string(rec.Status),
		Amount:     rec.DeliveryFeeUnits,
	})
	return Outcome{Shipment: rec}, nil
}

// Complete records final delivery and releases the escrow. The release
// itself is exactly-once through the wallet claim; a duplicate call reports
// AlreadyCompleted.
func (s *Service) Complete(ctx context.Context, shipmentID string) (Outcome, error) {
	rec, err := s.shipments.GetShipment(ctx, shipmentID)
	if err != nil {
		return Outcome{}, err
	}

	switch rec.Status {
	case shipment.StatusDelivered:
		return Outcome{Shipment: rec, AlreadyCompleted: true}, nil
	case shipment.StatusPending:
		return Outcome{}, apperr.Invariant("shipment %s has not been handed off", rec.Code)
	case shipment.StatusFailed:
		return Outcome{}, apperr.Invariant("shipment %s has failed", rec.Code)
	}

	wallet, err := s.wallets.GetEscrowWalletByShipment(ctx, rec.ID)
	if err != nil {
		return Outcome{}, err
	}
	seller, err := s.accounts.GetAccount(ctx, rec.SellerID)
	if err != nil {
		return Outcome{}, err
	}
	logistics, err := s.accounts.GetAccount(ctx, rec.LogisticsID)
	if err != nil {
		return Outcome{}, err
	}

	res, err := s.settler.ReleaseEscrow(ctx, rec, wallet, logistics, seller)
	if err != nil {
		return Outcome{}, err
	}
	if res.AlreadyCompleted {
		rec, err = s.shipments.GetShipment(ctx, shipmentID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Shipment: rec, AlreadyCompleted: true}, nil
	}

	rec, err = s.shipments.GetShipment(ctx, shipmentID)
	if err != nil {
		return Outcome{}, err
	}

	s.log.WithField("shipment_id", rec.ID).
		WithField("code", rec.Code).
		WithField("logistics_amount", res.LogisticsAmount).
		WithField("seller_amount", res.SellerAmount).
		Info("shipment delivered and escrow released")
	s.publisher.Publish(ctx, events.Event{
		Type:       events.TypeShipmentDelivered,
		ShipmentID: rec.ID,
		Code:       rec.Code,
		Status:     string(rec.Status),
		Amount:     res.LogisticsAmount + res.SellerAmount,
	})
	return Outcome{Shipment: rec}, nil
}

// Fail parks a shipment in the failed state. Escrowed funds stay in the
// wallet for manual resolution; nothing is auto-refunded.
func (s *Service) Fail(ctx context.Context, shipmentID, reason string) (Outcome, error) {
	rec, err := s.shipments.GetShipment(ctx, shipmentID)
	if err != nil {
		return Outcome{}, err
	}

	switch rec.Status {
	case shipment.StatusFailed:
		return Outcome{Shipment: rec, AlreadyCompleted: true}, nil
	case shipment.StatusDelivered:
		return Outcome{}, apperr.Invariant("shipment %s was already delivered", rec.Code)
	}

	moved, err := s.shipments.TransitionStatus(ctx, rec.ID, rec.Status, shipment.StatusFailed)
	if err != nil {
		return Outcome{}, err
	}
	if !moved {
		rec, err = s.shipments.GetShipment(ctx, shipmentID)
		if err != nil {
			return Outcome{}, err
		}
		if rec.Status == shipment.StatusFailed {
			return Outcome{Shipment: rec, AlreadyCompleted: true}, nil
		}
		return Outcome{}, apperr.Invariant("shipment %s moved to %s concurrently", rec.Code, rec.Status)
	}

	wallet, err := s.wallets.GetEscrowWalletByShipment(ctx, rec.ID)
	if err == nil && wallet.Status != escrow.StatusCompleted {
		if err := s.wallets.SetWalletFailed(ctx, wallet.ID, reason); err != nil {
			s.log.WithError(err).WithField("wallet_id", wallet.ID).Warn("could not mark wallet failed")
		}
	}

	rec, err = s.shipments.GetShipment(ctx, shipmentID)
	if err != nil {
		return Outcome{}, err
	}

	s.log.WithField("shipment_id", rec.ID).
		WithField("code", rec.Code).
		WithField("reason", reason).
		Warn("shipment failed")
	s.publisher.Publish(ctx, events.Event{
		Type:       events.TypeShipmentFailed,
		ShipmentID: rec.ID,
		Code:       rec.Code,
		Status:     string(rec.Status),
	})
	return Outcome{Shipment: rec}, nil
}

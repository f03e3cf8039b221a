// Package shipments orchestrates shipment creation and lookups. Creating a
// shipment quotes the escrow at the live conversion rate, opens a custodial
// wallet, and locks the funds before the shipment row ever becomes visible.
package shipments

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shiptrack/escrow_layer/internal/app/domain/account"
	"github.com/shiptrack/escrow_layer/internal/app/domain/shipment"
	"github.com/shiptrack/escrow_layer/internal/app/services/escrowwallet"
	"github.com/shiptrack/escrow_layer/internal/app/services/events"
	"github.com/shiptrack/escrow_layer/internal/app/services/pricefeed"
	"github.com/shiptrack/escrow_layer/internal/app/services/settlement"
	"github.com/shiptrack/escrow_layer/internal/app/storage"
	"github.com/shiptrack/escrow_layer/internal/apperr"
	"github.com/shiptrack/escrow_layer/pkg/logger"
)

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CreateInput carries the caller-supplied fields for a new shipment.
type CreateInput struct {
	SellerID         string
	LogisticsID      string
	ConsumerID       string
	Name             string
	Description      string
	SenderLocation   string
	ReceiverLocation string
	WeightKG         float64
	ValueUSD         float64
	DeliveryFeeUSD   float64
}

// Service manages the shipment catalogue.
type Service struct {
	accounts  storage.AccountStore
	shipments storage.ShipmentStore
	wallets   *escrowwallet.Service
	oracle    *pricefeed.Service
	settler   *settlement.Service
	publisher *events.Publisher
	log       *logger.Logger
}

// New constructs a shipments service. publisher may be nil.
func New(accounts storage.AccountStore, shipments storage.ShipmentStore, wallets *escrowwallet.Service, oracle *pricefeed.Service, settler *settlement.Service, publisher *events.Publisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("shipments")
	}
	return &Service{
		accounts:  accounts,
		shipments: shipments,
		wallets:   wallets,
		oracle:    oracle,
		settler:   settler,
		publisher: publisher,
		log:       log,
	}
}

// Create quotes, escrows, and registers a new shipment. On any failure
// before funding confirmation no shipment exists; the caller can simply
// retry.
func (s *Service) Create(ctx context.Context, in CreateInput) (shipment.Record, error) {
	if err := s.validate(&in); err != nil {
		return shipment.Record{}, err
	}

	seller, err := s.accounts.GetAccount(ctx, in.SellerID)
	if err != nil {
		return shipment.Record{}, err
	}
	if seller.Role != account.RoleSeller {
		return shipment.Record{}, apperr.Validation("account %s is not a seller", in.SellerID)
	}
	logistics, err := s.accounts.GetAccount(ctx, in.LogisticsID)
	if err != nil {
		return shipment.Record{}, err
	}
	if logistics.Role != account.RoleLogistics {
		return shipment.Record{}, apperr.Validation("account %s is not a logistics provider", in.LogisticsID)
	}
	if in.ConsumerID != "" {
		if _, err := s.accounts.GetAccount(ctx, in.ConsumerID); err != nil {
			return shipment.Record{}, err
		}
	}

	rate, err := s.oracle.UnitsPerUSD(ctx)
	if err != nil {
		return shipment.Record{}, err
	}
	quote, err := s.settler.Quote(in.ValueUSD, in.DeliveryFeeUSD, rate)
	if err != nil {
		return shipment.Record{}, err
	}

	shipmentID := uuid.NewString()
	code, err := s.newCode(ctx)
	if err != nil {
		return shipment.Record{}, err
	}

	wallet, err := s.wallets.Create(ctx, shipmentID)
	if err != nil {
		return shipment.Record{}, err
	}

	rec := shipment.Record{
		ID:               shipmentID,
		Code:             code,
		TrackingNumber:   fmt.Sprintf("TRK%d", time.Now().UnixMilli()),
		SellerID:         seller.ID,
		LogisticsID:      logistics.ID,
		ConsumerID:       in.ConsumerID,
		Name:             in.Name,
		Description:      in.Description,
		SenderLocation:   in.SenderLocation,
		ReceiverLocation: in.ReceiverLocation,
		WeightKG:         in.WeightKG,
		ValueUSD:         in.ValueUSD,
		DeliveryFeeUSD:   in.DeliveryFeeUSD,
		EscrowAmount:     quote.EscrowAmount,
		DeliveryFeeUnits: quote.DeliveryFeeUnits,
		EscrowWalletID:   wallet.ID,
	}

	rec, err = s.settler.FundEscrow(ctx, rec, seller, wallet)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindDivergence {
			if failErr := s.wallets.MarkFailed(ctx, wallet.ID, "funding aborted: "+err.Error()); failErr != nil {
				s.log.WithError(failErr).WithField("wallet_id", wallet.ID).Warn("could not park unfunded wallet")
			}
		}
		return shipment.Record{}, err
	}

	s.log.WithField("shipment_id", rec.ID).
		WithField("code", rec.Code).
		WithField("escrow_amount", rec.EscrowAmount).
		WithField("rate", rate).
		Info("shipment created")
	s.publisher.Publish(ctx, events.Event{
		Type:       events.TypeShipmentCreated,
		ShipmentID: rec.ID,
		Code:       rec.Code,
		Status:     string(rec.Status),
		Amount:     rec.EscrowAmount,
	})
	return rec, nil
}

// Get returns a shipment by id.
func (s *Service) Get(ctx context.Context, id string) (shipment.Record, error) {
	return s.shipments.GetShipment(ctx, id)
}

// List returns shipments, optionally filtered to one seller.
func (s *Service) List(ctx context.Context, sellerID string) ([]shipment.Record, error) {
	return s.shipments.ListShipments(ctx, sellerID)
}

// Track resolves a public product code.
func (s *Service) Track(ctx context.Context, code string) (shipment.Record, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return shipment.Record{}, apperr.Validation("tracking code is required")
	}
	return s.shipments.GetShipmentByCode(ctx, code)
}

func (s *Service) validate(in *CreateInput) error {
	in.Name = strings.TrimSpace(in.Name)
	in.SellerID = strings.TrimSpace(in.SellerID)
	in.LogisticsID = strings.TrimSpace(in.LogisticsID)
	in.ConsumerID = strings.TrimSpace(in.ConsumerID)

	switch {
	case in.SellerID == "":
		return apperr.Validation("seller_id is required")
	case in.LogisticsID == "":
		return apperr.Validation("logistics_id is required")
	case in.Name == "":
		return apperr.Validation("name is required")
	case in.ValueUSD <= 0:
		return apperr.Validation("value_usd must be positive")
	case in.DeliveryFeeUSD < 0:
		return apperr.Validation("delivery_fee_usd cannot be negative")
	case in.WeightKG < 0:
		return apperr.Validation("weight_kg cannot be negative")
	}
	return nil
}

// newCode draws 5-character public codes until one is free. The alphabet
// drops 0/O/1/I so codes survive being read over the phone.
func (s *Service) newCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		var b strings.Builder
		for i := 0; i < 5; i++ {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
			if err != nil {
				return "", apperr.Persistence("generate code", err)
			}
			b.WriteByte(codeAlphabet[n.Int64()])
		}
		code := b.String()
		_, err := s.shipments.GetShipmentByCode(ctx, code)
		if apperr.KindOf(err) == apperr.KindNotFound {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", apperr.Persistence("generate code", fmt.Errorf("could not find a free code"))
}

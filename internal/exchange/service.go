package exchange

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ninjadotorg/coin-exchange-backend/internal/limits"
	"github.com/ninjadotorg/coin-exchange-backend/internal/metrics"
	"github.com/ninjadotorg/coin-exchange-backend/internal/models"
	"github.com/ninjadotorg/coin-exchange-backend/internal/payments"
	"github.com/ninjadotorg/coin-exchange-backend/internal/quote"
	"github.com/ninjadotorg/coin-exchange-backend/internal/tracking"
)

var (
	ErrBelowMinimumAmount = errors.New("amount below currency minimum")
	ErrMissingUserID      = errors.New("missing user id")
	ErrMissingTxHash      = errors.New("settlement transaction hash missing")
	ErrPaymentNotMatched  = errors.New("payment not matched")
)

// MinAmounts are the per-currency creation floors.
var MinAmounts = map[string]decimal.Decimal{
	"BTC": decimal.RequireFromString("0.001"),
	"ETH": decimal.RequireFromString("0.01"),
}

type Store interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	// TransitionOrder applies from -> to only if the stored status still is
	// from, reporting whether the row changed.
	TransitionOrder(ctx context.Context, orderID string, from, to models.OrderStatus) (bool, error)
	SetOrderTxHash(ctx context.Context, orderID, txHash string) error
	SetPaymentResult(ctx context.Context, orderID string, result models.MatchResult, underpaidAt *time.Time) error
}

// ReferralHook is notified once when a referred user's order settles.
type ReferralHook interface {
	OnOrderSuccess(ctx context.Context, order *models.Order) error
}

type CreateOrderRequest struct {
	UserID            string
	Direction         models.Direction
	Type              models.OrderType
	PaymentMethod     models.PaymentMethod
	Currency          string
	Amount            decimal.Decimal
	FiatLocalCurrency string
	// ReceiveAddress is the user's own wallet for buy orders.
	ReceiveAddress string
}

// Service owns the order lifecycle. No other component writes order status.
type Service struct {
	Store      Store
	Quotes     *quote.Engine
	Limits     *limits.Policy
	Tracking   *tracking.Registry
	Referrals  ReferralHook
	Expiration time.Duration
	Now        func() time.Time
}

func NewService(store Store, quotes *quote.Engine, lim *limits.Policy, reg *tracking.Registry) *Service {
	return &Service{
		Store:      store,
		Quotes:     quotes,
		Limits:     lim,
		Tracking:   reg,
		Expiration: OrderExpiration,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder consumes a fresh quote. The limit reservation and the address
// claim are both atomic single-winner operations, so concurrent requests
// cannot over-allocate usage or double-bind a deposit address.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	if req.UserID == "" {
		return nil, ErrMissingUserID
	}
	if min, ok := MinAmounts[req.Currency]; ok && req.Amount.LessThan(min) {
		return nil, ErrBelowMinimumAmount
	}

	q, err := s.Quotes.Get(ctx, quote.Request{
		Direction:         req.Direction,
		Currency:          req.Currency,
		Amount:            req.Amount,
		FiatLocalCurrency: req.FiatLocalCurrency,
	})
	if err != nil {
		return nil, err
	}

	fiatAmount := q.FiatAmount
	fiatLocal := q.FiatLocalAmount
	if req.Type == models.OrderTypeCOD {
		fiatAmount = q.FiatAmountCOD
		fiatLocal = q.FiatLocalAmountCOD
	}

	if err := s.Limits.Reserve(ctx, req.UserID, q.FiatCurrency, fiatAmount); err != nil {
		return nil, err
	}

	now := s.Now()
	order := &models.Order{
		ID:                uuid.NewString(),
		UserID:            req.UserID,
		Direction:         req.Direction,
		Type:              req.Type,
		PaymentMethod:     req.PaymentMethod,
		Status:            models.OrderPending,
		Amount:            req.Amount,
		Currency:          req.Currency,
		FiatAmount:        fiatAmount,
		FiatCurrency:      q.FiatCurrency,
		FiatLocalAmount:   fiatLocal,
		FiatLocalCurrency: q.FiatLocalCurrency,
		Price:             q.Price,
		Address:           req.ReceiveAddress,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.Expiration),
		UpdatedAt:         now,
	}

	var boundAddr *models.TrackingAddress
	if req.Direction == models.DirectionSell {
		boundAddr, err = s.bindDepositAddress(ctx, order)
		if err != nil {
			return nil, err
		}
		order.Address = boundAddr.Address
	}

	if err := s.Store.CreateOrder(ctx, order); err != nil {
		if boundAddr != nil {
			if relErr := s.Tracking.Release(ctx, boundAddr.ID); relErr != nil {
				log.Printf("release address %s after failed create: %v", boundAddr.ID, relErr)
			}
		}
		return nil, err
	}

	metrics.OrdersCreated.WithLabelValues(req.Currency, string(req.Direction)).Inc()
	return order, nil
}

func (s *Service) bindDepositAddress(ctx context.Context, order *models.Order) (*models.TrackingAddress, error) {
	addr, _, err := s.Tracking.GetOrCreateAddress(ctx, order.UserID, order.Currency)
	if err != nil {
		return nil, err
	}
	err = s.Tracking.BindOrder(ctx, addr.ID, order.ID)
	if err == nil {
		return addr, nil
	}
	if !errors.Is(err, tracking.ErrAddressAlreadyBound) {
		return nil, err
	}

	// The user's address of record is serving another unresolved order; grow
	// the pool instead of queuing behind it.
	log.Printf("address %s busy for user %s, allocating fresh", addr.ID, order.UserID)
	fresh, err := s.Tracking.AllocateFresh(ctx, order.UserID, order.Currency)
	if err != nil {
		return nil, err
	}
	if err := s.Tracking.BindOrder(ctx, fresh.ID, order.ID); err != nil {
		return nil, err
	}
	return fresh, nil
}

// GetOrder resolves implicit expiry before trusting the stored status, and
// persists the transition opportunistically when it fires.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	effective := EffectiveStatus(order, s.Now())
	if effective != order.Status {
		if err := s.transition(ctx, order, effective); err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				return nil, err
			}
			// Lost the write race: the stored status moved first (a concurrent
			// confirm, typically). The row is the record of truth, not our
			// stale expiry computation.
			return s.Store.GetOrder(ctx, orderID)
		}
	}
	return order, nil
}

// Confirm moves a pending order into processing on the user's intent to pay.
func (s *Service) Confirm(ctx context.Context, orderID string) (*models.Order, error) {
	return s.advance(ctx, orderID, models.OrderProcessing)
}

// StartFiatTransfer begins the fiat leg of a bank-type order.
func (s *Service) StartFiatTransfer(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Type != models.OrderTypeBank {
		return nil, fmt.Errorf("%w: fiat leg on %s order", ErrInvalidTransition, order.Type)
	}
	if err := s.transition(ctx, order, models.OrderFiatTransferring); err != nil {
		return nil, err
	}
	return order, nil
}

// StartTransfer begins the crypto/COD leg.
func (s *Service) StartTransfer(ctx context.Context, orderID string) (*models.Order, error) {
	return s.advance(ctx, orderID, models.OrderTransferring)
}

// CompleteTransfer records the confirmed outbound transfer.
func (s *Service) CompleteTransfer(ctx context.Context, orderID, txHash string) (*models.Order, error) {
	if txHash == "" {
		return nil, ErrMissingTxHash
	}
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, order, models.OrderTransferred); err != nil {
		return nil, err
	}
	if err := s.Store.SetOrderTxHash(ctx, orderID, txHash); err != nil {
		return nil, err
	}
	order.TxHash = &txHash
	return order, nil
}

// Settle finishes reconciliation: the settlement transaction must be recorded
// and the payment must have classified as matched (or over, refunds being
// handled downstream).
func (s *Service) Settle(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.TxHash == nil || *order.TxHash == "" {
		return nil, ErrMissingTxHash
	}
	if order.Direction == models.DirectionSell {
		if order.PaymentResult == nil || *order.PaymentResult == models.MatchUnder {
			return nil, ErrPaymentNotMatched
		}
	}
	if err := s.transition(ctx, order, models.OrderSuccess); err != nil {
		return nil, err
	}
	return order, nil
}

// Cancel is permitted while the order is pending, processing or
// fiat_transferring.
func (s *Service) Cancel(ctx context.Context, orderID string) (*models.Order, error) {
	return s.advance(ctx, orderID, models.OrderCancelled)
}

// Reject is the operator path, permitted while pending or processing.
func (s *Service) Reject(ctx context.Context, orderID string) (*models.Order, error) {
	return s.advance(ctx, orderID, models.OrderRejected)
}

// FailTransfer records a settlement attempt error.
func (s *Service) FailTransfer(ctx context.Context, orderID string) (*models.Order, error) {
	return s.advance(ctx, orderID, models.OrderTransferFailed)
}

func (s *Service) advance(ctx context.Context, orderID string, to models.OrderStatus) (*models.Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, order, to); err != nil {
		return nil, err
	}
	return order, nil
}

// OnPayment implements tracking.PaymentSink. It classifies the observed
// deposit and applies the consequences.
func (s *Service) OnPayment(ctx context.Context, orderID string, amount decimal.Decimal, txHash string) error {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if IsTerminal(order.Status) {
		log.Printf("deposit on terminal order %s ignored (tx=%s)", orderID, txHash)
		return nil
	}

	result, err := payments.Match(order.Amount, amount)
	if err != nil {
		return err
	}

	var underpaidAt *time.Time
	if result == models.MatchUnder {
		now := s.Now()
		underpaidAt = &now
	}
	if err := s.Store.SetPaymentResult(ctx, orderID, result, underpaidAt); err != nil {
		return err
	}
	order.PaymentResult = &result
	metrics.DepositsObserved.WithLabelValues(string(result)).Inc()

	switch result {
	case models.MatchUnder:
		// Leave the order where it is; a top-up can still arrive. The worker
		// escalates to transfer_failed after the grace period.
		log.Printf("order %s underpaid: expected %s got %s", orderID, order.Amount, amount)
		return nil
	case models.MatchOver:
		log.Printf("order %s overpaid: expected %s got %s", orderID, order.Amount, amount)
	}

	// Walk the remaining legs to transferred, then settle with the deposit
	// transaction as the settlement record.
	for _, leg := range pathToTransferred(order.Status) {
		if err := s.transition(ctx, order, leg); err != nil {
			return err
		}
	}
	if err := s.Store.SetOrderTxHash(ctx, orderID, txHash); err != nil {
		return err
	}
	order.TxHash = &txHash
	return s.transition(ctx, order, models.OrderSuccess)
}

func pathToTransferred(from models.OrderStatus) []models.OrderStatus {
	switch from {
	case models.OrderPending:
		return []models.OrderStatus{models.OrderProcessing, models.OrderTransferring, models.OrderTransferred}
	case models.OrderProcessing:
		return []models.OrderStatus{models.OrderTransferring, models.OrderTransferred}
	case models.OrderFiatTransferring:
		return []models.OrderStatus{models.OrderTransferring, models.OrderTransferred}
	case models.OrderTransferring:
		return []models.OrderStatus{models.OrderTransferred}
	}
	return nil
}

// transition is the only writer of order status. Terminal entry releases the
// bound tracking address; success additionally fires referral evaluation.
func (s *Service) transition(ctx context.Context, order *models.Order, to models.OrderStatus) error {
	from := order.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	applied, err := s.Store.TransitionOrder(ctx, order.ID, from, to)
	if err != nil {
		return err
	}
	if !applied {
		// The stored status moved under us; re-read to report the real
		// conflict rather than guessing.
		current, err := s.Store.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s (now %s)", ErrInvalidTransition, from, to, current.Status)
	}

	order.Status = to
	metrics.OrderTransitions.WithLabelValues(string(from), string(to)).Inc()
	log.Printf("order %s %s -> %s", order.ID, from, to)

	if IsTerminal(to) {
		s.releaseBoundAddress(ctx, order)
	}
	if to == models.OrderSuccess && s.Referrals != nil {
		if err := s.Referrals.OnOrderSuccess(ctx, order); err != nil {
			log.Printf("referral evaluation failed for order %s: %v", order.ID, err)
		}
	}
	return nil
}

func (s *Service) releaseBoundAddress(ctx context.Context, order *models.Order) {
	if order.Direction != models.DirectionSell {
		return
	}
	addr, err := s.Tracking.Store.AddressByChainAddress(ctx, order.Currency, order.Address)
	if err != nil {
		if !errors.Is(err, tracking.ErrAddressNotFound) {
			log.Printf("lookup address for order %s failed: %v", order.ID, err)
		}
		return
	}
	if addr.OrderID == nil || *addr.OrderID != order.ID {
		return
	}
	if err := s.Tracking.Release(ctx, addr.ID); err != nil {
		log.Printf("release address %s for order %s failed: %v", addr.ID, order.ID, err)
	}
}

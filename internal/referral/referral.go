package referral

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ninjadotorg/coin-exchange-backend/internal/models"
)

// Bonus config keys, percentages of the order fiat amount.
const (
	ReferrerBonus = "REFERER_BONUS"
	RefereeBonus  = "REFEREE_BONUS"
)

type Store interface {
	// ReferrerOf returns the referring user, or "" when the user was not
	// referred.
	ReferrerOf(ctx context.Context, userID string) (string, error)
	// InsertReferralOrder inserts at most one payout per order, reporting
	// whether a row was created.
	InsertReferralOrder(ctx context.Context, ro *models.ReferralOrder) (bool, error)
	UpdateReferralStatus(ctx context.Context, id string, status models.ReferralStatus, txHash *string) error
}

type ConfigSource interface {
	ConfigValue(ctx context.Context, key string) (decimal.Decimal, error)
}

// Service creates payout orders when a referred user's order settles. The
// payout itself is executed elsewhere; this only raises the pending record.
type Service struct {
	Store  Store
	Config ConfigSource
}

func NewService(store Store, config ConfigSource) *Service {
	return &Service{Store: store, Config: config}
}

// OnOrderSuccess implements the exchange referral hook.
func (s *Service) OnOrderSuccess(ctx context.Context, order *models.Order) error {
	referrer, err := s.Store.ReferrerOf(ctx, order.UserID)
	if err != nil {
		return err
	}
	if referrer == "" {
		return nil
	}

	pct, err := s.Config.ConfigValue(ctx, ReferrerBonus)
	if err != nil {
		return err
	}
	bonus := order.FiatAmount.Mul(pct).Div(decimal.NewFromInt(100)).Round(2)

	now := time.Now().UTC()
	created, err := s.Store.InsertReferralOrder(ctx, &models.ReferralOrder{
		ID:         uuid.NewString(),
		ReferrerID: referrer,
		RefereeID:  order.UserID,
		OrderID:    order.ID,
		Bonus:      bonus,
		Currency:   order.FiatCurrency,
		Status:     models.ReferralPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return err
	}
	if created {
		log.Printf("referral order raised for order %s (referrer %s, bonus %s %s)",
			order.ID, referrer, bonus, order.FiatCurrency)
	}
	return nil
}

// MarkPaid records the executed payout.
func (s *Service) MarkPaid(ctx context.Context, id, txHash string) error {
	return s.Store.UpdateReferralStatus(ctx, id, models.ReferralPaid, &txHash)
}

func (s *Service) MarkRejected(ctx context.Context, id string) error {
	return s.Store.UpdateReferralStatus(ctx, id, models.ReferralRejected, nil)
}

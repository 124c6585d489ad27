package referral

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ninjadotorg/coin-exchange-backend/internal/models"
)

type fakeStore struct {
	referrers map[string]string
	inserted  []*models.ReferralOrder
	updated   map[string]models.ReferralStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		referrers: make(map[string]string),
		updated:   make(map[string]models.ReferralStatus),
	}
}

func (f *fakeStore) ReferrerOf(_ context.Context, userID string) (string, error) {
	return f.referrers[userID], nil
}

func (f *fakeStore) InsertReferralOrder(_ context.Context, ro *models.ReferralOrder) (bool, error) {
	for _, existing := range f.inserted {
		if existing.OrderID == ro.OrderID {
			return false, nil
		}
	}
	f.inserted = append(f.inserted, ro)
	return true, nil
}

func (f *fakeStore) UpdateReferralStatus(_ context.Context, id string, status models.ReferralStatus, _ *string) error {
	f.updated[id] = status
	return nil
}

type fakeConfig struct {
	pct decimal.Decimal
}

func (f fakeConfig) ConfigValue(context.Context, string) (decimal.Decimal, error) {
	return f.pct, nil
}

func settledOrder(userID string) *models.Order {
	return &models.Order{
		ID:           "order-1",
		UserID:       userID,
		Status:       models.OrderSuccess,
		FiatAmount:   decimal.RequireFromString("640.50"),
		FiatCurrency: "USD",
		CreatedAt:    time.Now().UTC(),
	}
}

func TestOnOrderSuccessRaisesBonus(t *testing.T) {
	store := newFakeStore()
	store.referrers["referee"] = "referrer"
	svc := NewService(store, fakeConfig{pct: decimal.RequireFromString("0.5")})

	require.NoError(t, svc.OnOrderSuccess(context.Background(), settledOrder("referee")))
	require.Len(t, store.inserted, 1)

	ro := store.inserted[0]
	require.Equal(t, "referrer", ro.ReferrerID)
	require.Equal(t, "referee", ro.RefereeID)
	require.Equal(t, models.ReferralPending, ro.Status)
	// 0.5% of 640.50, rounded to cents.
	require.True(t, ro.Bonus.Equal(decimal.RequireFromString("3.20")), "got %s", ro.Bonus)
}

func TestOnOrderSuccessOncePerOrder(t *testing.T) {
	store := newFakeStore()
	store.referrers["referee"] = "referrer"
	svc := NewService(store, fakeConfig{pct: decimal.NewFromInt(1)})

	order := settledOrder("referee")
	require.NoError(t, svc.OnOrderSuccess(context.Background(), order))
	require.NoError(t, svc.OnOrderSuccess(context.Background(), order))
	require.Len(t, store.inserted, 1)
}

func TestOnOrderSuccessUnreferredUser(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, fakeConfig{pct: decimal.NewFromInt(1)})

	require.NoError(t, svc.OnOrderSuccess(context.Background(), settledOrder("loner")))
	require.Empty(t, store.inserted)
}

func TestMarkPaid(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, fakeConfig{})

	require.NoError(t, svc.MarkPaid(context.Background(), "ro-1", "deadbeef"))
	require.Equal(t, models.ReferralPaid, store.updated["ro-1"])

	require.NoError(t, svc.MarkRejected(context.Background(), "ro-2"))
	require.Equal(t, models.ReferralRejected, store.updated["ro-2"])
}

package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ninjadotorg/coin-exchange-backend/internal/limits"
	"github.com/ninjadotorg/coin-exchange-backend/internal/models"
	"github.com/ninjadotorg/coin-exchange-backend/internal/quote"
	"github.com/ninjadotorg/coin-exchange-backend/internal/rates"
	"github.com/ninjadotorg/coin-exchange-backend/internal/tracking"
)

var errOrderNotFound = errors.New("order not found")

type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[string]*models.Order
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[string]*models.Order)}
}

func (s *fakeOrderStore) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *order
	s.orders[order.ID] = &copied
	return nil
}

func (s *fakeOrderStore) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, errOrderNotFound
	}
	copied := *o
	return &copied, nil
}

func (s *fakeOrderStore) TransitionOrder(ctx context.Context, orderID string, from, to models.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false, errOrderNotFound
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (s *fakeOrderStore) SetOrderTxHash(ctx context.Context, orderID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return errOrderNotFound
	}
	o.TxHash = &txHash
	return nil
}

func (s *fakeOrderStore) SetPaymentResult(ctx context.Context, orderID string, result models.MatchResult, underpaidAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return errOrderNotFound
	}
	o.PaymentResult = &result
	o.UnderpaidAt = underpaidAt
	return nil
}

// tracking store fake

type fakeAddrStore struct {
	mu        sync.Mutex
	addresses map[string]*models.TrackingAddress
	txs       []*models.TrackingTransaction
}

func newFakeAddrStore() *fakeAddrStore {
	return &fakeAddrStore{addresses: make(map[string]*models.TrackingAddress)}
}

func (s *fakeAddrStore) ActiveAddress(ctx context.Context, userID, currency string) (*models.TrackingAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.addresses {
		if a.UserID == userID && a.Currency == currency {
			copied := *a
			return &copied, nil
		}
	}
	return nil, tracking.ErrAddressNotFound
}

func (s *fakeAddrStore) AddressByID(ctx context.Context, id string) (*models.TrackingAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[id]
	if !ok {
		return nil, tracking.ErrAddressNotFound
	}
	copied := *a
	return &copied, nil
}

func (s *fakeAddrStore) AddressByChainAddress(ctx context.Context, currency, address string) (*models.TrackingAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.addresses {
		if a.Currency == currency && a.Address == address {
			copied := *a
			return &copied, nil
		}
	}
	return nil, tracking.ErrAddressNotFound
}

func (s *fakeAddrStore) InsertAddress(ctx context.Context, addr *models.TrackingAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *addr
	s.addresses[addr.ID] = &copied
	return nil
}

func (s *fakeAddrStore) ClaimAddress(ctx context.Context, addressID, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[addressID]
	if !ok {
		return false, tracking.ErrAddressNotFound
	}
	if a.Status != models.AddressCreated {
		return false, nil
	}
	a.Status = models.AddressHasOrder
	a.OrderID = &orderID
	return true, nil
}

func (s *fakeAddrStore) MarkHasPayment(ctx context.Context, addressID, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[addressID]
	if !ok {
		return false, tracking.ErrAddressNotFound
	}
	if a.Status != models.AddressHasOrder || a.OrderID == nil || *a.OrderID != orderID {
		return false, nil
	}
	a.Status = models.AddressHasPayment
	return true, nil
}

func (s *fakeAddrStore) MarkCompleted(ctx context.Context, addressID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[addressID]
	if !ok {
		return false, tracking.ErrAddressNotFound
	}
	if a.Status != models.AddressHasPayment {
		return false, nil
	}
	a.Status = models.AddressCompleted
	return true, nil
}

func (s *fakeAddrStore) ReleaseAddress(ctx context.Context, addressID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[addressID]
	if !ok {
		return tracking.ErrAddressNotFound
	}
	a.Status = models.AddressCreated
	a.OrderID = nil
	for _, tx := range s.txs {
		if tx.AddressID == addressID && tx.Status == models.TxPending {
			tx.Status = models.TxFailed
		}
	}
	return nil
}

func (s *fakeAddrStore) InsertTransaction(ctx context.Context, tx *models.TrackingTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *tx
	s.txs = append(s.txs, &copied)
	return nil
}

// limit store fake

type fakeLimitStore struct {
	mu      sync.Mutex
	levels  map[string]int
	configs map[string]decimal.Decimal
	limits  map[string]decimal.Decimal
	usage   map[string]decimal.Decimal
}

func newFakeLimitStore() *fakeLimitStore {
	return &fakeLimitStore{
		levels:  make(map[string]int),
		configs: make(map[string]decimal.Decimal),
		limits:  make(map[string]decimal.Decimal),
		usage:   make(map[string]decimal.Decimal),
	}
}

func lk(userID, currency string) string { return userID + "/" + currency }

func (s *fakeLimitStore) UserLevel(ctx context.Context, userID string) (int, error) {
	level, ok := s.levels[userID]
	if !ok {
		return 0, errors.New("no such user")
	}
	return level, nil
}

func (s *fakeLimitStore) ConfigValue(ctx context.Context, key string) (decimal.Decimal, error) {
	v, ok := s.configs[key]
	if !ok {
		return decimal.Decimal{}, errors.New("no config")
	}
	return v, nil
}

func (s *fakeLimitStore) EnsureUserLimit(ctx context.Context, userID, currency string, limit decimal.Decimal, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.limits[lk(userID, currency)]; !ok {
		s.limits[lk(userID, currency)] = limit
		s.usage[lk(userID, currency)] = decimal.Zero
	}
	return nil
}

func (s *fakeLimitStore) ReserveUsage(ctx context.Context, userID, currency string, amount decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.usage[lk(userID, currency)].Add(amount)
	if next.GreaterThan(s.limits[lk(userID, currency)]) {
		return false, nil
	}
	s.usage[lk(userID, currency)] = next
	return true, nil
}

func (s *fakeLimitStore) ReplaceUserLimit(ctx context.Context, userID, currency string, limit decimal.Decimal, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[lk(userID, currency)] = limit
	return nil
}

func (s *fakeLimitStore) ResetUsage(ctx context.Context, userID, currency string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[lk(userID, currency)] = decimal.Zero
	return nil
}

type fakeFees map[string]quote.Fee

func (f fakeFees) Fee(ctx context.Context, key string) (quote.Fee, error) {
	return f[key], nil
}

type seqAllocator struct {
	mu sync.Mutex
	n  int
}

func (a *seqAllocator) Allocate(ctx context.Context, userID, currency string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return fmt.Sprintf("bech-%s-%d", currency, a.n), nil
}

type referralRecorder struct {
	mu     sync.Mutex
	orders []string
}

func (r *referralRecorder) OnOrderSuccess(ctx context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, order.ID)
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	svc       *Service
	orders    *fakeOrderStore
	addrs     *fakeAddrStore
	limitSt   *fakeLimitStore
	registry  *tracking.Registry
	referrals *referralRecorder
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cache := rates.NewCache(nil, nil)
	cache.SetPrice(rates.Price{Currency: "BTC", Buy: dec("6500"), Sell: dec("6400")})
	cache.SetRate("HKD", dec("7.8"))

	engine := &quote.Engine{Cache: cache, Fees: fakeFees{}}

	limitSt := newFakeLimitStore()
	limitSt.levels["u1"] = 2
	limitSt.configs[limits.ConfigKey("USD", 2)] = dec("1000")
	policy := limits.NewPolicy(limitSt, []string{"USD"})

	addrs := newFakeAddrStore()
	registry := tracking.NewRegistry(addrs, &seqAllocator{})

	orders := newFakeOrderStore()
	svc := NewService(orders, engine, policy, registry)
	registry.Payments = svc

	referrals := &referralRecorder{}
	svc.Referrals = referrals

	f := &fixture{
		svc: svc, orders: orders, addrs: addrs, limitSt: limitSt,
		registry: registry, referrals: referrals,
		now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
	}
	svc.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) sellRequest(amount string) CreateOrderRequest {
	return CreateOrderRequest{
		UserID:            "u1",
		Direction:         models.DirectionSell,
		Type:              models.OrderTypeBank,
		PaymentMethod:     models.PaymentMethodBank,
		Currency:          "BTC",
		Amount:            dec(amount),
		FiatLocalCurrency: "HKD",
	}
}

func TestCreateOrderBelowMinimum(t *testing.T) {
	f := newFixture(t)
	req := f.sellRequest("0.0001")
	_, err := f.svc.CreateOrder(context.Background(), req)
	require.ErrorIs(t, err, ErrBelowMinimumAmount)
	require.Empty(t, f.orders.orders)
}

func TestCreateOrderLimitExceeded(t *testing.T) {
	f := newFixture(t)
	// 0.2 BTC * 6400 = 1280 USD > 1000 limit.
	_, err := f.svc.CreateOrder(context.Background(), f.sellRequest("0.2"))
	require.ErrorIs(t, err, limits.ErrLimitExceeded)
	require.Empty(t, f.orders.orders)
}

func TestCreateSellOrderBindsAddress(t *testing.T) {
	f := newFixture(t)
	order, err := f.svc.CreateOrder(context.Background(), f.sellRequest("0.1"))
	require.NoError(t, err)
	require.Equal(t, models.OrderPending, order.Status)
	require.NotEmpty(t, order.Address)

	addr, err := f.addrs.AddressByChainAddress(context.Background(), "BTC", order.Address)
	require.NoError(t, err)
	require.Equal(t, models.AddressHasOrder, addr.Status)
	require.Equal(t, order.ID, *addr.OrderID)
}

func TestSecondConcurrentOrderGetsFreshAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateOrder(ctx, f.sellRequest("0.05"))
	require.NoError(t, err)
	second, err := f.svc.CreateOrder(ctx, f.sellRequest("0.05"))
	require.NoError(t, err)

	require.NotEqual(t, first.Address, second.Address)
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, f.sellRequest("0.1"))
	require.NoError(t, err)

	// One second before the deadline nothing changes.
	f.now = order.CreatedAt.Add(OrderExpiration - time.Second)
	got, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderPending, got.Status)

	// At exactly the deadline the order is expired.
	f.now = order.CreatedAt.Add(OrderExpiration)
	got, err = f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderExpired, got.Status)

	// Persisted, and the deposit address is back in the pool.
	stored, err := f.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderExpired, stored.Status)

	addr, err := f.addrs.AddressByChainAddress(ctx, "BTC", order.Address)
	require.NoError(t, err)
	require.Equal(t, models.AddressCreated, addr.Status)

	// Expiry is terminal: confirmation is an invalid transition now.
	_, err = f.svc.Confirm(ctx, order.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

// racingOrderStore confirms the order behind the reader's back on the first
// read, so the lazy-expiry write is guaranteed to lose its CAS.
type racingOrderStore struct {
	*fakeOrderStore
	once sync.Once
}

func (s *racingOrderStore) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.fakeOrderStore.GetOrder(ctx, orderID)
	if err == nil && order.Status == models.OrderPending {
		s.once.Do(func() {
			_, _ = s.fakeOrderStore.TransitionOrder(ctx, orderID, models.OrderPending, models.OrderProcessing)
		})
	}
	return order, err
}

func TestGetOrderLostExpiryRaceReturnsStoredStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, f.sellRequest("0.1"))
	require.NoError(t, err)

	f.svc.Store = &racingOrderStore{fakeOrderStore: f.orders}
	f.now = order.CreatedAt.Add(OrderExpiration + time.Minute)

	got, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderProcessing, got.Status)

	stored, err := f.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderProcessing, stored.Status)
}

func TestCancelWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, f.sellRequest("0.1"))
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, order.ID)
	require.NoError(t, err)
	_, err = f.svc.StartTransfer(ctx, order.ID)
	require.NoError(t, err)

	// Past the transferring gate cancellation is no longer allowed.
	_, err = f.svc.Cancel(ctx, order.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRejectOnlyEarly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, f.sellRequest("0.1"))
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, order.ID)
	require.NoError(t, err)

	got, err := f.svc.Reject(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderRejected, got.Status)

	addr, err := f.addrs.AddressByChainAddress(ctx, "BTC", order.Address)
	require.NoError(t, err)
	require.Equal(t, models.AddressCreated, addr.Status)
}

func TestFiatLegOnlyForBankOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.sellRequest("0.1")
	req.Type = models.OrderTypeCOD
	order, err := f.svc.CreateOrder(ctx, req)
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, order.ID)
	require.NoError(t, err)

	_, err = f.svc.StartFiatTransfer(ctx, order.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDepositMatchedDrivesOrderToSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, f.sellRequest("0.1"))
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, order.ID)
	require.NoError(t, err)
	_, err = f.svc.StartTransfer(ctx, order.ID)
	require.NoError(t, err)

	// 0.04% over the expected 0.1 BTC: within the 1% tolerance.
	err = f.registry.ObserveTransaction(ctx, "BTC", order.Address, tracking.ObservedTx{
		Direction: models.TransferIn,
		Status:    models.TxSuccess,
		Amount:    dec("0.10004"),
		Currency:  "BTC",
		TxHash:    "chain-tx-1",
	})
	require.NoError(t, err)

	got, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderSuccess, got.Status)
	require.NotNil(t, got.TxHash)
	require.Equal(t, "chain-tx-1", *got.TxHash)
	require.Equal(t, models.MatchMatched, *got.PaymentResult)

	// Address released for reuse, referral fired exactly once.
	addr, err := f.addrs.AddressByChainAddress(ctx, "BTC", order.Address)
	require.NoError(t, err)
	require.Equal(t, models.AddressCreated, addr.Status)
	require.Equal(t, []string{order.ID}, f.referrals.orders)

	// A replayed observation cannot resurrect or re-notify.
	err = f.registry.ObserveTransaction(ctx, "BTC", order.Address, tracking.ObservedTx{
		Direction: models.TransferIn,
		Status:    models.TxSuccess,
		Amount:    dec("0.10004"),
		Currency:  "BTC",
		TxHash:    "chain-tx-1-replay",
	})
	require.NoError(t, err)
	require.Equal(t, []string{order.ID}, f.referrals.orders)
}

func TestDepositUnderLeavesOrderInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, f.sellRequest("0.1"))
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, order.ID)
	require.NoError(t, err)
	_, err = f.svc.StartTransfer(ctx, order.ID)
	require.NoError(t, err)

	err = f.registry.ObserveTransaction(ctx, "BTC", order.Address, tracking.ObservedTx{
		Direction: models.TransferIn,
		Status:    models.TxSuccess,
		Amount:    dec("0.09"),
		Currency:  "BTC",
		TxHash:    "chain-tx-2",
	})
	require.NoError(t, err)

	got, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderTransferring, got.Status)
	require.Equal(t, models.MatchUnder, *got.PaymentResult)
	require.NotNil(t, got.UnderpaidAt)
	require.Empty(t, f.referrals.orders)
}

func TestSettleRequiresTxHashAndMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, f.sellRequest("0.1"))
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, order.ID)
	require.NoError(t, err)
	_, err = f.svc.StartTransfer(ctx, order.ID)
	require.NoError(t, err)

	_, err = f.svc.CompleteTransfer(ctx, order.ID, "")
	require.ErrorIs(t, err, ErrMissingTxHash)

	_, err = f.svc.CompleteTransfer(ctx, order.ID, "settle-tx")
	require.NoError(t, err)

	// No matched payment recorded on this sell order yet.
	_, err = f.svc.Settle(ctx, order.ID)
	require.ErrorIs(t, err, ErrPaymentNotMatched)
}

func TestConcurrentCreateNeverOverAllocatesLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Each order is 0.1 BTC * 6400 = 640 USD; two together exceed 1000.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.CreateOrder(ctx, f.sellRequest("0.1"))
		}(i)
	}
	wg.Wait()

	var ok, exceeded int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, limits.ErrLimitExceeded):
			exceeded++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, exceeded)
	require.Len(t, f.orders.orders, 1)
}

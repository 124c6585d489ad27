package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ninjadotorg/coin-exchange-backend/internal/models"
)

var (
	// ErrAddressAlreadyBound signals a lost claim race: the address belongs to
	// another unresolved order. Callers retry with a fresh address.
	ErrAddressAlreadyBound = errors.New("tracking address already bound to an order")
	ErrAddressNotFound     = errors.New("tracking address not found")
)

// Allocator hands out fresh deposit addresses, one per call.
type Allocator interface {
	Allocate(ctx context.Context, userID, currency string) (string, error)
}

// PaymentSink receives the first successful inbound amount observed for a
// bound order.
type PaymentSink interface {
	OnPayment(ctx context.Context, orderID string, amount decimal.Decimal, txHash string) error
}

type Store interface {
	ActiveAddress(ctx context.Context, userID, currency string) (*models.TrackingAddress, error)
	AddressByID(ctx context.Context, id string) (*models.TrackingAddress, error)
	AddressByChainAddress(ctx context.Context, currency, address string) (*models.TrackingAddress, error)
	InsertAddress(ctx context.Context, addr *models.TrackingAddress) error
	// ClaimAddress transitions created -> has_order for exactly one caller.
	ClaimAddress(ctx context.Context, addressID, orderID string) (bool, error)
	// MarkHasPayment transitions has_order -> has_payment once per binding.
	MarkHasPayment(ctx context.Context, addressID, orderID string) (bool, error)
	MarkCompleted(ctx context.Context, addressID string) (bool, error)
	// ReleaseAddress resets to created, clears the binding and fails any
	// still-pending transactions so nothing leaks into the next order.
	ReleaseAddress(ctx context.Context, addressID string) error
	InsertTransaction(ctx context.Context, tx *models.TrackingTransaction) error
}

// Registry owns deposit addresses and the transactions observed on them.
type Registry struct {
	Store    Store
	Pool     Allocator
	Payments PaymentSink

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRegistry(store Store, pool Allocator) *Registry {
	return &Registry{
		Store: store,
		Pool:  pool,
		locks: make(map[string]*sync.Mutex),
	}
}

// GetOrCreateAddress is idempotent per (user, currency): an existing address,
// bound or not, is returned as-is; otherwise one is allocated from the pool.
// The second return value reports whether the address already existed.
func (r *Registry) GetOrCreateAddress(ctx context.Context, userID, currency string) (*models.TrackingAddress, bool, error) {
	existing, err := r.Store.ActiveAddress(ctx, userID, currency)
	if err != nil && !errors.Is(err, ErrAddressNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}

	addr, err := r.allocate(ctx, userID, currency)
	if err != nil {
		return nil, false, err
	}
	return addr, false, nil
}

// AllocateFresh always grows the pool. Used when the user's existing address
// is still serving another order.
func (r *Registry) AllocateFresh(ctx context.Context, userID, currency string) (*models.TrackingAddress, error) {
	return r.allocate(ctx, userID, currency)
}

func (r *Registry) allocate(ctx context.Context, userID, currency string) (*models.TrackingAddress, error) {
	chainAddr, err := r.Pool.Allocate(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	addr := &models.TrackingAddress{
		ID:        uuid.NewString(),
		UserID:    userID,
		Currency:  currency,
		Address:   chainAddr,
		Status:    models.AddressCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.Store.InsertAddress(ctx, addr); err != nil {
		return nil, err
	}
	return addr, nil
}

// BindOrder claims the address for the order. Exactly one concurrent caller
// wins; losers get ErrAddressAlreadyBound.
func (r *Registry) BindOrder(ctx context.Context, addressID, orderID string) error {
	ok, err := r.Store.ClaimAddress(ctx, addressID, orderID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAddressAlreadyBound
	}
	return nil
}

type ObservedTx struct {
	Direction models.TxDirection
	Status    models.TxStatus
	Amount    decimal.Decimal
	Currency  string
	TxHash    string
}

// ObserveTransaction records a chain event seen on a deposit address.
// Observations on one address are applied in arrival order; the first
// successful inbound transfer on a bound address moves it to has_payment and
// forwards the amount to the payment sink exactly once.
func (r *Registry) ObserveTransaction(ctx context.Context, currency, chainAddress string, obs ObservedTx) error {
	unlock := r.lockAddress(chainAddress)
	defer unlock()

	addr, err := r.Store.AddressByChainAddress(ctx, currency, chainAddress)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	tx := &models.TrackingTransaction{
		ID:        uuid.NewString(),
		AddressID: addr.ID,
		Direction: obs.Direction,
		Status:    obs.Status,
		Amount:    obs.Amount,
		Currency:  obs.Currency,
		TxHash:    obs.TxHash,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.Store.InsertTransaction(ctx, tx); err != nil {
		return err
	}

	if obs.Direction != models.TransferIn || obs.Status != models.TxSuccess {
		return nil
	}
	if addr.OrderID == nil {
		return nil
	}

	advanced, err := r.Store.MarkHasPayment(ctx, addr.ID, *addr.OrderID)
	if err != nil {
		return err
	}
	if !advanced {
		// Replayed or duplicate inbound observation; the transition never
		// regresses and the sink is not notified again.
		return nil
	}
	if r.Payments == nil {
		return nil
	}
	return r.Payments.OnPayment(ctx, *addr.OrderID, obs.Amount, obs.TxHash)
}

// RecordOutbound logs the settlement leg sent from the address and moves it to
// completed.
func (r *Registry) RecordOutbound(ctx context.Context, addressID string, amount decimal.Decimal, currency, txHash string) error {
	now := time.Now().UTC()
	tx := &models.TrackingTransaction{
		ID:        uuid.NewString(),
		AddressID: addressID,
		Direction: models.TransferOut,
		Status:    models.TxSuccess,
		Amount:    amount,
		Currency:  currency,
		TxHash:    txHash,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.Store.InsertTransaction(ctx, tx); err != nil {
		return err
	}
	_, err := r.Store.MarkCompleted(ctx, addressID)
	return err
}

// Release returns the address to the pool for reuse by the same user.
func (r *Registry) Release(ctx context.Context, addressID string) error {
	return r.Store.ReleaseAddress(ctx, addressID)
}

// lockAddress serializes observations per chain address. The mutex map is
// never evicted: it holds one entry per address ever observed, bounded by the
// pool the registry itself allocates.
func (r *Registry) lockAddress(chainAddress string) func() {
	r.mu.Lock()
	lock, ok := r.locks[chainAddress]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[chainAddress] = lock
	}
	r.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

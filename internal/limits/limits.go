package limits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrLimitExceeded refuses an order whose fiat amount would push the
	// user's cumulative usage past their ceiling.
	ErrLimitExceeded = errors.New("user limit exceeded")
	ErrUnknownLevel  = errors.New("no limit configured for level")
)

// ConfigKey is the lookup key for the (currency, verification level) ceiling.
func ConfigKey(currency string, level int) string {
	return fmt.Sprintf("%s_USER_LIMIT_%d", currency, level)
}

type Store interface {
	UserLevel(ctx context.Context, userID string) (int, error)
	ConfigValue(ctx context.Context, key string) (decimal.Decimal, error)
	// EnsureUserLimit creates the user's limit row for the currency if absent.
	EnsureUserLimit(ctx context.Context, userID, currency string, limit decimal.Decimal, level int) error
	// ReserveUsage atomically performs usage += amount when the result stays
	// within the limit, reporting whether the reservation was applied. Two
	// concurrent reservations must never both succeed against a stale usage.
	ReserveUsage(ctx context.Context, userID, currency string, amount decimal.Decimal) (bool, error)
	// ReplaceUserLimit overwrites the ceiling and level, preserving usage.
	ReplaceUserLimit(ctx context.Context, userID, currency string, limit decimal.Decimal, level int) error
	ResetUsage(ctx context.Context, userID, currency string) error
}

// Policy enforces per-user, per-currency usage ceilings derived from the
// user's verification level.
type Policy struct {
	Store      Store
	Currencies []string
	CacheTTL   time.Duration

	mu     sync.Mutex
	cached map[string]cachedValue
}

type cachedValue struct {
	value   decimal.Decimal
	expires time.Time
}

func NewPolicy(store Store, currencies []string) *Policy {
	return &Policy{
		Store:      store,
		Currencies: currencies,
		CacheTTL:   5 * time.Minute,
		cached:     make(map[string]cachedValue),
	}
}

// Reserve checks the user's ceiling and claims the amount in one step. It
// creates the limit row from the user's current level on first use.
func (p *Policy) Reserve(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	level, err := p.Store.UserLevel(ctx, userID)
	if err != nil {
		return err
	}
	limit, err := p.limitFor(ctx, currency, level)
	if err != nil {
		return err
	}
	if err := p.Store.EnsureUserLimit(ctx, userID, currency, limit, level); err != nil {
		return err
	}

	ok, err := p.Store.ReserveUsage(ctx, userID, currency, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLimitExceeded
	}
	return nil
}

// UpdateLimitByLevel recomputes and replaces the user's ceiling for every
// supported currency. Invoked when verification reaches approved; running it
// twice is a no-op.
func (p *Policy) UpdateLimitByLevel(ctx context.Context, userID string) error {
	level, err := p.Store.UserLevel(ctx, userID)
	if err != nil {
		return err
	}
	for _, currency := range p.Currencies {
		limit, err := p.limitFor(ctx, currency, level)
		if err != nil {
			return err
		}
		if err := p.Store.ReplaceUserLimit(ctx, userID, currency, limit, level); err != nil {
			return err
		}
	}
	return nil
}

// ResetUsage is the administrative escape hatch; usage is never decremented
// anywhere else.
func (p *Policy) ResetUsage(ctx context.Context, userID, currency string) error {
	return p.Store.ResetUsage(ctx, userID, currency)
}

func (p *Policy) limitFor(ctx context.Context, currency string, level int) (decimal.Decimal, error) {
	key := ConfigKey(currency, level)

	p.mu.Lock()
	if v, ok := p.cached[key]; ok && time.Now().Before(v.expires) {
		p.mu.Unlock()
		return v.value, nil
	}
	p.mu.Unlock()

	value, err := p.Store.ConfigValue(ctx, key)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnknownLevel, key)
	}

	p.mu.Lock()
	p.cached[key] = cachedValue{value: value, expires: time.Now().Add(p.CacheTTL)}
	p.mu.Unlock()
	return value, nil
}

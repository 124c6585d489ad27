package rates

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrStaleData means no value has ever been stored for the requested currency.
// The cache never falls back to zero.
var ErrStaleData = errors.New("no cached rate for currency")

// BaseCurrency is the pivot for all fiat conversions. Rates are expressed as
// units of local currency per one unit of the base.
const BaseCurrency = "USD"

type Price struct {
	Currency string
	Buy      decimal.Decimal
	Sell     decimal.Decimal
}

type RateSource interface {
	GetRates(ctx context.Context) (map[string]decimal.Decimal, error)
}

type PriceSource interface {
	GetBuyPrice(ctx context.Context, currency string) (decimal.Decimal, error)
	GetSellPrice(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Cache holds current fiat rates and crypto buy/sell prices. Reads serve the
// last complete snapshot; refreshes fetch outside the lock and swap values in
// per currency, so readers never wait on oracle I/O.
type Cache struct {
	Rates  RateSource
	Prices PriceSource

	mu     sync.RWMutex
	rates  map[string]decimal.Decimal
	prices map[string]Price
}

func NewCache(rates RateSource, prices PriceSource) *Cache {
	return &Cache{
		Rates:  rates,
		Prices: prices,
		rates:  make(map[string]decimal.Decimal),
		prices: make(map[string]Price),
	}
}

func (c *Cache) Rate(currency string) (decimal.Decimal, error) {
	if currency == BaseCurrency {
		return decimal.NewFromInt(1), nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	rate, ok := c.rates[currency]
	if !ok {
		return decimal.Decimal{}, ErrStaleData
	}
	return rate, nil
}

func (c *Cache) Price(currency string) (Price, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[currency]
	if !ok {
		return Price{}, ErrStaleData
	}
	return p, nil
}

func (c *Cache) SetRate(currency string, rate decimal.Decimal) {
	c.mu.Lock()
	c.rates[currency] = rate
	c.mu.Unlock()
}

func (c *Cache) SetPrice(p Price) {
	c.mu.Lock()
	c.prices[p.Currency] = p
	c.mu.Unlock()
}

// RefreshRates overwrites every fetched currency. A currency missing from the
// oracle response keeps its previous value rather than going stale.
func (c *Cache) RefreshRates(ctx context.Context) error {
	fetched, err := c.Rates.GetRates(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for currency, rate := range fetched {
		c.rates[currency] = rate
	}
	c.mu.Unlock()
	return nil
}

func (c *Cache) RefreshPrices(ctx context.Context, currencies []string) error {
	for _, currency := range currencies {
		buy, err := c.Prices.GetBuyPrice(ctx, currency)
		if err != nil {
			return err
		}
		sell, err := c.Prices.GetSellPrice(ctx, currency)
		if err != nil {
			return err
		}
		c.SetPrice(Price{Currency: currency, Buy: buy, Sell: sell})
	}
	return nil
}

// ConvertToLocal converts an amount in the base currency to the given fiat
// currency.
func (c *Cache) ConvertToLocal(amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	rate, err := c.Rate(currency)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return amount.Mul(rate), nil
}

// ConvertFromLocal converts an amount in the given fiat currency back to the
// base currency.
func (c *Cache) ConvertFromLocal(amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	rate, err := c.Rate(currency)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if rate.IsZero() {
		return decimal.Decimal{}, ErrStaleData
	}
	return amount.Div(rate), nil
}

// Convert converts between two fiat currencies via the base-currency pivot.
func (c *Cache) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if from == to {
		return amount, nil
	}
	inBase, err := c.ConvertFromLocal(amount, from)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return c.ConvertToLocal(inBase, to)
}

package quote

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/ninjadotorg/coin-exchange-backend/internal/models"
	"github.com/ninjadotorg/coin-exchange-backend/internal/payments"
	"github.com/ninjadotorg/coin-exchange-backend/internal/rates"
)

// Fee config keys, one per order flavor.
const (
	FeeCoinOrderCOD         = "FEE_COIN_ORDER_COD"
	FeeCoinOrderBank        = "FEE_COIN_ORDER_BANK"
	FeeCoinSellingOrderBank = "FEE_COIN_SELLING_ORDER_BANK"
)

type FeeType string

const (
	FeeFixed      FeeType = "fixed"
	FeePercentage FeeType = "percentage"
)

type Fee struct {
	Type  FeeType
	Value decimal.Decimal
}

// Apply returns the fee charged on the given base amount.
func (f Fee) Apply(base decimal.Decimal) decimal.Decimal {
	if f.Type == FeePercentage {
		return base.Mul(f.Value).Div(decimal.NewFromInt(100))
	}
	return f.Value
}

type FeeSource interface {
	Fee(ctx context.Context, key string) (Fee, error)
}

var ErrUnknownDirection = errors.New("unknown quote direction")

type Request struct {
	Direction         models.Direction
	Currency          string
	Amount            decimal.Decimal
	FiatLocalCurrency string
}

// Engine computes quotes from the current cached prices and rates. It never
// fetches from the oracle itself.
type Engine struct {
	Cache *rates.Cache
	Fees  FeeSource
}

// Get prices the crypto amount in the base fiat currency and the requested
// local currency, for both the standard and cash-on-delivery flavors.
func (e *Engine) Get(ctx context.Context, req Request) (*models.Quote, error) {
	if req.Amount.Sign() <= 0 {
		return nil, payments.ErrInvalidAmount
	}

	price, raw, err := e.rawFiat(req.Direction, req.Currency, req.Amount)
	if err != nil {
		return nil, err
	}

	q := &models.Quote{
		Direction:         req.Direction,
		Currency:          req.Currency,
		Amount:            req.Amount,
		FiatCurrency:      rates.BaseCurrency,
		FiatLocalCurrency: req.FiatLocalCurrency,
		Price:             price,
	}

	switch req.Direction {
	case models.DirectionBuy:
		bankFee, err := e.Fees.Fee(ctx, FeeCoinOrderBank)
		if err != nil {
			return nil, err
		}
		codFee, err := e.Fees.Fee(ctx, FeeCoinOrderCOD)
		if err != nil {
			return nil, err
		}
		q.FiatAmount = raw.Add(bankFee.Apply(raw)).Round(2)
		q.FiatAmountCOD = raw.Add(codFee.Apply(raw)).Round(2)
	case models.DirectionSell:
		sellFee, err := e.Fees.Fee(ctx, FeeCoinSellingOrderBank)
		if err != nil {
			return nil, err
		}
		q.FiatAmount = raw.Sub(sellFee.Apply(raw)).Round(2)
	default:
		return nil, ErrUnknownDirection
	}

	q.FiatLocalAmount, err = e.localize(q.FiatAmount, req.FiatLocalCurrency)
	if err != nil {
		return nil, err
	}
	if !q.FiatAmountCOD.IsZero() {
		q.FiatLocalAmountCOD, err = e.localize(q.FiatAmountCOD, req.FiatLocalCurrency)
		if err != nil {
			return nil, err
		}
	}
	return q, nil
}

// GetReverse starts from a fiat local amount and derives the crypto amount the
// user would trade for it, undoing the fee in the quoted direction.
func (e *Engine) GetReverse(ctx context.Context, req Request) (*models.Quote, error) {
	if req.Amount.Sign() <= 0 {
		return nil, payments.ErrInvalidAmount
	}

	fiat, err := e.Cache.Convert(req.Amount, req.FiatLocalCurrency, rates.BaseCurrency)
	if err != nil {
		return nil, err
	}

	var raw decimal.Decimal
	switch req.Direction {
	case models.DirectionBuy:
		bankFee, err := e.Fees.Fee(ctx, FeeCoinOrderBank)
		if err != nil {
			return nil, err
		}
		raw = unapplyFee(fiat, bankFee)
	case models.DirectionSell:
		sellFee, err := e.Fees.Fee(ctx, FeeCoinSellingOrderBank)
		if err != nil {
			return nil, err
		}
		raw = unapplyFee(fiat, sellFee.negated())
	default:
		return nil, ErrUnknownDirection
	}

	price, err := e.price(req.Direction, req.Currency)
	if err != nil {
		return nil, err
	}
	if price.IsZero() {
		return nil, rates.ErrStaleData
	}

	return &models.Quote{
		Direction:         req.Direction,
		Currency:          req.Currency,
		Amount:            raw.Div(price).Round(8),
		FiatCurrency:      rates.BaseCurrency,
		FiatLocalCurrency: req.FiatLocalCurrency,
		FiatAmount:        fiat.Round(2),
		FiatLocalAmount:   req.Amount,
		Price:             price,
	}, nil
}

func (e *Engine) rawFiat(direction models.Direction, currency string, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	price, err := e.price(direction, currency)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return price, amount.Mul(price), nil
}

func (e *Engine) price(direction models.Direction, currency string) (decimal.Decimal, error) {
	p, err := e.Cache.Price(currency)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if direction == models.DirectionSell {
		return p.Sell, nil
	}
	return p.Buy, nil
}

func (e *Engine) localize(amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	local, err := e.Cache.ConvertToLocal(amount, currency)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return local.Round(2), nil
}

func (f Fee) negated() Fee {
	return Fee{Type: f.Type, Value: f.Value.Neg()}
}

// unapplyFee inverts Apply: given base+fee(base), recover base.
func unapplyFee(total decimal.Decimal, f Fee) decimal.Decimal {
	if f.Type == FeePercentage {
		divisor := decimal.NewFromInt(1).Add(f.Value.Div(decimal.NewFromInt(100)))
		if divisor.IsZero() {
			return total
		}
		return total.Div(divisor)
	}
	return total.Sub(f.Value)
}

package payments

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/ninjadotorg/coin-exchange-backend/internal/models"
)

// ErrInvalidAmount rejects zero/negative expected amounts and negative
// observed amounts before they reach the state machine.
var ErrInvalidAmount = errors.New("invalid payment amount")

// DifferentThreshold is the match tolerance in percent.
var DifferentThreshold = decimal.NewFromInt(1)

var hundred = decimal.NewFromInt(100)

// Match classifies an observed payment against the expected amount. A delta of
// at most DifferentThreshold percent of expected counts as matched; the
// boundary comparison is exact (cross-multiplied, no division, no rounding).
// Match is pure: consequences are the caller's business.
func Match(expected, observed decimal.Decimal) (models.MatchResult, error) {
	if expected.Sign() <= 0 || observed.Sign() < 0 {
		return "", ErrInvalidAmount
	}

	// |observed - expected| * 100 <= threshold * expected
	delta := observed.Sub(expected).Abs().Mul(hundred)
	if delta.Cmp(DifferentThreshold.Mul(expected)) <= 0 {
		return models.MatchMatched, nil
	}
	if observed.LessThan(expected) {
		return models.MatchUnder, nil
	}
	return models.MatchOver, nil
}

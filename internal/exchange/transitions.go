package exchange

import (
	"errors"
	"time"

	"github.com/ninjadotorg/coin-exchange-backend/internal/models"
)

// ErrInvalidTransition rejects any status change not present in the
// transition table. It is never coerced to a nearby valid state.
var ErrInvalidTransition = errors.New("invalid order status transition")

// OrderExpiration is the confirmation window from order creation.
const OrderExpiration = 15 * time.Minute

var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending: {
		models.OrderProcessing,
		models.OrderCancelled,
		models.OrderRejected,
		models.OrderExpired,
	},
	models.OrderProcessing: {
		models.OrderFiatTransferring,
		models.OrderTransferring,
		models.OrderCancelled,
		models.OrderRejected,
	},
	models.OrderFiatTransferring: {
		models.OrderTransferring,
		models.OrderCancelled,
	},
	models.OrderTransferring: {
		models.OrderTransferred,
		models.OrderTransferFailed,
	},
	models.OrderTransferred: {
		models.OrderSuccess,
	},
}

func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func IsTerminal(status models.OrderStatus) bool {
	switch status {
	case models.OrderSuccess, models.OrderTransferFailed, models.OrderCancelled,
		models.OrderRejected, models.OrderExpired:
		return true
	}
	return false
}

// EffectiveStatus resolves implicit expiry: the record of truth for a pending
// order is now >= created_at + OrderExpiration, not the stored status. The
// deadline itself is already expired.
func EffectiveStatus(order *models.Order, now time.Time) models.OrderStatus {
	if order.Status == models.OrderPending && !now.Before(order.ExpiresAt) {
		return models.OrderExpired
	}
	return order.Status
}

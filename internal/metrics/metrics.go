package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_created_total",
		Help: "Orders created, by crypto currency and direction.",
	}, []string{"currency", "direction"})

	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_order_transitions_total",
		Help: "Order status transitions applied.",
	}, []string{"from", "to"})

	DepositsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_deposits_observed_total",
		Help: "Inbound deposits classified against expected amounts.",
	}, []string{"result"})

	RateRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_rate_refreshes_total",
		Help: "Oracle refresh attempts by outcome.",
	}, []string{"kind", "outcome"})
)

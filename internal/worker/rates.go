package worker

import (
	"context"
	"log"
	"time"

	"github.com/ninjadotorg/coin-exchange-backend/internal/metrics"
	"github.com/ninjadotorg/coin-exchange-backend/internal/rates"
)

// RatesRefresher keeps the rate cache warm on a fixed interval.
type RatesRefresher struct {
	Cache      *rates.Cache
	Currencies []string
	Interval   time.Duration
}

func (r *RatesRefresher) Run(ctx context.Context) {
	r.refresh(ctx)
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *RatesRefresher) refresh(ctx context.Context) {
	if err := r.Cache.RefreshRates(ctx); err != nil {
		log.Printf("rate refresh failed: %v", err)
		metrics.RateRefreshes.WithLabelValues("rates", "error").Inc()
	} else {
		metrics.RateRefreshes.WithLabelValues("rates", "ok").Inc()
	}

	if err := r.Cache.RefreshPrices(ctx, r.Currencies); err != nil {
		log.Printf("price refresh failed: %v", err)
		metrics.RateRefreshes.WithLabelValues("prices", "error").Inc()
	} else {
		metrics.RateRefreshes.WithLabelValues("prices", "ok").Inc()
	}
}

package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ninjadotorg/coin-exchange-backend/internal/chain"
	"github.com/ninjadotorg/coin-exchange-backend/internal/exchange"
	"github.com/ninjadotorg/coin-exchange-backend/internal/models"
	"github.com/ninjadotorg/coin-exchange-backend/internal/store"
	"github.com/ninjadotorg/coin-exchange-backend/internal/tracking"
)

// ChainWatch is the deposit-listening config for one crypto currency.
type ChainWatch struct {
	WSEndpoints []string
	Denom       string
	Decimals    int32
}

type Worker struct {
	Store          *store.Store
	Orders         *exchange.Service
	Tracking       *tracking.Registry
	Chains         map[string]ChainWatch
	Interval       time.Duration
	UnderpaidGrace time.Duration
}

func (w *Worker) Run(ctx context.Context) {
	for currency, watch := range w.Chains {
		go w.RunWS(ctx, currency, watch)
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		if err := w.SweepOnce(ctx); err != nil {
			log.Printf("sweep error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce expires stale pending orders and escalates underpayments whose
// grace ran out. Reads already resolve expiry lazily; the sweep just keeps the
// stored rows from drifting.
func (w *Worker) SweepOnce(ctx context.Context) error {
	now := time.Now().UTC()

	expired, err := w.Store.ListExpiredPending(ctx, now)
	if err != nil {
		return err
	}
	for _, orderID := range expired {
		// GetOrder persists the expiry transition and its side effects.
		if _, err := w.Orders.GetOrder(ctx, orderID); err != nil {
			log.Printf("expire order %s failed: %v", orderID, err)
		}
	}

	underpaid, err := w.Store.ListUnderpaidBefore(ctx, now.Add(-w.UnderpaidGrace))
	if err != nil {
		return err
	}
	for _, orderID := range underpaid {
		if _, err := w.Orders.FailTransfer(ctx, orderID); err != nil {
			if errors.Is(err, exchange.ErrInvalidTransition) {
				continue
			}
			log.Printf("escalate underpaid order %s failed: %v", orderID, err)
		} else {
			log.Printf("order %s failed after underpayment grace", orderID)
		}
	}
	return nil
}

// RunWS listens for deposit events on one chain, reconnecting and rotating
// endpoints on failure.
func (w *Worker) RunWS(ctx context.Context, currency string, watch ChainWatch) {
	if len(watch.WSEndpoints) == 0 {
		log.Printf("ws disabled for %s: no endpoints configured", currency)
		return
	}

	endpoint := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client := chain.NewWSClient(watch.WSEndpoints[endpoint])
		if err := client.Connect(ctx); err != nil {
			log.Printf("ws connect %s failed: %v", currency, err)
			endpoint = (endpoint + 1) % len(watch.WSEndpoints)
			time.Sleep(3 * time.Second)
			continue
		}
		log.Printf("ws connected %s %s", currency, client.Endpoint)

		if err := client.Subscribe(ctx, "tm.event='Tx'"); err != nil {
			log.Printf("ws subscribe %s failed: %v", currency, err)
			client.Close()
			endpoint = (endpoint + 1) % len(watch.WSEndpoints)
			time.Sleep(3 * time.Second)
			continue
		}

		for {
			msg, err := client.Read(ctx)
			if err != nil {
				log.Printf("ws read %s failed: %v", currency, err)
				client.Close()
				break
			}
			w.handleMessage(ctx, currency, watch, msg)
		}

		// A dead read is as disqualifying as a failed connect.
		endpoint = (endpoint + 1) % len(watch.WSEndpoints)
		time.Sleep(2 * time.Second)
	}
}

func (w *Worker) handleMessage(ctx context.Context, currency string, watch ChainWatch, msg []byte) {
	deposits, err := chain.ParseDeposits(msg, watch.Denom, currency, watch.Decimals)
	if err != nil {
		log.Printf("ws parse %s failed: %v", currency, err)
		return
	}
	for _, d := range deposits {
		status := models.TxSuccess
		if d.Failed {
			status = models.TxFailed
		}
		err := w.Tracking.ObserveTransaction(ctx, currency, d.Recipient, tracking.ObservedTx{
			Direction: models.TransferIn,
			Status:    status,
			Amount:    d.Amount,
			Currency:  d.Currency,
			TxHash:    d.TxHash,
		})
		if err != nil {
			if errors.Is(err, tracking.ErrAddressNotFound) {
				// Transfer to an address we never issued.
				continue
			}
			log.Printf("observe deposit %s on %s failed: %v", d.TxHash, d.Recipient, err)
		}
	}
}

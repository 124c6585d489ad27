package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ninjadotorg/coin-exchange-backend/internal/chain"
	"github.com/ninjadotorg/coin-exchange-backend/internal/config"
	"github.com/ninjadotorg/coin-exchange-backend/internal/db"
	"github.com/ninjadotorg/coin-exchange-backend/internal/exchange"
	internalhttp "github.com/ninjadotorg/coin-exchange-backend/internal/http"
	"github.com/ninjadotorg/coin-exchange-backend/internal/limits"
	"github.com/ninjadotorg/coin-exchange-backend/internal/oracle"
	"github.com/ninjadotorg/coin-exchange-backend/internal/quote"
	"github.com/ninjadotorg/coin-exchange-backend/internal/rates"
	"github.com/ninjadotorg/coin-exchange-backend/internal/referral"
	"github.com/ninjadotorg/coin-exchange-backend/internal/store"
	"github.com/ninjadotorg/coin-exchange-backend/internal/tracking"
	"github.com/ninjadotorg/coin-exchange-backend/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)

	prices, err := oracle.NewMultiPriceClient(cfg.Rates.PriceEndpoints, cfg.Rates.PriceFailoverAt)
	if err != nil {
		log.Fatalf("price client failed: %v", err)
	}
	rateCache := rates.NewCache(oracle.NewRateClient(cfg.Rates.RateEndpoint, cfg.Rates.RateAppID), prices)

	coinCurrencies := make([]string, 0, len(cfg.Chains))
	derivers := make(map[string]chain.AddressDeriver, len(cfg.Chains))
	for currency, chainCfg := range cfg.Chains {
		coinCurrencies = append(coinCurrencies, currency)
		derivers[currency] = chain.AddressDeriver{XPub: chainCfg.XPub, Prefix: chainCfg.Bech32Prefix}
	}

	registry := tracking.NewRegistry(st, &chain.Pool{Derivers: derivers, Indexes: st})
	quotes := &quote.Engine{Cache: rateCache, Fees: st}
	limitPolicy := limits.NewPolicy(st, []string{rates.BaseCurrency})

	referrals := referral.NewService(st, st)
	orders := exchange.NewService(st, quotes, limitPolicy, registry)
	orders.Expiration = time.Duration(cfg.Orders.TTLMinutes) * time.Minute
	orders.Referrals = referrals
	// Deposits observed by the worker settle orders through this sink.
	registry.Payments = orders

	refresher := &worker.RatesRefresher{
		Cache:      rateCache,
		Currencies: coinCurrencies,
		Interval:   time.Duration(cfg.Rates.RefreshSeconds) * time.Second,
	}
	go refresher.Run(ctx)

	h := &internalhttp.Handler{
		Orders:          orders,
		Quotes:          quotes,
		Limits:          limitPolicy,
		Tracking:        registry,
		Rates:           rateCache,
		Referrals:       referrals,
		Users:           st,
		PriceCurrencies: coinCurrencies,
		FiatCurrencies:  cfg.Rates.Currencies,
	}
	srv := internalhttp.NewServer(h, st)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		log.Printf("api listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}

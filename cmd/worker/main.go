package main

import (
	"context"
	"log"
	"time"

	"github.com/ninjadotorg/coin-exchange-backend/internal/chain"
	"github.com/ninjadotorg/coin-exchange-backend/internal/config"
	"github.com/ninjadotorg/coin-exchange-backend/internal/db"
	"github.com/ninjadotorg/coin-exchange-backend/internal/exchange"
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

	ctx := context.Background()
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

	derivers := make(map[string]chain.AddressDeriver, len(cfg.Chains))
	watches := make(map[string]worker.ChainWatch, len(cfg.Chains))
	for currency, chainCfg := range cfg.Chains {
		derivers[currency] = chain.AddressDeriver{XPub: chainCfg.XPub, Prefix: chainCfg.Bech32Prefix}
		endpoints := chainCfg.WSEndpoints
		if len(endpoints) == 0 {
			for _, rpc := range chainCfg.RPCEndpoints {
				if ws := chain.DefaultWSEndpoint(rpc); ws != "" {
					endpoints = append(endpoints, ws)
				}
			}
		}
		watches[currency] = worker.ChainWatch{
			WSEndpoints: endpoints,
			Denom:       chainCfg.Denom,
			Decimals:    chainCfg.Decimals,
		}
	}

	registry := tracking.NewRegistry(st, &chain.Pool{Derivers: derivers, Indexes: st})
	quotes := &quote.Engine{Cache: rateCache, Fees: st}
	limitPolicy := limits.NewPolicy(st, []string{rates.BaseCurrency})

	orders := exchange.NewService(st, quotes, limitPolicy, registry)
	orders.Expiration = time.Duration(cfg.Orders.TTLMinutes) * time.Minute
	orders.Referrals = referral.NewService(st, st)
	registry.Payments = orders

	coinCurrencies := make([]string, 0, len(cfg.Chains))
	for currency := range cfg.Chains {
		coinCurrencies = append(coinCurrencies, currency)
	}
	refresher := &worker.RatesRefresher{
		Cache:      rateCache,
		Currencies: coinCurrencies,
		Interval:   time.Duration(cfg.Rates.RefreshSeconds) * time.Second,
	}
	go refresher.Run(ctx)

	w := &worker.Worker{
		Store:          st,
		Orders:         orders,
		Tracking:       registry,
		Chains:         watches,
		Interval:       time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
		UnderpaidGrace: time.Duration(cfg.Orders.UnderpaidGraceMinutes) * time.Minute,
	}

	log.Printf("worker started (%d chains)", len(watches))
	w.Run(ctx)
}

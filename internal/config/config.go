package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ChainConfig struct {
	RPCEndpoints []string `yaml:"rpc_endpoints"`
	WSEndpoints  []string `yaml:"ws_endpoints"`
	Denom        string   `yaml:"denom"`
	Decimals     int32    `yaml:"decimals"`
	Bech32Prefix string   `yaml:"bech32_prefix"`
	XPub         string   `yaml:"xpub"`
}

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Rates struct {
		PriceEndpoints  []string `yaml:"price_endpoints"`
		RateEndpoint    string   `yaml:"rate_endpoint"`
		RateAppID       string   `yaml:"rate_app_id"`
		Currencies      []string `yaml:"currencies"`
		RefreshSeconds  int      `yaml:"refresh_seconds"`
		PriceFailoverAt int      `yaml:"price_failover_threshold"`
	} `yaml:"rates"`
	Chains map[string]ChainConfig `yaml:"chains"`
	Orders struct {
		TTLMinutes            int `yaml:"ttl_minutes"`
		UnderpaidGraceMinutes int `yaml:"underpaid_grace_minutes"`
	} `yaml:"orders"`
	Worker struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"worker"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if len(cfg.Rates.PriceEndpoints) == 0 || cfg.Rates.RateEndpoint == "" {
		return nil, errors.New("rates endpoints are required")
	}
	if len(cfg.Rates.Currencies) == 0 {
		return nil, errors.New("rates.currencies is required")
	}
	for currency, chain := range cfg.Chains {
		if chain.Denom == "" || chain.Decimals <= 0 {
			return nil, fmt.Errorf("chain config for %s is incomplete", currency)
		}
		if chain.XPub == "" || chain.Bech32Prefix == "" {
			return nil, fmt.Errorf("wallet config for %s is incomplete", currency)
		}
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Orders.TTLMinutes <= 0 {
		cfg.Orders.TTLMinutes = 15
	}
	if cfg.Orders.UnderpaidGraceMinutes <= 0 {
		cfg.Orders.UnderpaidGraceMinutes = 24 * 60
	}
	if cfg.Rates.RefreshSeconds <= 0 {
		cfg.Rates.RefreshSeconds = 60
	}
	if cfg.Rates.PriceFailoverAt <= 0 {
		cfg.Rates.PriceFailoverAt = 3
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 30
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("PRICE_ENDPOINTS"); v != "" {
		cfg.Rates.PriceEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("RATE_ENDPOINT"); v != "" {
		cfg.Rates.RateEndpoint = v
	}
	if v := os.Getenv("RATE_APP_ID"); v != "" {
		cfg.Rates.RateAppID = v
	}
	if v := os.Getenv("RATE_CURRENCIES"); v != "" {
		cfg.Rates.Currencies = splitCommaList(v)
	}
	if v := os.Getenv("RATE_REFRESH_SECONDS"); v != "" {
		cfg.Rates.RefreshSeconds = atoiOr(cfg.Rates.RefreshSeconds, v)
	}
	if v := os.Getenv("ORDER_TTL_MINUTES"); v != "" {
		cfg.Orders.TTLMinutes = atoiOr(cfg.Orders.TTLMinutes, v)
	}
	if v := os.Getenv("ORDER_UNDERPAID_GRACE_MINUTES"); v != "" {
		cfg.Orders.UnderpaidGraceMinutes = atoiOr(cfg.Orders.UnderpaidGraceMinutes, v)
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoiOr(cfg.Worker.IntervalSeconds, v)
	}
	// Per-currency wallet overrides, e.g. BTC_XPUB / ETH_XPUB.
	for currency, chain := range cfg.Chains {
		prefix := strings.ToUpper(currency)
		if v := os.Getenv(prefix + "_XPUB"); v != "" {
			chain.XPub = v
		}
		if v := os.Getenv(prefix + "_WS_ENDPOINTS"); v != "" {
			chain.WSEndpoints = splitCommaList(v)
		}
		cfg.Chains[currency] = chain
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

package oracle

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// MultiPriceClient rotates across several price endpoints. The active endpoint
// is retired after failThreshold consecutive failures; every call also retries
// the remaining endpoints before giving up.
type MultiPriceClient struct {
	clients       []*PriceClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiPriceClient(endpoints []string, failThreshold int) (*MultiPriceClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("price endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*PriceClient, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewPriceClient(ep))
	}
	return &MultiPriceClient{
		clients:       clients,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiPriceClient) GetBuyPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	return m.fetch(ctx, func(c *PriceClient) (decimal.Decimal, error) {
		return c.GetBuyPrice(ctx, currency)
	})
}

func (m *MultiPriceClient) GetSellPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	return m.fetch(ctx, func(c *PriceClient) (decimal.Decimal, error) {
		return c.GetSellPrice(ctx, currency)
	})
}

func (m *MultiPriceClient) fetch(ctx context.Context, call func(*PriceClient) (decimal.Decimal, error)) (decimal.Decimal, error) {
	var lastErr error
	for attempts := 0; attempts < len(m.clients); attempts++ {
		client, idx := m.currentClient()
		out, err := call(client)
		if err == nil {
			m.resetFailures(idx)
			return out, nil
		}
		lastErr = err
		m.noteFailure(idx)
		if m.shouldRotate() || len(m.clients) > 1 {
			m.rotate()
		}
	}
	return decimal.Decimal{}, lastErr
}

func (m *MultiPriceClient) currentClient() (*PriceClient, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiPriceClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiPriceClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiPriceClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

func (m *MultiPriceClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}

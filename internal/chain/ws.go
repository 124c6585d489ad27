package chain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *WSClient) Subscribe(ctx context.Context, query string) error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "subscribe",
		"params": map[string]any{
			"query": query,
		},
	}
	return c.Conn.WriteJSON(payload)
}

func (c *WSClient) Read(ctx context.Context) ([]byte, error) {
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// Deposit is one inbound transfer extracted from a chain event message.
type Deposit struct {
	Recipient string
	Amount    decimal.Decimal
	Currency  string
	TxHash    string
	Failed    bool
}

type wsTx struct {
	Hash   string
	Code   int
	Events []wsEvent
}

type wsEvent struct {
	Type       string
	Attributes map[string]string
}

// ParseDeposits extracts transfers of the given denom from one websocket
// message. Amounts arrive as integer base units and are shifted into the
// currency's decimal representation.
func ParseDeposits(msg []byte, denom, currency string, decimals int32) ([]Deposit, error) {
	tx, ok, err := parseWSTx(msg)
	if err != nil || !ok {
		return nil, err
	}

	var out []Deposit
	for _, ev := range tx.Events {
		if ev.Type != "transfer" && ev.Type != "coin_received" {
			continue
		}
		recipient := ev.Attributes["recipient"]
		if recipient == "" {
			recipient = ev.Attributes["receiver"]
		}
		if recipient == "" {
			continue
		}
		units, ok := amountForDenom(ev.Attributes["amount"], denom)
		if !ok {
			continue
		}
		out = append(out, Deposit{
			Recipient: recipient,
			Amount:    units.Shift(-decimals),
			Currency:  currency,
			TxHash:    tx.Hash,
			Failed:    tx.Code != 0,
		})
	}
	return out, nil
}

func parseWSTx(msg []byte) (*wsTx, bool, error) {
	var env struct {
		Result struct {
			Data json.RawMessage `json:"data"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, false, err
	}
	if env.Error != nil {
		return nil, false, errors.New(env.Error.Message)
	}
	if len(env.Result.Data) == 0 {
		return nil, false, nil
	}

	var data struct {
		Type  string `json:"type"`
		Value struct {
			TxResult struct {
				Hash   string `json:"hash"`
				Result struct {
					Code   int `json:"code"`
					Events []struct {
						Type       string `json:"type"`
						Attributes []struct {
							Key   string `json:"key"`
							Value string `json:"value"`
						} `json:"attributes"`
					} `json:"events"`
				} `json:"result"`
			} `json:"TxResult"`
		} `json:"value"`
	}
	if err := json.Unmarshal(env.Result.Data, &data); err != nil {
		return nil, false, err
	}
	if !strings.Contains(data.Type, "Tx") {
		return nil, false, nil
	}

	tx := &wsTx{
		Hash: strings.ToUpper(strings.TrimSpace(data.Value.TxResult.Hash)),
		Code: data.Value.TxResult.Result.Code,
	}
	for _, ev := range data.Value.TxResult.Result.Events {
		parsed := wsEvent{Type: ev.Type, Attributes: make(map[string]string, len(ev.Attributes))}
		for _, attr := range ev.Attributes {
			parsed.Attributes[attr.Key] = attr.Value
		}
		tx.Events = append(tx.Events, parsed)
	}
	return tx, true, nil
}

// amountForDenom picks the coin of the wanted denom out of a comma-separated
// coin list like "1200ubtc,5ueth".
func amountForDenom(amount, denom string) (decimal.Decimal, bool) {
	for _, coin := range strings.Split(amount, ",") {
		coin = strings.TrimSpace(coin)
		if coin == "" {
			continue
		}
		idx := firstNonDigit(coin)
		if idx <= 0 {
			continue
		}
		if coin[idx:] != denom {
			continue
		}
		// Base units can exceed int64 on high-decimal denoms; parse as a
		// decimal, never through machine integers.
		units, err := decimal.NewFromString(coin[:idx])
		if err != nil {
			continue
		}
		return units, true
	}
	return decimal.Decimal{}, false
}

func firstNonDigit(s string) int {
	for i, r := range s {
		if r < '0' || r > '9' {
			return i
		}
	}
	return -1
}

// DefaultWSEndpoint maps an RPC endpoint to its websocket counterpart.
func DefaultWSEndpoint(rpc string) string {
	if strings.HasPrefix(rpc, "ws://") || strings.HasPrefix(rpc, "wss://") {
		if strings.HasSuffix(rpc, "/websocket") {
			return rpc
		}
		return strings.TrimRight(rpc, "/") + "/websocket"
	}
	if strings.HasPrefix(rpc, "https://") {
		return "wss://" + strings.TrimPrefix(strings.TrimRight(rpc, "/"), "https://") + "/websocket"
	}
	if strings.HasPrefix(rpc, "http://") {
		return "ws://" + strings.TrimPrefix(strings.TrimRight(rpc, "/"), "http://") + "/websocket"
	}
	return ""
}

package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// wsDropServer accepts one subscription, reports the hit, then drops the
// connection so the client sees a read failure.
func wsDropServer(hits chan<- string, name string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hits <- name
		_, _, _ = conn.ReadMessage()
		conn.Close()
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRunWSRotatesAfterReadFailure(t *testing.T) {
	hits := make(chan string, 8)
	first := wsDropServer(hits, "first")
	defer first.Close()
	second := wsDropServer(hits, "second")
	defer second.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &Worker{}
	go w.RunWS(ctx, "BTC", ChainWatch{
		WSEndpoints: []string{wsURL(first), wsURL(second)},
		Denom:       "ubtc",
		Decimals:    8,
	})

	// A dropped connection must move the listener to the next endpoint, not
	// hammer the one that just failed.
	for _, want := range []string{"first", "second"} {
		select {
		case got := <-hits:
			require.Equal(t, want, got)
		case <-time.After(10 * time.Second):
			t.Fatalf("no connection to %s endpoint", want)
		}
	}
}

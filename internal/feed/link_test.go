package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfeed/tickflow/internal/aggregation"
)

func newLink(t *testing.T, cfg Config, onUpdate func()) (*Link, *aggregation.Engine) {
	t.Helper()
	engine := aggregation.NewEngine(zap.NewNop())
	return NewLink(cfg, engine, onUpdate, zap.NewNop()), engine
}

func TestNextBackoff(t *testing.T) {
	link, _ := newLink(t, Config{
		ReconnectDelay:       5 * time.Second,
		BackoffCap:           5,
		MaxReconnectAttempts: 10,
		LongRetryDelay:       time.Minute,
	}, nil)

	wait, next := link.nextBackoff(1)
	assert.Equal(t, 5*time.Second, wait)
	assert.Equal(t, 1, next)

	wait, next = link.nextBackoff(3)
	assert.Equal(t, 15*time.Second, wait)
	assert.Equal(t, 3, next)

	// The multiplier is capped while the attempt counter keeps growing.
	wait, next = link.nextBackoff(7)
	assert.Equal(t, 25*time.Second, wait)
	assert.Equal(t, 7, next)

	// Past the attempt limit the link takes one long wait and starts over.
	wait, next = link.nextBackoff(11)
	assert.Equal(t, time.Minute, wait)
	assert.Equal(t, 0, next)
}

func TestConfigDefaults(t *testing.T) {
	link, _ := newLink(t, Config{}, nil)
	assert.Equal(t, 100, link.cfg.CatchUpLimit)
	assert.Equal(t, 5*time.Second, link.cfg.ReconnectDelay)
	assert.Equal(t, 5, link.cfg.BackoffCap)
	assert.Equal(t, 10, link.cfg.MaxReconnectAttempts)
	assert.Equal(t, time.Minute, link.cfg.LongRetryDelay)
}

func TestCatchUpIngestsHistory(t *testing.T) {
	var gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"timestamp":"2025-01-15T09:30:00.1Z","price":"100","quantity":10,"venue":"NYSE"},
			{"timestamp":"2025-01-15T09:30:00.9Z","price":"102","quantity":5,"venue":"NASDAQ"}
		]`))
	}))
	defer srv.Close()

	var updates atomic.Int32
	link, engine := newLink(t, Config{
		CatchUpURL:   srv.URL,
		CatchUpLimit: 50,
	}, func() { updates.Add(1) })

	link.catchUp(context.Background())

	assert.Equal(t, "50", gotLimit)
	assert.Equal(t, int64(2), engine.Summary().TradeCount)
	assert.Equal(t, int32(1), updates.Load())
}

func TestCatchUpFailuresAreNonFatal(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		link, engine := newLink(t, Config{CatchUpURL: "http://127.0.0.1:1"}, nil)
		link.catchUp(context.Background())
		assert.Equal(t, int64(0), engine.Summary().TradeCount)
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()
		link, engine := newLink(t, Config{CatchUpURL: srv.URL}, nil)
		link.catchUp(context.Background())
		assert.Equal(t, int64(0), engine.Summary().TradeCount)
	})

	t.Run("bad payload", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}))
		defer srv.Close()
		link, engine := newLink(t, Config{CatchUpURL: srv.URL}, nil)
		link.catchUp(context.Background())
		assert.Equal(t, int64(0), engine.Summary().TradeCount)
	})
}

func TestStreamIngestsBatches(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{
			"type":"trades",
			"timestamp":"2025-01-15T09:30:00Z",
			"trades":[{"timestamp":"2025-01-15T09:30:00.1Z","price":"100","quantity":10,"venue":"NYSE"}]
		}`))
	}))
	defer srv.Close()

	var updates atomic.Int32
	link, engine := newLink(t, Config{
		FeedURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}, func() { updates.Add(1) })

	established, err := link.stream(context.Background())
	assert.True(t, established)
	assert.Error(t, err, "stream ends when the server closes the connection")

	// The malformed frame is skipped, the trades batch lands in the engine.
	assert.Equal(t, int64(1), engine.Summary().TradeCount)
	assert.Equal(t, int32(1), updates.Load())
}

func TestStreamDialFailure(t *testing.T) {
	link, _ := newLink(t, Config{FeedURL: "ws://127.0.0.1:1/ws"}, nil)
	established, err := link.stream(context.Background())
	assert.False(t, established)
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	link, _ := newLink(t, Config{
		FeedURL:        "ws://127.0.0.1:1/ws",
		CatchUpURL:     "http://127.0.0.1:1/trades",
		ReconnectDelay: time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		link.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, Disconnected, link.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "catching_up", CatchingUp.String())
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "reconnecting", Reconnecting.String())
}

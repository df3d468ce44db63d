// Package feed maintains the consumer's connection to the upstream
// simulator: a one-shot historical catch-up pull, then a live websocket
// subscription, reconnecting with bounded backoff on any failure.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/quantfeed/tickflow/internal/aggregation"
	"github.com/quantfeed/tickflow/pkg/models"
)

// State is the link's position in its connection lifecycle.
type State int32

const (
	Disconnected State = iota
	CatchingUp
	Streaming
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case CatchingUp:
		return "catching_up"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var (
	feedReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickflow_feed_reconnects_total",
		Help: "Reconnection attempts against the upstream feed.",
	})
	feedBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickflow_feed_batches_total",
		Help: "Trade batches received from the upstream feed.",
	})
)

func init() {
	prometheus.MustRegister(feedReconnectsTotal, feedBatchesTotal)
}

// Config locates the upstream endpoints and tunes the retry policy.
type Config struct {
	// FeedURL is the websocket push endpoint (ws://host/ws).
	FeedURL string
	// CatchUpURL is the historical pull endpoint (http://host/trades).
	CatchUpURL string
	// CatchUpLimit caps the number of historical trades pulled on attach.
	CatchUpLimit int
	// ReconnectDelay is the backoff base; attempt n waits
	// ReconnectDelay * min(n, BackoffCap).
	ReconnectDelay time.Duration
	// BackoffCap bounds the backoff multiplier.
	BackoffCap int
	// MaxReconnectAttempts is the attempt count after which the link falls
	// back to LongRetryDelay and resets its counter (slow-poll mode, never a
	// permanent give-up).
	MaxReconnectAttempts int
	// LongRetryDelay is the slow-poll wait once MaxReconnectAttempts is
	// exceeded.
	LongRetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.CatchUpLimit <= 0 {
		c.CatchUpLimit = 100
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.LongRetryDelay <= 0 {
		c.LongRetryDelay = time.Minute
	}
}

// Link feeds the aggregation engine from the upstream simulator and survives
// upstream restarts. Run owns the connection; State is readable from any
// goroutine.
type Link struct {
	logger   *zap.Logger
	cfg      Config
	engine   *aggregation.Engine
	onUpdate func()
	httpc    *http.Client
	state    atomic.Int32
}

// NewLink creates a link. onUpdate, when non-nil, runs after every batch the
// engine accepts; the dashboard uses it to push fresh snapshots.
func NewLink(cfg Config, engine *aggregation.Engine, onUpdate func(), logger *zap.Logger) *Link {
	cfg.applyDefaults()
	return &Link{
		logger:   logger,
		cfg:      cfg,
		engine:   engine,
		onUpdate: onUpdate,
		httpc:    &http.Client{Timeout: 10 * time.Second},
	}
}

// State returns the link's current lifecycle state.
func (l *Link) State() State {
	return State(l.state.Load())
}

func (l *Link) setState(s State) {
	l.state.Store(int32(s))
}

// Run drives the connection lifecycle until the context is cancelled.
// Cancellation closes any open connection; no goroutine outlives Run.
func (l *Link) Run(ctx context.Context) {
	defer l.setState(Disconnected)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		l.setState(CatchingUp)
		l.catchUp(ctx)

		established, err := l.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if established {
			attempts = 0
		}
		attempts++
		feedReconnectsTotal.Inc()

		l.setState(Reconnecting)
		wait, next := l.nextBackoff(attempts)
		l.logger.Warn("upstream feed lost, reconnecting",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait))
		attempts = next

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// nextBackoff returns the wait before the given attempt number retries, and
// the attempt counter to carry forward. Past MaxReconnectAttempts the link
// takes one long wait and starts counting again.
func (l *Link) nextBackoff(attempts int) (time.Duration, int) {
	if attempts > l.cfg.MaxReconnectAttempts {
		return l.cfg.LongRetryDelay, 0
	}
	mult := attempts
	if mult > l.cfg.BackoffCap {
		mult = l.cfg.BackoffCap
	}
	return time.Duration(mult) * l.cfg.ReconnectDelay, attempts
}

// catchUp pulls recent history and feeds it to the engine. Catch-up is
// best-effort: on any failure the link logs and proceeds straight to the
// live stream.
func (l *Link) catchUp(ctx context.Context) {
	url := fmt.Sprintf("%s?limit=%d", l.cfg.CatchUpURL, l.cfg.CatchUpLimit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		l.logger.Warn("catch-up request build failed", zap.Error(err))
		return
	}
	resp, err := l.httpc.Do(req)
	if err != nil {
		l.logger.Warn("catch-up pull failed, proceeding to live stream", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		l.logger.Warn("catch-up pull rejected", zap.Int("status", resp.StatusCode))
		return
	}

	var trades []models.Trade
	if err := json.NewDecoder(resp.Body).Decode(&trades); err != nil {
		l.logger.Warn("catch-up payload unreadable", zap.Error(err))
		return
	}
	if l.engine.Ingest(trades) {
		l.logger.Info("historical catch-up applied", zap.Int("trades", len(trades)))
		l.notify()
	}
}

// stream opens the push subscription and ingests batches until the
// connection fails or the context is cancelled. It reports whether the
// subscription was ever established so Run can reset its backoff counter.
func (l *Link) stream(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.FeedURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", l.cfg.FeedURL, err)
	}
	defer conn.Close()

	// Unblock the read loop when the context is cancelled.
	streamDone := make(chan struct{})
	defer close(streamDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-streamDone:
		}
	}()

	l.setState(Streaming)
	l.logger.Info("live feed connected", zap.String("url", l.cfg.FeedURL))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read feed: %w", err)
		}
		var msg models.FeedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// One malformed message is a data-quality problem, not a
			// connection problem.
			l.logger.Warn("skipping malformed feed message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case models.FeedTypeTrades:
			feedBatchesTotal.Inc()
			if l.engine.Ingest(msg.Trades) {
				l.notify()
			}
		case models.FeedTypeConnected:
			l.logger.Info("feed handshake received")
		case models.FeedTypePong:
		default:
			l.logger.Debug("ignoring feed message", zap.String("type", msg.Type))
		}
	}
}

func (l *Link) notify() {
	if l.onUpdate != nil {
		l.onUpdate()
	}
}

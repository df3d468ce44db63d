// Package replay turns the static tick dataset into a speed-controllable
// live feed, one second bucket per wall-clock tick.
package replay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfeed/tickflow/internal/tickstore"
	"github.com/quantfeed/tickflow/pkg/models"
)

// Speed factor bounds accepted by SetSpeed.
const (
	MinSpeedFactor = 0.1
	MaxSpeedFactor = 10.0
)

const defaultBaseInterval = time.Second

// ErrInvalidSpeed is returned when a speed factor falls outside
// [MinSpeedFactor, MaxSpeedFactor]. The scheduler state is unchanged.
var ErrInvalidSpeed = errors.New("speed factor must be between 0.1 and 10.0")

// Publisher receives the encoded feed messages emitted by the advance loop.
type Publisher interface {
	Publish(payload []byte)
}

// Scheduler owns the virtual playhead over the dataset's second buckets.
// All state transitions go through its mutex; the advance loop runs on its
// own goroutine while the scheduler is running.
type Scheduler struct {
	logger       *zap.Logger
	store        *tickstore.Store
	pub          Publisher
	baseInterval time.Duration

	mu       sync.Mutex
	playhead int
	running  bool
	speed    float64
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithBaseInterval overrides the real-time pace of one bucket per second.
func WithBaseInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.baseInterval = d
	}
}

// NewScheduler creates an idle scheduler positioned at the first bucket.
func NewScheduler(store *tickstore.Store, pub Publisher, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:       logger,
		store:        store,
		pub:          pub,
		baseInterval: defaultBaseInterval,
		speed:        1.0,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the advance loop. It reports false, without side effects,
// when the scheduler is already running. A restart waits for the previous
// loop to drain first, so two loops never emit concurrently.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	prev := s.done
	s.mu.Unlock()

	if prev != nil {
		<-prev
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	s.logger.Info("starting trade replay")
	go s.advance(stop, done)
	return true
}

// Stop signals the advance loop to exit; the loop observes the signal within
// one scheduling interval. Reports false when the scheduler was not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.running = false
	close(s.stop)
	return true
}

// Reset rewinds the playhead to the first bucket without changing the run
// state.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.playhead = 0
	s.mu.Unlock()
	s.logger.Info("replay playhead reset")
}

// SetSpeed updates the speed factor used to scale the sleep interval between
// bucket emissions. Valid in any run state.
func (s *Scheduler) SetSpeed(factor float64) error {
	if factor < MinSpeedFactor || factor > MaxSpeedFactor {
		return ErrInvalidSpeed
	}
	s.mu.Lock()
	s.speed = factor
	s.mu.Unlock()
	s.logger.Info("replay speed updated", zap.Float64("speed_factor", factor))
	return nil
}

// Running reports whether the advance loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns a point-in-time view of the simulation state.
func (s *Scheduler) Status() models.StatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := "stopped"
	if s.running {
		status = "running"
	}
	resp := models.StatusResponse{
		Status:             status,
		TotalSeconds:       s.store.BucketCount(),
		CurrentSecondIndex: s.playhead,
		SpeedFactor:        s.speed,
	}
	if bucket, ok := s.store.BucketAt(s.playhead); ok {
		resp.CurrentSecond = bucket.Second.Format(time.RFC3339)
	}
	return resp
}

// CatchUp returns the most recent trades, capped to limit, drawn in bucket
// order from the buckets the playhead has already passed. A newly-attaching
// consumer calls this once to backfill the state it missed.
func (s *Scheduler) CatchUp(limit int) []models.Trade {
	s.mu.Lock()
	playhead := s.playhead
	s.mu.Unlock()

	if playhead > s.store.BucketCount() {
		playhead = s.store.BucketCount()
	}
	var trades []models.Trade
	for i := 0; i < playhead; i++ {
		bucket, ok := s.store.BucketAt(i)
		if !ok {
			break
		}
		trades = append(trades, bucket.Trades...)
	}
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	return trades
}

// advance emits one bucket per speed-scaled interval until stopped.
// Reaching the end of the data wraps back to the first bucket.
func (s *Scheduler) advance(stop, done chan struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		if s.playhead >= s.store.BucketCount() {
			s.logger.Info("end of trade data reached, restarting replay")
			s.playhead = 0
		}
		index := s.playhead
		s.playhead++
		interval := time.Duration(float64(s.baseInterval) / s.speed)
		s.mu.Unlock()

		s.emit(index)

		select {
		case <-stop:
			s.logger.Info("trade replay stopped")
			return
		case <-time.After(interval):
		}
	}
}

// emit broadcasts the bucket at the given index; empty buckets are skipped
// so subscribers never receive empty payloads.
func (s *Scheduler) emit(index int) {
	bucket, ok := s.store.BucketAt(index)
	if !ok || len(bucket.Trades) == 0 {
		return
	}
	payload, err := json.Marshal(models.FeedMessage{
		Type:      models.FeedTypeTrades,
		Timestamp: bucket.Second,
		Trades:    bucket.Trades,
	})
	if err != nil {
		s.logger.Error("failed to encode feed batch", zap.Error(err))
		return
	}
	s.pub.Publish(payload)
}

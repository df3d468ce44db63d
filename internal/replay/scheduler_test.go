package replay

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfeed/tickflow/internal/tickstore"
)

const testCSV = `datetime,price,quantity,venue
2025-01-15 09:30:00:100,100.00,10,NYSE
2025-01-15 09:30:00:900,102.00,5,NASDAQ
2025-01-15 09:30:01:200,101.00,20,NYSE
2025-01-15 09:30:02:000,101.50,8,ARCA
`

func loadTestStore(t *testing.T) *tickstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticks.csv")
	require.NoError(t, os.WriteFile(path, []byte(testCSV), 0o644))
	store, err := tickstore.Load(path, zap.NewNop())
	require.NoError(t, err)
	return store
}

type capturePublisher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (p *capturePublisher) Publish(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func TestStartStop(t *testing.T) {
	pub := &capturePublisher{}
	sched := NewScheduler(loadTestStore(t), pub, zap.NewNop(), WithBaseInterval(time.Millisecond))

	assert.False(t, sched.Running())
	assert.True(t, sched.Start())
	assert.False(t, sched.Start(), "second start must be a no-op")
	assert.True(t, sched.Running())

	assert.True(t, sched.Stop())
	assert.False(t, sched.Stop(), "second stop must be a no-op")
	assert.False(t, sched.Running())
}

func TestEmitsBucketsAndWrapsAround(t *testing.T) {
	pub := &capturePublisher{}
	sched := NewScheduler(loadTestStore(t), pub, zap.NewNop(), WithBaseInterval(time.Millisecond))

	require.True(t, sched.Start())
	defer sched.Stop()

	// The dataset has 3 buckets; seeing more emissions than that proves the
	// playhead wrapped back to the start.
	require.Eventually(t, func() bool {
		return pub.count() > 3
	}, 2*time.Second, time.Millisecond)
}

func TestResetDoesNotChangeRunState(t *testing.T) {
	pub := &capturePublisher{}
	sched := NewScheduler(loadTestStore(t), pub, zap.NewNop(), WithBaseInterval(time.Hour))

	sched.Reset()
	assert.False(t, sched.Running(), "reset while stopped must stay stopped")

	require.True(t, sched.Start())
	defer sched.Stop()
	sched.Reset()
	assert.True(t, sched.Running(), "reset while running must stay running")
	assert.Equal(t, 0, sched.Status().CurrentSecondIndex)
}

func TestSetSpeedBounds(t *testing.T) {
	sched := NewScheduler(loadTestStore(t), &capturePublisher{}, zap.NewNop())

	assert.ErrorIs(t, sched.SetSpeed(0.05), ErrInvalidSpeed)
	assert.ErrorIs(t, sched.SetSpeed(10.5), ErrInvalidSpeed)
	assert.ErrorIs(t, sched.SetSpeed(-1), ErrInvalidSpeed)
	assert.Equal(t, 1.0, sched.Status().SpeedFactor, "rejected speed must not change state")

	assert.NoError(t, sched.SetSpeed(MinSpeedFactor))
	assert.NoError(t, sched.SetSpeed(MaxSpeedFactor))
	assert.NoError(t, sched.SetSpeed(2.0))
	assert.Equal(t, 2.0, sched.Status().SpeedFactor)
}

func TestStatus(t *testing.T) {
	sched := NewScheduler(loadTestStore(t), &capturePublisher{}, zap.NewNop(), WithBaseInterval(time.Hour))

	status := sched.Status()
	assert.Equal(t, "stopped", status.Status)
	assert.Equal(t, 3, status.TotalSeconds)
	assert.Equal(t, 0, status.CurrentSecondIndex)
	assert.Equal(t, "2025-01-15T09:30:00Z", status.CurrentSecond)
	assert.Equal(t, 1.0, status.SpeedFactor)

	require.True(t, sched.Start())
	defer sched.Stop()
	assert.Equal(t, "running", sched.Status().Status)
}

func TestRestartWaitsForPreviousLoop(t *testing.T) {
	pub := &capturePublisher{}
	sched := NewScheduler(loadTestStore(t), pub, zap.NewNop(), WithBaseInterval(time.Hour))

	for i := 0; i < 20; i++ {
		require.True(t, sched.Start())

		sched.mu.Lock()
		done := sched.done
		sched.mu.Unlock()

		require.True(t, sched.Stop())
		require.True(t, sched.Start())

		// By the time the restart returns, the previous run's loop must have
		// fully drained; overlapping loops would double-emit buckets.
		select {
		case <-done:
		default:
			t.Fatal("previous advance loop still running after restart")
		}
		require.True(t, sched.Stop())
	}
	assert.False(t, sched.Running())
}

func TestHigherSpeedEmitsFaster(t *testing.T) {
	run := func(speed float64) int {
		pub := &capturePublisher{}
		sched := NewScheduler(loadTestStore(t), pub, zap.NewNop(), WithBaseInterval(20*time.Millisecond))
		require.NoError(t, sched.SetSpeed(speed))
		require.True(t, sched.Start())
		time.Sleep(300 * time.Millisecond)
		sched.Stop()
		return pub.count()
	}

	slow := run(1.0)
	fast := run(10.0)
	// At 10x the interval is a tenth; even with scheduling jitter the fast run
	// must emit well over twice as often.
	assert.Greater(t, fast, 2*slow)
}

func TestCatchUp(t *testing.T) {
	pub := &capturePublisher{}
	sched := NewScheduler(loadTestStore(t), pub, zap.NewNop(), WithBaseInterval(time.Millisecond))

	assert.Empty(t, sched.CatchUp(100), "nothing replayed yet, nothing to catch up on")

	require.True(t, sched.Start())
	require.Eventually(t, func() bool {
		return pub.count() >= 3
	}, 2*time.Second, time.Millisecond)
	sched.Stop()

	all := sched.CatchUp(100)
	assert.NotEmpty(t, all)

	capped := sched.CatchUp(2)
	require.Len(t, capped, 2)
	// The cap keeps the most recent trades, so the capped slice is the tail
	// of the full history.
	assert.Equal(t, all[len(all)-2:], capped)
}

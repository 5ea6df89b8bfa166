package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/acu_interface/acu"
	"github.com/w1xm/acu_interface/faults"
	"github.com/w1xm/acu_interface/internal/clock"
)

var start = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

// rampSource moves azimuth towards a goal at a fixed rate, driven by the
// clock.
type rampSource struct {
	mu    sync.Mutex
	clock clock.Clock
	begin time.Time
	from  float64
	to    float64
	rate  float64
	polls int
	err   error
}

func (r *rampSource) Status(ctx context.Context) (acu.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	if r.err != nil {
		return acu.Status{}, r.err
	}
	elapsed := r.clock.Now().Sub(r.begin).Seconds()
	az := r.from + r.rate*elapsed
	vel := r.rate
	if (r.rate > 0 && az >= r.to) || (r.rate < 0 && az <= r.to) || r.rate == 0 {
		az, vel = r.to, 0
	}
	return acu.Status{Time: r.clock.Now(), Az: az, El: 45, AzVel: vel, AzMode: acu.ModePreset, ElMode: acu.ModePreset, Remote: true}, nil
}

func TestWaitOnTarget(t *testing.T) {
	c := clock.NewFake(start)
	src := &rampSource{clock: c, begin: start, from: 10, to: 15, rate: 1}
	m := New(src, c, Config{Interval: time.Second, Debounce: 2 * time.Second})

	s, err := m.WaitOnTarget(context.Background(), 15, 45, 0.001, time.Minute)
	require.NoError(t, err)
	assert.True(t, s.OnTarget)
	assert.True(t, s.Stopped)
	// Arrives at t=5 s, then must hold for 2 s.
	assert.Equal(t, start.Add(7*time.Second), c.Now())
	assert.Equal(t, 8, src.polls)
}

func TestWaitOnTargetTimeout(t *testing.T) {
	c := clock.NewFake(start)
	src := &rampSource{clock: c, begin: start, from: 10, to: 100, rate: 1}
	m := New(src, c, Config{Interval: time.Second})

	_, err := m.WaitOnTarget(context.Background(), 100, 45, 0.001, 10*time.Second)
	assert.ErrorIs(t, err, faults.ErrMotionTimeout)
	assert.Equal(t, start.Add(10*time.Second), c.Now())
}

func TestWaitCancelled(t *testing.T) {
	c := clock.NewFake(start)
	src := &rampSource{clock: c, begin: start, from: 10, to: 100, rate: 1}
	m := New(src, c, Config{Interval: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	c.OnSleep = func(now time.Time) {
		if now.Sub(start) >= 3*time.Second {
			cancel()
		}
	}
	_, err := m.WaitOnTarget(ctx, 100, 45, 0.001, time.Minute)
	assert.ErrorIs(t, err, faults.ErrCancelled)
	assert.Equal(t, 3, src.polls)
}

func TestPollError(t *testing.T) {
	c := clock.NewFake(start)
	src := &rampSource{clock: c, err: errors.New("boom")}
	m := New(src, c, Config{})
	_, err := m.Poll(context.Background())
	assert.Error(t, err)
	_, ok := m.Last()
	assert.False(t, ok)
}

func TestDebounceResets(t *testing.T) {
	c := clock.NewFake(start)
	src := &rampSource{clock: c, begin: start, from: 20, to: 20}
	m := New(src, c, Config{Debounce: 2 * time.Second})
	m.SetTarget(20, 45)
	ctx := context.Background()

	s, err := m.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, s.OnTarget, "not yet debounced")
	c.Advance(2 * time.Second)
	s, _ = m.Poll(ctx)
	assert.True(t, s.OnTarget)

	// A new target restarts the debounce.
	m.SetTarget(20.0005, 45)
	s, _ = m.Poll(ctx)
	assert.False(t, s.OnTarget)
	assert.True(t, s.HasTarget)

	m.ClearTarget()
	s, _ = m.Poll(ctx)
	assert.False(t, s.HasTarget)
	assert.False(t, s.OnTarget)
}

func TestDefaultDebounce(t *testing.T) {
	for _, tt := range []struct {
		name     string
		debounce time.Duration
		want     time.Duration
	}{
		{"default", 0, QUIESCENT_TIME},
		{"explicit", 3 * time.Second, 3 * time.Second},
		{"disabled", -1, 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := clock.NewFake(start)
			src := &rampSource{clock: c, begin: start, from: 20, to: 20}
			m := New(src, c, Config{Debounce: tt.debounce})
			assert.Equal(t, tt.want, m.Config().Debounce)

			m.SetTarget(20, 45)
			s, err := m.Poll(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want == 0, s.OnTarget, "on target from one sample")
			assert.Equal(t, tt.want == 0, s.Stopped, "stopped from one sample")
		})
	}
}

func TestEstimateVelocity(t *testing.T) {
	c := clock.NewFake(start)
	src := &rampSource{clock: c, begin: start, from: 0, to: 100, rate: 2}
	m := New(src, c, Config{})
	_, _, ok := m.EstimateVelocity()
	assert.False(t, ok)
	ctx := context.Background()
	m.Poll(ctx)
	c.Advance(500 * time.Millisecond)
	m.Poll(ctx)
	az, el, ok := m.EstimateVelocity()
	require.True(t, ok)
	assert.InDelta(t, 2.0, az, 1e-9)
	assert.Equal(t, 0.0, el)
}

func TestSubscribe(t *testing.T) {
	c := clock.NewFake(start)
	src := &rampSource{clock: c, begin: start, from: 0, to: 0}
	m := New(src, c, Config{})
	ch, cancel := m.Subscribe()
	m.Poll(context.Background())
	select {
	case s := <-ch:
		assert.Equal(t, 45.0, s.El)
	default:
		t.Fatal("no sample delivered")
	}
	cancel()
	cancel()
	m.Poll(context.Background())
	select {
	case <-ch:
		t.Fatal("sample delivered after unsubscribe")
	default:
	}
	// A slow subscriber never blocks polling.
	_, cancel = m.Subscribe()
	defer cancel()
	for i := 0; i < 100; i++ {
		_, err := m.Poll(context.Background())
		require.NoError(t, err)
	}
}

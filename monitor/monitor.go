// Package monitor polls ACU telemetry and decides when the antenna has
// reached a commanded position and come to rest.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/w1xm/acu_interface/acu"
	"github.com/w1xm/acu_interface/faults"
	"github.com/w1xm/acu_interface/internal/clock"
	"github.com/w1xm/acu_interface/internal/metrics"
)

const (
	// QUIESCENT_VELOCITY is the speed in degrees/second below which an axis
	// counts as at rest.
	QUIESCENT_VELOCITY = 0.01
	// QUIESCENT_TIME is how long a condition must hold before it is reported.
	QUIESCENT_TIME = 1 * time.Second
	// DefaultTolerance is the on-target radius in degrees.
	DefaultTolerance = 0.001
	DefaultInterval  = 1 * time.Second
)

// Source supplies fresh telemetry. *acu.Control implements it.
type Source interface {
	Status(ctx context.Context) (acu.Status, error)
}

type Config struct {
	// Interval is the polling period used by the wait loops and Run.
	Interval time.Duration
	// Tolerance is the on-target radius in degrees.
	Tolerance float64
	// Debounce is how long on-target and at-rest must hold continuously;
	// QUIESCENT_TIME if zero. A negative value reports the first sample.
	Debounce time.Duration
	// QuiescentVelocity is the at-rest speed threshold in degrees/second.
	QuiescentVelocity float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	switch {
	case c.Debounce == 0:
		c.Debounce = QUIESCENT_TIME
	case c.Debounce < 0:
		c.Debounce = 0
	}
	if c.QuiescentVelocity <= 0 {
		c.QuiescentVelocity = QUIESCENT_VELOCITY
	}
	return c
}

// Status is a telemetry sample with the monitor's derived flags.
type Status struct {
	acu.Status
	// Polled is the local time the sample was taken.
	Polled time.Time

	HasTarget          bool
	TargetAz, TargetEl float64
	// OnTarget is true once the antenna has been within tolerance of the
	// target for the debounce time.
	OnTarget bool
	// Stopped is true once both axes have been at rest for the debounce time.
	Stopped bool
}

type target struct {
	az, el, tol float64
}

// Monitor tracks the antenna's motion.
type Monitor struct {
	src     Source
	clock   clock.Clock
	cfg     Config
	Metrics *metrics.Collector

	mu         sync.Mutex
	last, prev *Status
	target     *target
	onSince    time.Time
	quietSince time.Time
	subs       map[chan Status]struct{}
}

func New(src Source, c clock.Clock, cfg Config) *Monitor {
	return &Monitor{
		src:   src,
		clock: c,
		cfg:   cfg.withDefaults(),
		subs:  make(map[chan Status]struct{}),
	}
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// SetTarget sets the position OnTarget is judged against, using the
// configured tolerance.
func (m *Monitor) SetTarget(az, el float64) {
	m.setTarget(az, el, m.cfg.Tolerance)
}

func (m *Monitor) setTarget(az, el, tol float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.target != nil && m.target.az == az && m.target.el == el && m.target.tol == tol {
		return
	}
	m.target = &target{az, el, tol}
	m.onSince = time.Time{}
}

func (m *Monitor) ClearTarget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = nil
	m.onSince = time.Time{}
}

// Poll reads fresh telemetry, updates the derived flags and notifies
// subscribers.
func (m *Monitor) Poll(ctx context.Context) (Status, error) {
	raw, err := m.src.Status(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("poll: %w", err)
	}
	now := m.clock.Now()

	m.mu.Lock()
	s := Status{Status: raw, Polled: now}
	if math.Abs(raw.AzVel) < m.cfg.QuiescentVelocity && math.Abs(raw.ElVel) < m.cfg.QuiescentVelocity {
		if m.quietSince.IsZero() {
			m.quietSince = now
		}
		s.Stopped = now.Sub(m.quietSince) >= m.cfg.Debounce
	} else {
		m.quietSince = time.Time{}
	}
	if t := m.target; t != nil {
		s.HasTarget, s.TargetAz, s.TargetEl = true, t.az, t.el
		if math.Hypot(raw.Az-t.az, raw.El-t.el) <= t.tol {
			if m.onSince.IsZero() {
				m.onSince = now
			}
			s.OnTarget = now.Sub(m.onSince) >= m.cfg.Debounce
		} else {
			m.onSince = time.Time{}
		}
	}
	m.prev, m.last = m.last, &s
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
	m.mu.Unlock()

	m.Metrics.ObservePosition(raw.Az, raw.El)
	return s, nil
}

// Last returns the most recent sample.
func (m *Monitor) Last() (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Status{}, false
	}
	return *m.last, true
}

// EstimateVelocity derives axis velocities from the two most recent polls.
func (m *Monitor) EstimateVelocity() (azVel, elVel float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil || m.prev == nil {
		return 0, 0, false
	}
	dt := m.last.Polled.Sub(m.prev.Polled).Seconds()
	if dt <= 0 {
		return 0, 0, false
	}
	return (m.last.Az - m.prev.Az) / dt, (m.last.El - m.prev.El) / dt, true
}

// Subscribe returns a channel receiving every sample. Samples are dropped for
// a subscriber that is not keeping up. Call cancel to unsubscribe.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 16)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
		})
	}
}

// Wait polls every Interval until cond holds, timeout elapses
// (faults.ErrMotionTimeout) or ctx is done (faults.ErrCancelled).
func (m *Monitor) Wait(ctx context.Context, timeout time.Duration, cond func(Status) bool) (Status, error) {
	deadline := m.clock.Now().Add(timeout)
	for {
		if ctx.Err() != nil {
			return Status{}, faults.ErrCancelled
		}
		s, err := m.Poll(ctx)
		if err != nil {
			return s, err
		}
		if cond(s) {
			return s, nil
		}
		if !m.clock.Now().Before(deadline) {
			return s, fmt.Errorf("after %v at az=%.4f el=%.4f: %w", timeout, s.Az, s.El, faults.ErrMotionTimeout)
		}
		if err := m.clock.Sleep(ctx, m.cfg.Interval); err != nil {
			return s, faults.ErrCancelled
		}
	}
}

// WaitOnTarget sets the target and waits until the antenna settles within tol
// of it.
func (m *Monitor) WaitOnTarget(ctx context.Context, az, el, tol float64, timeout time.Duration) (Status, error) {
	if tol <= 0 {
		tol = m.cfg.Tolerance
	}
	m.setTarget(az, el, tol)
	s, err := m.Wait(ctx, timeout, func(s Status) bool { return s.OnTarget })
	if err != nil {
		return s, fmt.Errorf("waiting for az=%.4f el=%.4f: %w", az, el, err)
	}
	return s, nil
}

// Run polls every Interval until ctx is done so subscribers see a steady
// stream of samples.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		if _, err := m.Poll(ctx); err != nil && !errors.Is(err, faults.ErrCancelled) {
			log.Printf("monitor: %v", err)
		}
		if err := m.clock.Sleep(ctx, m.cfg.Interval); err != nil {
			return err
		}
	}
}

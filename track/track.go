// Package track keeps the ACU program-track stack fed from a point sequence
// without letting it run dry or overflow.
package track

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/w1xm/acu_interface/acu"
	"github.com/w1xm/acu_interface/faults"
	"github.com/w1xm/acu_interface/internal/clock"
	"github.com/w1xm/acu_interface/internal/metrics"
	"github.com/w1xm/acu_interface/monitor"
	"github.com/w1xm/acu_interface/trajectory"
)

// Device is the subset of *acu.Control the manager drives.
type Device interface {
	ClearStack(ctx context.Context) error
	SetMode(ctx context.Context, mode acu.Mode, azOnly bool) error
	UploadPtStack(ctx context.Context, text string) error
	Stop(ctx context.Context) error
}

type Phase string

const (
	PhaseClearing Phase = "clearing"
	PhaseArming   Phase = "arming"
	PhaseFilling  Phase = "filling"
	PhaseSteady   Phase = "steady"
	PhaseDraining Phase = "draining"
	PhaseIdle     Phase = "idle"
)

const (
	DefaultBatchSize     = 120
	DefaultLeadTime      = 20 * time.Second
	DefaultTick          = 250 * time.Millisecond
	DefaultDrainTimeout  = 60 * time.Second
	DefaultClearAttempts = 3
	// SETTLE_TIME is how long the antenna is left tracking the final point
	// before the stack is cleared.
	SETTLE_TIME = 1 * time.Second
)

type Config struct {
	// QueueDepth is the capacity of the ACU stack.
	QueueDepth int
	// BatchSize is the number of points per upload.
	BatchSize int
	// LeadTime is the minimum amount of motion kept queued ahead of the ACU.
	LeadTime time.Duration
	// Tick is the interval between telemetry polls.
	Tick         time.Duration
	DrainTimeout time.Duration
	// ClearAttempts bounds how often Clear Stack is repeated until the ACU
	// reports an empty stack.
	ClearAttempts int
	// Extended uploads velocities and flags with every point.
	Extended bool
	// AzOnly arms only the azimuth axis.
	AzOnly bool
}

func (c Config) withDefaults() Config {
	if c.QueueDepth <= 0 {
		c.QueueDepth = acu.FULL_STACK
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize > c.QueueDepth {
		c.BatchSize = c.QueueDepth
	}
	if c.LeadTime <= 0 {
		c.LeadTime = DefaultLeadTime
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.ClearAttempts <= 0 {
		c.ClearAttempts = DefaultClearAttempts
	}
	return c
}

// Progress is reported after every phase change and every tick.
type Progress struct {
	Phase    Phase
	Uploaded int
	Consumed int
	Batches  int
	// Lead is how far the last uploaded point is ahead of ACU time.
	Lead time.Duration
	// Last is the most recent telemetry sample.
	Last monitor.Status
}

func (p Progress) Buffered() int {
	return p.Uploaded - p.Consumed
}

type Result struct {
	Uploaded int
	Consumed int
	Batches  int
	Started  time.Time
	Finished time.Time
}

// Manager feeds a point sequence to the ACU. A Manager runs one sequence at a
// time.
type Manager struct {
	dev     Device
	monitor *monitor.Monitor
	cfg     Config
	clock   clock.Clock

	Metrics *metrics.Collector
	// OnProgress, if set, is called from the Run goroutine.
	OnProgress func(Progress)
}

func New(dev Device, mon *monitor.Monitor, c clock.Clock, cfg Config) *Manager {
	return &Manager{
		dev:     dev,
		monitor: mon,
		cfg:     cfg.withDefaults(),
		clock:   c,
	}
}

func (m *Manager) Config() Config {
	return m.cfg
}

type run struct {
	*Manager
	seq      trajectory.Sequence
	pending  []trajectory.Point
	done     bool
	last     *trajectory.Point
	progress Progress
}

// Run clears the stack, arms program track and keeps uploading batches from
// seq until it is exhausted and the antenna has come to rest on the final
// point, then returns the ACU to Stop.
//
// When ctx is cancelled Run returns faults.ErrCancelled without issuing any
// further command; the caller owns the terminal Stop. On any other failure
// Run stops the antenna and clears the stack before returning.
func (m *Manager) Run(ctx context.Context, seq trajectory.Sequence) (Result, error) {
	r := &run{Manager: m, seq: seq}
	res := Result{Started: m.clock.Now()}
	err := r.run(ctx)
	res.Uploaded, res.Consumed, res.Batches = r.progress.Uploaded, r.progress.Consumed, r.progress.Batches
	res.Finished = m.clock.Now()
	switch {
	case err == nil:
		log.Printf("track: completed %d points in %d batches", res.Uploaded, res.Batches)
	case errors.Is(err, faults.ErrCancelled) || ctx.Err() != nil:
		// Failures once ctx is done count as cancellation.
		if !errors.Is(err, faults.ErrCancelled) {
			err = fmt.Errorf("%w: %w", faults.ErrCancelled, err)
		}
		log.Printf("track: cancelled in %s after %d points", r.progress.Phase, res.Uploaded)
	default:
		log.Printf("track: failed in %s: %v", r.progress.Phase, err)
		r.abort(ctx)
	}
	m.monitor.ClearTarget()
	m.Metrics.SetPhase(string(PhaseIdle))
	m.Metrics.SetBuffered(0)
	return res, err
}

func (r *run) run(ctx context.Context) error {
	r.setPhase(PhaseClearing)
	if err := r.clear(ctx); err != nil {
		return err
	}

	r.setPhase(PhaseArming)
	if err := r.cancelled(ctx); err != nil {
		return err
	}
	if err := r.dev.SetMode(ctx, acu.ModeProgramTrack, r.cfg.AzOnly); err != nil {
		return fmt.Errorf("arming: %w", err)
	}

	r.setPhase(PhaseFilling)
	if err := r.feed(ctx); err != nil {
		return err
	}

	r.setPhase(PhaseDraining)
	if err := r.drain(ctx); err != nil {
		return err
	}

	r.setPhase(PhaseIdle)
	if err := r.dev.ClearStack(ctx); err != nil {
		return fmt.Errorf("idle: %w", err)
	}
	if err := r.dev.Stop(ctx); err != nil {
		return fmt.Errorf("idle: %w", err)
	}
	return nil
}

func (r *run) cancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", r.progress.Phase, faults.ErrCancelled)
	}
	return nil
}

func (r *run) sleep(ctx context.Context) error {
	if err := r.clock.Sleep(ctx, r.cfg.Tick); err != nil {
		return fmt.Errorf("%s: %w", r.progress.Phase, faults.ErrCancelled)
	}
	return nil
}

func (r *run) setPhase(p Phase) {
	if r.progress.Phase == p {
		return
	}
	log.Printf("track: %s", p)
	r.progress.Phase = p
	r.Metrics.SetPhase(string(p))
	r.report()
}

func (r *run) report() {
	if r.OnProgress != nil {
		r.OnProgress(r.progress)
	}
}

// clear empties the stack, confirming through telemetry that the ACU agrees.
func (r *run) clear(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.ClearAttempts; attempt++ {
		if err := r.cancelled(ctx); err != nil {
			return err
		}
		if attempt > 1 {
			log.Printf("track: clear attempt %d/%d: %v", attempt, r.cfg.ClearAttempts, lastErr)
			if err := r.sleep(ctx); err != nil {
				return err
			}
		}
		if err := r.dev.ClearStack(ctx); err != nil {
			if errors.Is(err, faults.ErrCancelled) {
				return err
			}
			lastErr = err
			continue
		}
		s, err := r.monitor.Poll(ctx)
		if err != nil {
			return fmt.Errorf("clearing: %w", err)
		}
		r.progress.Last = s
		if s.FreeStack == r.cfg.QueueDepth {
			return nil
		}
		lastErr = fmt.Errorf("%d of %d stack positions free after clear: %w", s.FreeStack, r.cfg.QueueDepth, faults.ErrDeviceFault)
	}
	return fmt.Errorf("clearing: %w", lastErr)
}

// poll reads fresh telemetry and updates the consumed count.
func (r *run) poll(ctx context.Context) (monitor.Status, error) {
	s, err := r.monitor.Poll(ctx)
	if err != nil {
		return s, fmt.Errorf("%s: %w", r.progress.Phase, err)
	}
	queued := r.cfg.QueueDepth - s.FreeStack
	consumed := r.progress.Uploaded - queued
	if queued < 0 || consumed < 0 || consumed < r.progress.Consumed {
		return s, fmt.Errorf("%d uploaded, %d queued, %d previously consumed: %w",
			r.progress.Uploaded, queued, r.progress.Consumed, faults.ErrBufferFault)
	}
	r.progress.Consumed = consumed
	r.progress.Last = s
	r.progress.Lead = 0
	if r.last != nil {
		r.progress.Lead = r.last.Time.Sub(s.Time)
	}
	r.Metrics.SetBuffered(queued)
	return s, nil
}

// next returns the batch waiting to be uploaded, pulling it from the
// sequence if needed. It returns nil once the sequence is exhausted.
func (r *run) next() ([]trajectory.Point, error) {
	if len(r.pending) > 0 || r.done {
		return r.pending, nil
	}
	prev := r.last
	for len(r.pending) < r.cfg.BatchSize {
		p, ok := r.seq.Next()
		if !ok {
			r.done = true
			break
		}
		if prev != nil && !p.Time.After(prev.Time) {
			return nil, fmt.Errorf("point at %v does not follow %v: %w", p.Time, prev.Time, faults.ErrBufferFault)
		}
		r.pending = append(r.pending, p)
		prev = &r.pending[len(r.pending)-1]
	}
	return r.pending, nil
}

// feed uploads batches until the sequence is exhausted. Each tick it polls,
// checks the stack accounting and uploads one batch when the lead has dropped
// below LeadTime and the batch fits.
func (r *run) feed(ctx context.Context) error {
	for {
		if err := r.cancelled(ctx); err != nil {
			return err
		}
		s, err := r.poll(ctx)
		if err != nil {
			return err
		}
		if r.progress.Batches > 0 && s.AzMode != acu.ModeProgramTrack {
			return fmt.Errorf("azimuth left program track (%s): %w", s.AzMode, faults.ErrDeviceFault)
		}
		batch, err := r.next()
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			r.report()
			return nil
		}

		lead := r.progress.Lead
		fits := r.progress.Buffered()+len(batch) <= r.cfg.QueueDepth
		if r.progress.Phase == PhaseFilling && (!fits || lead >= r.cfg.LeadTime) {
			r.setPhase(PhaseSteady)
		}
		if fits && (r.last == nil || lead < r.cfg.LeadTime) {
			if err := r.upload(ctx, batch, s); err != nil {
				return err
			}
			// Keep filling without waiting a tick.
			if r.progress.Phase == PhaseFilling {
				continue
			}
		}
		r.report()
		if err := r.sleep(ctx); err != nil {
			return err
		}
	}
}

func (r *run) upload(ctx context.Context, batch []trajectory.Point, s monitor.Status) error {
	if err := r.cancelled(ctx); err != nil {
		return err
	}
	if r.last != nil && batch[0].Time.Before(s.Time) {
		log.Printf("track: underrun, batch starts %v before ACU time", s.Time.Sub(batch[0].Time))
	}
	if err := r.dev.UploadPtStack(ctx, acu.FormatLines(batch, r.cfg.Extended)); err != nil {
		return fmt.Errorf("uploading batch %d: %w", r.progress.Batches+1, err)
	}
	r.progress.Uploaded += len(batch)
	r.progress.Batches++
	final := batch[len(batch)-1]
	r.last = &final
	r.progress.Lead = final.Time.Sub(s.Time)
	r.pending = nil
	r.Metrics.Uploaded(len(batch))
	r.Metrics.SetBuffered(r.progress.Buffered())
	return nil
}

// drain waits for the ACU to work through the stack and settle on the final
// point. On timeout the antenna is stopped.
func (r *run) drain(ctx context.Context) error {
	if r.last == nil {
		return nil
	}
	r.monitor.SetTarget(r.last.Az, r.last.El)
	deadline := r.last.Time.Add(r.cfg.DrainTimeout)
	for {
		if err := r.cancelled(ctx); err != nil {
			return err
		}
		s, err := r.poll(ctx)
		if err != nil {
			return err
		}
		r.report()
		passed := !s.Time.Before(r.last.Time)
		empty := r.progress.Consumed == r.progress.Uploaded
		if passed && s.Stopped && (s.OnTarget || empty) {
			break
		}
		if !r.clock.Now().Before(deadline) {
			return fmt.Errorf("draining at az=%.4f el=%.4f, %d points left: %w",
				s.Az, s.El, r.progress.Buffered(), faults.ErrMotionTimeout)
		}
		if err := r.sleep(ctx); err != nil {
			return err
		}
	}
	if err := r.clock.Sleep(ctx, SETTLE_TIME); err != nil {
		return fmt.Errorf("%s: %w", r.progress.Phase, faults.ErrCancelled)
	}
	return nil
}

// abort stops the antenna and empties the stack after a failure. Errors
// are logged.
func (r *run) abort(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := r.dev.Stop(ctx); err != nil {
		log.Printf("track: stop after failure: %v", err)
	}
	if err := r.dev.ClearStack(ctx); err != nil {
		log.Printf("track: clear after failure: %v", err)
	}
}

// Package scan runs moves and scans on the ACU one at a time, supervising
// the drive while the program-track stack is being fed.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/acu_interface/acu"
	"github.com/w1xm/acu_interface/faults"
	"github.com/w1xm/acu_interface/internal/clock"
	"github.com/w1xm/acu_interface/internal/metrics"
	"github.com/w1xm/acu_interface/monitor"
	"github.com/w1xm/acu_interface/spem"
	"github.com/w1xm/acu_interface/track"
	"github.com/w1xm/acu_interface/trajectory"
)

// ErrBusy is returned when a scan is requested while another one runs.
var ErrBusy = errors.New("scan already running")

const (
	DefaultStartDelay     = 2 * time.Second
	DefaultStartTolerance = 0.01
	DefaultMoveTimeout    = 5 * time.Minute
)

// Device is what the controller needs from *acu.Control.
type Device interface {
	track.Device
	GoTo(ctx context.Context, az, el float64) error
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

type Config struct {
	Limits trajectory.Limits
	// Interval is the program-track sample spacing.
	Interval time.Duration
	// SlewRate is the point-to-point speed in degrees/second.
	SlewRate float64
	// StartDelay is how far in the future the first point is placed.
	StartDelay time.Duration
	// StartTolerance is how close to the first endpoint the antenna must be
	// for a scan to start without a slew.
	StartTolerance float64
	// Preset moves point-to-point targets with the ACU's own Preset mode
	// instead of program track.
	Preset bool
	// MoveTimeout bounds a Preset move.
	MoveTimeout time.Duration
	// Coefficients is the pointing model applied by MoveTo and RunScan.
	Coefficients spem.Coefficients
	Track        track.Config
}

func (c Config) withDefaults() Config {
	if c.StartDelay <= 0 {
		c.StartDelay = DefaultStartDelay
	}
	if c.StartTolerance <= 0 {
		c.StartTolerance = DefaultStartTolerance
	}
	if c.MoveTimeout <= 0 {
		c.MoveTimeout = DefaultMoveTimeout
	}
	return c
}

// Summary describes a finished scan.
type Summary struct {
	ID       uuid.UUID `json:"id"`
	Kind     string    `json:"kind"`
	Outcome  Outcome   `json:"outcome,omitempty"`
	Points   int       `json:"points"`
	Batches  int       `json:"batches"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
	Err      string    `json:"error,omitempty"`
}

// Progress is a snapshot of the current or most recent scan.
type Progress struct {
	Summary
	Running  bool          `json:"running"`
	Phase    track.Phase   `json:"phase,omitempty"`
	Consumed int           `json:"consumed"`
	Lead     time.Duration `json:"lead"`
	Az       float64       `json:"az"`
	El       float64       `json:"el"`
}

type Controller struct {
	dev     Device
	monitor *monitor.Monitor
	clock   clock.Clock
	cfg     Config

	Metrics *metrics.Collector

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	progress Progress
}

func New(dev Device, mon *monitor.Monitor, c clock.Clock, cfg Config) *Controller {
	return &Controller{
		dev:     dev,
		monitor: mon,
		clock:   c,
		cfg:     cfg.withDefaults(),
	}
}

// MoveTo moves the antenna to az, el with the configured pointing model.
func (c *Controller) MoveTo(ctx context.Context, az, el float64) (Summary, error) {
	return c.Execute(ctx, trajectory.PointToPoint{Az: az, El: el}, c.cfg.Coefficients)
}

// RunScan runs spec with the configured pointing model.
func (c *Controller) RunScan(ctx context.Context, spec trajectory.Spec) (Summary, error) {
	return c.Execute(ctx, spec, c.cfg.Coefficients)
}

// Cancel stops the running scan, if any. It reports whether one was running.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}
	c.cancel()
	return true
}

func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Execute validates spec, then drives the antenna through it. The returned
// error wraps a faults sentinel; on cancellation it wraps faults.ErrCancelled
// and a single Stop has been sent.
func (c *Controller) Execute(ctx context.Context, spec trajectory.Spec, coeffs spem.Coefficients) (Summary, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return Summary{}, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sum := Summary{ID: uuid.New(), Started: c.clock.Now()}
	if spec != nil {
		sum.Kind = spec.Kind()
	}
	c.running, c.cancel = true, cancel
	c.progress = Progress{Summary: sum, Running: true}
	c.mu.Unlock()
	c.Metrics.ScanStarted()
	log.Printf("scan %s: starting %s", sum.ID, sum.Kind)

	var stopped bool
	err := c.validate(spec)
	if err == nil {
		stopped, err = c.execute(ctx, spec, coeffs, &sum)
	}

	switch {
	case err == nil:
		sum.Outcome = OutcomeCompleted
	case errors.Is(err, faults.ErrCancelled) || ctx.Err() != nil:
		sum.Outcome = OutcomeCancelled
		if !errors.Is(err, faults.ErrCancelled) {
			err = fmt.Errorf("%w: %w", faults.ErrCancelled, err)
		}
	default:
		sum.Outcome = OutcomeFailed
	}
	if sum.Outcome == OutcomeCancelled && !stopped {
		c.stop(ctx)
	}
	if err != nil {
		sum.Err = err.Error()
	}
	sum.Finished = c.clock.Now()
	log.Printf("scan %s: %s after %v (%d points)", sum.ID, sum.Outcome, sum.Finished.Sub(sum.Started), sum.Points)
	c.Metrics.ScanFinished(sum.Kind, string(sum.Outcome))

	c.mu.Lock()
	c.running, c.cancel = false, nil
	c.progress.Summary = sum
	c.progress.Running = false
	c.mu.Unlock()
	return sum, err
}

func (c *Controller) validate(spec trajectory.Spec) error {
	return trajectory.Validate(spec, c.cfg.Limits)
}

// stop sends the terminal Stop. It runs even when the scan's context is done.
func (c *Controller) stop(ctx context.Context) {
	if err := c.dev.Stop(context.WithoutCancel(ctx)); err != nil {
		log.Printf("scan: stop: %v", err)
	}
}

func (c *Controller) execute(ctx context.Context, spec trajectory.Spec, coeffs spem.Coefficients, sum *Summary) (stopped bool, err error) {
	s, err := c.monitor.Poll(ctx)
	if err != nil {
		return false, err
	}
	if err := ready(s); err != nil {
		return false, err
	}
	c.observe(s)

	if p, ok := spec.(trajectory.PointToPoint); ok && c.cfg.Preset {
		return c.preset(ctx, p, coeffs)
	}

	params := trajectory.Params{
		Start:        c.clock.Now().Add(c.cfg.StartDelay),
		Interval:     c.cfg.Interval,
		From:         trajectory.Position{Az: s.Az, El: s.El},
		SlewRate:     c.cfg.SlewRate,
		Coefficients: coeffs,
	}
	seq, err := trajectory.Plan(spec, params, c.cfg.StartTolerance)
	if err != nil {
		return false, err
	}

	tc := c.cfg.Track
	if lt, ok := spec.(trajectory.LinearTurnaround); ok {
		tc.AzOnly = tc.AzOnly || lt.AzOnly
	}
	mgr := track.New(c.dev, c.monitor, c.clock, tc)
	mgr.Metrics = c.Metrics
	mgr.OnProgress = c.onProgress

	updates, unsubscribe := c.monitor.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	superCtx, stopSupervisor := context.WithCancel(gctx)
	defer stopSupervisor()
	var supervisorErr error
	var res track.Result
	g.Go(func() error {
		defer stopSupervisor()
		var err error
		res, err = mgr.Run(gctx, seq)
		return err
	})
	g.Go(func() error {
		supervisorErr = supervise(superCtx, updates)
		return supervisorErr
	})
	err = g.Wait()
	sum.Points, sum.Batches = res.Uploaded, res.Batches

	if supervisorErr != nil && ctx.Err() == nil {
		// The manager was cut short without cleaning up.
		c.stop(ctx)
		return true, supervisorErr
	}
	return false, err
}

// preset moves with the ACU's Preset mode. A timeout leaves the drive as it
// is.
func (c *Controller) preset(ctx context.Context, p trajectory.PointToPoint, coeffs spem.Coefficients) (bool, error) {
	az, el := coeffs.Apply(p.Az, p.El)
	if err := c.dev.GoTo(ctx, az, el); err != nil {
		return false, err
	}
	defer c.monitor.ClearTarget()
	_, err := c.monitor.WaitOnTarget(ctx, az, el, 0, c.cfg.MoveTimeout)
	return false, err
}

func ready(s monitor.Status) error {
	if !s.Remote {
		return fmt.Errorf("ACU in local mode: %w", faults.ErrDeviceFault)
	}
	if s.AzMode == acu.ModeFault || s.ElMode == acu.ModeFault {
		return fmt.Errorf("ACU reports fault (az %s, el %s): %w", s.AzMode, s.ElMode, faults.ErrDeviceFault)
	}
	return nil
}

// supervise fails as soon as telemetry shows the drive cannot follow the
// stack. It returns nil when ctx is done.
func supervise(ctx context.Context, updates <-chan monitor.Status) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-updates:
			if err := ready(s); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) observe(s monitor.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress.Az, c.progress.El = s.Az, s.El
}

func (c *Controller) onProgress(p track.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress.Phase = p.Phase
	c.progress.Points = p.Uploaded
	c.progress.Batches = p.Batches
	c.progress.Consumed = p.Consumed
	c.progress.Lead = p.Lead
	if !p.Last.Polled.IsZero() {
		c.progress.Az, c.progress.El = p.Last.Az, p.Last.El
	}
}

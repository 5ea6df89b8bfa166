// Package simulator implements an in-memory ACU: Preset slewing, a
// program-track point queue and the SPEM parameter datasets.
package simulator

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/w1xm/acu_interface/acu"
	"github.com/w1xm/acu_interface/faults"
	"github.com/w1xm/acu_interface/internal/clock"
	"github.com/w1xm/acu_interface/spem"
	"github.com/w1xm/acu_interface/trajectory"
	"golang.org/x/sync/errgroup"
)

const (
	// Maximum acceleration in degrees/second^2
	maxAccel = 6
	// Maximum velocity in degrees/second
	maxVel = 3
	// Acceleration due to drag when not driving
	dragAccel = 6
	// Preset moves snap to the target once this close
	snapDistance = 0.0002
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
)

const (
	RejectLocal   = "Failed, ACU in local mode."
	RejectUnknown = "Failed, unknown command."
	RejectParam   = "Failed, invalid parameter."
)

const pointingStatusDataset = "DataSets.StatusPointingCorrection"

type axis struct {
	pos, vel float64
	target   float64
	mode     acu.Mode
}

// Call is one request the simulator served.
type Call struct {
	Time time.Time
	// Kind is "values", "command", "write" or "upload".
	Kind string
	Text string
}

// Stats counts what the simulator has seen.
type Stats struct {
	Uploads        int
	UploadedPoints int
	Consumed       int
	Clears         int
	Stops          int
	PeakStack      int
	Overflows      int
}

// Simulator is an in-memory ACU. It implements acu.Device.
//
// The kinematic model is advanced in fixed steps up to the clock's current
// time whenever a request arrives, so a fake clock gives deterministic runs.
type Simulator struct {
	mu    sync.Mutex
	clock clock.Clock
	now   time.Time

	// Depth is the program-track queue capacity.
	Depth int

	az, el axis
	stack  []trajectory.Point
	prev   *trajectory.Point
	remote bool

	spem    map[spem.Term]string
	spemOn  bool
	written map[string][]byte

	failures map[string]int
	reject   map[string]string

	stats Stats
	calls []Call
}

// New returns a simulator in remote mode with both axes stopped at az, el.
func New(c clock.Clock, az, el float64) *Simulator {
	s := &Simulator{
		clock:    c,
		now:      c.Now(),
		Depth:    acu.FULL_STACK,
		az:       axis{pos: az, target: az, mode: acu.ModeStop},
		el:       axis{pos: el, target: el, mode: acu.ModeStop},
		remote:   true,
		spem:     make(map[spem.Term]string),
		written:  make(map[string][]byte),
		failures: make(map[string]int),
		reject:   make(map[string]string),
	}
	for _, t := range spem.Terms() {
		s.spem[t] = "0.000000"
	}
	// Some firmware refuses the second-order tilt terms.
	for _, t := range spem.DefaultIgnoreWriteback {
		s.reject["Set Spem_"+t.String()] = "Failed, parameter is read-only."
	}
	return s
}

// FailNext makes the next n requests of kind ("values", "command", "write",
// "upload") fail with a transport error.
func (s *Simulator) FailNext(kind string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[kind] += n
}

// Reject makes command answer reply instead of an acknowledgement. An empty
// reply restores normal handling.
func (s *Simulator) Reject(command, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reply == "" {
		delete(s.reject, command)
		return
	}
	s.reject[command] = reply
}

// SetRemote switches between remote and local control.
func (s *Simulator) SetRemote(remote bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.remote = remote
}

// Fault drops both axes into Fault mode, as an external interlock would.
func (s *Simulator) Fault() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.az.mode, s.el.mode = acu.ModeFault, acu.ModeFault
}

// Position returns the current azimuth and elevation.
func (s *Simulator) Position() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.az.pos, s.el.pos
}

// Modes returns the current axis modes.
func (s *Simulator) Modes() (acu.Mode, acu.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.az.mode, s.el.mode
}

// Stack returns the number of queued program-track points.
func (s *Simulator) Stack() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return len(s.stack)
}

func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.stats
}

// Calls returns every request served so far.
func (s *Simulator) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Simulator) record(kind, text string) error {
	s.calls = append(s.calls, Call{Time: s.now, Kind: kind, Text: text})
	if s.failures[kind] > 0 {
		s.failures[kind]--
		return fmt.Errorf("simulated %s failure: %w", kind, faults.ErrTransport)
	}
	return nil
}

func (s *Simulator) Values(ctx context.Context, identifier string) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	if err := s.record("values", identifier); err != nil {
		return nil, err
	}
	switch identifier {
	case acu.StatusDataset:
		return s.statusValues(), nil
	case pointingStatusDataset:
		return map[string]interface{}{
			spem.EnableKey:     s.spemOn,
			"Azimuth offset":   0.0,
			"Elevation offset": 0.0,
		}, nil
	case spem.ParameterDataset:
		out := make(map[string]interface{}, len(s.spem))
		for t, v := range s.spem {
			out["Parameter "+t.String()] = v
		}
		return out, nil
	case spem.EnableDataset:
		return map[string]interface{}{spem.EnableKey: s.spemOn}, nil
	}
	if data, ok := s.written[identifier]; ok {
		return map[string]interface{}{"Data": string(data)}, nil
	}
	return nil, fmt.Errorf("unknown dataset %q: %w", identifier, faults.ErrTransport)
}

func (s *Simulator) statusValues() map[string]interface{} {
	m := map[string]interface{}{
		"Time":                       acu.DayOfYear(s.now),
		"Azimuth current position":   s.az.pos,
		"Elevation current position": s.el.pos,
		"Azimuth current velocity":   s.az.vel,
		"Elevation current velocity": s.el.vel,
		"Azimuth mode":               s.az.mode.String(),
		"Elevation mode":             s.el.mode.String(),
		"ACU in remote mode":         s.remote,
	}
	m["Qty of free program track stack positions"] = float64(s.Depth - len(s.stack))
	return m
}

func (s *Simulator) Command(ctx context.Context, identifier, command string, params ...string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	param := strings.Join(params, "|")
	if err := s.record("command", strings.TrimSpace(command+" "+param)); err != nil {
		return "", err
	}
	if reply, ok := s.reject[command]; ok {
		return reply, nil
	}
	if !s.remote {
		return RejectLocal, nil
	}
	fields := strings.Split(param, "|")
	switch {
	case identifier == acu.ModeDataset && command == acu.CmdSetModes:
		if len(fields) != 2 {
			return RejectParam, nil
		}
		s.setMode(&s.az, acu.ParseMode(fields[0]), fields[0])
		s.setMode(&s.el, acu.ParseMode(fields[1]), fields[1])
		if s.az.mode == acu.ModeStop && s.el.mode == acu.ModeStop {
			s.stats.Stops++
		}
	case identifier == acu.ModeDataset && command == acu.CmdSetAzMode:
		s.setMode(&s.az, acu.ParseMode(fields[0]), fields[0])
	case identifier == acu.PositionDataset && command == acu.CmdSetPosition:
		if len(fields) != 2 {
			return RejectParam, nil
		}
		az, aerr := strconv.ParseFloat(fields[0], 64)
		el, eerr := strconv.ParseFloat(fields[1], 64)
		if aerr != nil || eerr != nil {
			return RejectParam, nil
		}
		s.az.target, s.el.target = az, el
	case identifier == acu.TimePositionDataset && command == acu.CmdClearStack:
		s.stack = nil
		s.prev = nil
		s.stats.Clears++
	case identifier == spem.ParameterDataset && strings.HasPrefix(command, "Set Spem_"):
		t, err := spem.ParseTerm(strings.TrimPrefix(command, "Set Spem_"))
		if err != nil {
			return RejectUnknown, nil
		}
		if _, err := strconv.ParseFloat(param, 64); err != nil {
			return RejectParam, nil
		}
		s.spem[t] = param
	case identifier == spem.EnableDataset && command == "Set "+spem.EnableKey:
		s.spemOn = param == "1"
	default:
		return RejectUnknown, nil
	}
	// Parameter writes only ever report "sent".
	if identifier == spem.ParameterDataset {
		return acu.Acks[0], nil
	}
	return acu.Acks[1], nil
}

func (s *Simulator) setMode(a *axis, m acu.Mode, name string) {
	switch m {
	case acu.ModeStop, acu.ModePreset, acu.ModeProgramTrack:
		if a.mode != m {
			log.Printf("sim: axis mode %v -> %v", a.mode, m)
		}
		a.mode = m
	default:
		log.Printf("sim: ignoring mode %q", name)
	}
}

func (s *Simulator) Write(ctx context.Context, identifier string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	if err := s.record("write", identifier); err != nil {
		return err
	}
	s.written[identifier] = append([]byte(nil), data...)
	return nil
}

func (s *Simulator) UploadPtStack(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	if err := s.record("upload", text); err != nil {
		return "", err
	}
	var pts []trajectory.Point
	for _, line := range strings.SplitAfter(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		pt, err := acu.ParseLine(line, s.now)
		if err != nil {
			return "", err
		}
		pts = append(pts, pt)
	}
	if len(s.stack)+len(pts) > s.Depth {
		s.stats.Overflows++
		return "", fmt.Errorf("%d points do not fit, %d free: %w", len(pts), s.Depth-len(s.stack), faults.ErrBufferFault)
	}
	s.stack = append(s.stack, pts...)
	s.stats.Uploads++
	s.stats.UploadedPoints += len(pts)
	if len(s.stack) > s.stats.PeakStack {
		s.stats.PeakStack = len(s.stack)
	}
	return "OK", nil
}

// Advance steps the model up to the clock's current time.
func (s *Simulator) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
}

func (s *Simulator) advance() {
	target := s.clock.Now()
	for s.now.Before(target) {
		dt := target.Sub(s.now)
		if dt > stepSize {
			dt = stepSize
		}
		s.now = s.now.Add(dt)
		s.step(dt.Seconds())
	}
}

func (s *Simulator) step(dt float64) {
	tracking := s.az.mode == acu.ModeProgramTrack || s.el.mode == acu.ModeProgramTrack
	var pt *trajectory.Point
	var vAz, vEl float64
	if tracking {
		pt, vAz, vEl = s.trackPoint()
	}
	s.stepAxis(&s.az, dt, pt, func(p *trajectory.Point) float64 { return p.Az }, vAz)
	s.stepAxis(&s.el, dt, pt, func(p *trajectory.Point) float64 { return p.El }, vEl)
}

// trackPoint consumes due queue points and returns the interpolated
// position at the current time.
func (s *Simulator) trackPoint() (*trajectory.Point, float64, float64) {
	for len(s.stack) > 0 && !s.stack[0].Time.After(s.now) {
		p := s.stack[0]
		s.prev = &p
		s.stack = s.stack[1:]
		s.stats.Consumed++
	}
	if s.prev == nil {
		return nil, 0, 0
	}
	if len(s.stack) == 0 {
		return s.prev, 0, 0
	}
	next := s.stack[0]
	span := next.Time.Sub(s.prev.Time).Seconds()
	f := s.now.Sub(s.prev.Time).Seconds() / span
	p := trajectory.Point{
		Time: s.now,
		Az:   s.prev.Az + (next.Az-s.prev.Az)*f,
		El:   s.prev.El + (next.El-s.prev.El)*f,
	}
	return &p, (next.Az - s.prev.Az) / span, (next.El - s.prev.El) / span
}

func (s *Simulator) stepAxis(a *axis, dt float64, pt *trajectory.Point, coord func(*trajectory.Point) float64, vel float64) {
	switch a.mode {
	case acu.ModeProgramTrack:
		if pt == nil {
			a.vel = 0
			return
		}
		a.pos, a.vel = coord(pt), vel
	case acu.ModePreset:
		move := a.target - a.pos
		if math.Abs(move) < snapDistance && math.Abs(a.vel) < maxAccel*dt {
			a.pos, a.vel = a.target, 0
			return
		}
		a.vel = velServo(a.vel, posServo(a.pos, a.target), dt)
		a.pos += a.vel * dt
	case acu.ModeStop, acu.ModeStopping:
		a.vel = drag(a.vel, dt)
		a.pos += a.vel * dt
		if a.vel != 0 {
			a.mode = acu.ModeStopping
		} else {
			a.mode = acu.ModeStop
		}
	default:
		// Faulted axes brake hard.
		a.vel = 0
	}
}

// posServo returns a target velocity for the given move
func posServo(s, t float64) float64 {
	move := t - s
	delta := 2 * math.Abs(move)
	if delta > maxVel {
		delta = maxVel
	}
	if move < 0 {
		delta = -delta
	}
	return delta
}

// velServo returns an actual velocity for the given current and target velocity
func velServo(s, t, dt float64) float64 {
	delta := math.Abs(t - s)
	if delta > maxAccel*dt {
		delta = maxAccel * dt
	}
	if t < s {
		delta = -delta
	}
	return math.Max(-maxVel, math.Min(maxVel, s+delta))
}

func drag(s, dt float64) float64 {
	a := math.Abs(s)
	a -= dragAccel * dt
	if a < 0 {
		a = 0
	}
	if s < 0 {
		return -a
	}
	return a
}

// Run steps the model in real time until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	t := time.NewTicker(stepSize)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		s.Advance()
	}
}

// ListenAndServe runs the model and serves Handler on addr until ctx is done.
func (s *Simulator) ListenAndServe(ctx context.Context, addr string) error {
	srv := newServer(addr, s.Handler())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(ctx)
	})
	g.Go(func() error {
		log.Printf("sim: serving ACU on %s", addr)
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(context.Background())
	})
	return g.Wait()
}

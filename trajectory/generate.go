package trajectory

import (
	"math"
	"time"
)

// Sequence yields points in strictly increasing time order. Next returns
// false once the sequence is exhausted.
type Sequence interface {
	Next() (Point, bool)
}

// Generate returns a fresh, deterministic sequence for spec. Malformed specs
// fail here, before any point is produced.
func Generate(spec Spec, p Params) (Sequence, error) {
	if err := Validate(spec, Limits{}); err != nil {
		return nil, err
	}
	p, err := p.withDefaults()
	if err != nil {
		return nil, err
	}
	switch s := spec.(type) {
	case PointToPoint:
		return newSlew(s, p), nil
	case *PointToPoint:
		return newSlew(*s, p), nil
	case LinearTurnaround:
		return newTurnaround(s, p), nil
	case *LinearTurnaround:
		return newTurnaround(*s, p), nil
	}
	panic("trajectory: unknown spec type")
}

// Duration returns the time between the first and last point of spec.
func Duration(spec Spec, p Params) (time.Duration, error) {
	seq, err := Generate(spec, p)
	if err != nil {
		return 0, err
	}
	switch s := seq.(type) {
	case *slew:
		return time.Duration(s.n) * s.p.Interval, nil
	case *turnaround:
		return time.Duration(s.spec.Legs*s.n) * s.p.Interval, nil
	}
	return 0, nil
}

// Plan returns the sequence for spec starting from p.From. A turnaround scan
// that does not start within tol of its first endpoint is preceded by a
// slew to it.
func Plan(spec Spec, p Params, tol float64) (Sequence, error) {
	lt, ok := spec.(LinearTurnaround)
	if ptr, isPtr := spec.(*LinearTurnaround); isPtr {
		lt, ok = *ptr, true
	}
	if !ok {
		return Generate(spec, p)
	}
	if err := Validate(lt, Limits{}); err != nil {
		return nil, err
	}
	if from := p.start(); math.Abs(from.Az-lt.AzA) <= tol && math.Abs(from.El-lt.El) <= tol {
		return Generate(lt, p)
	}
	to := PointToPoint{Az: lt.AzA, El: lt.El}
	pre, err := Generate(to, p)
	if err != nil {
		return nil, err
	}
	d, err := Duration(to, p)
	if err != nil {
		return nil, err
	}
	scan := p
	scan.Start = p.Start.Add(d)
	scan.From.Az, scan.From.El = p.Coefficients.Apply(lt.AzA, lt.El)
	sweep, err := Generate(lt, scan)
	if err != nil {
		return nil, err
	}
	return Chain(pre, sweep), nil
}

// Collect drains seq.
func Collect(seq Sequence) []Point {
	var out []Point
	for {
		pt, ok := seq.Next()
		if !ok {
			return out
		}
		out = append(out, pt)
	}
}

type chain struct {
	seqs []Sequence
	last time.Time
	any  bool
}

// Chain concatenates sequences. Points that do not advance time past the
// previously emitted point are dropped.
func Chain(seqs ...Sequence) Sequence {
	return &chain{seqs: seqs}
}

func (c *chain) Next() (Point, bool) {
	for len(c.seqs) > 0 {
		pt, ok := c.seqs[0].Next()
		if !ok {
			c.seqs = c.seqs[1:]
			continue
		}
		if c.any && !pt.Time.After(c.last) {
			continue
		}
		c.any = true
		c.last = pt.Time
		return pt, true
	}
	return Point{}, false
}

// samples returns the number of intervals needed to cover d seconds.
func samples(d float64, dt time.Duration) int {
	n := int(math.Ceil(d/dt.Seconds() - 1e-9))
	if n < 0 {
		n = 0
	}
	return n
}

// slew interpolates in a straight line from p.From to the target.
type slew struct {
	p        Params
	from, to Position
	vAz, vEl float64
	n, i     int
}

func newSlew(s PointToPoint, p Params) *slew {
	from := p.start()
	dAz, dEl := s.Az-from.Az, s.El-from.El
	n := samples(math.Max(math.Abs(dAz), math.Abs(dEl))/p.SlewRate, p.Interval)
	sl := &slew{p: p, from: from, to: Position{s.Az, s.El}, n: n}
	if n > 0 {
		T := float64(n) * p.Interval.Seconds()
		sl.vAz, sl.vEl = dAz/T, dEl/T
	}
	return sl
}

func (s *slew) Next() (Point, bool) {
	if s.i > s.n {
		return Point{}, false
	}
	i := s.i
	s.i++
	pt := Point{Time: s.p.Start.Add(time.Duration(i) * s.p.Interval)}
	if i == s.n {
		pt.Az, pt.El = s.to.Az, s.to.El
	} else {
		f := float64(i) / float64(s.n)
		pt.Az = s.from.Az + (s.to.Az-s.from.Az)*f
		pt.El = s.from.El + (s.to.El-s.from.El)*f
		pt.AzVel, pt.ElVel = s.vAz, s.vEl
		pt.AzFlag, pt.ElFlag = FlagCruise, FlagCruise
		if i == s.n-1 {
			pt.AzFlag, pt.ElFlag = FlagCruiseEnd, FlagCruiseEnd
		}
	}
	pt.Az, pt.El = s.p.Coefficients.Apply(pt.Az, pt.El)
	return pt, true
}

// profile is the velocity profile of one traversal of distance d.
type profile struct {
	d       float64
	v, a    float64
	tRamp   float64
	tCruise float64
	total   float64
}

func newProfile(d, v, a float64) profile {
	l := profile{d: d, v: v, a: a}
	if d < v*v/a {
		// Too short to reach v: triangular profile.
		l.v = math.Sqrt(d * a)
	}
	l.tRamp = l.v / a
	l.tCruise = (d - l.v*l.tRamp) / l.v
	if l.tCruise < 0 {
		l.tCruise = 0
	}
	l.total = 2*l.tRamp + l.tCruise
	return l
}

// at returns distance travelled and speed t seconds into the leg.
func (l profile) at(t float64) (float64, float64) {
	switch {
	case t <= 0:
		return 0, 0
	case t <= l.tRamp:
		return 0.5 * l.a * t * t, l.a * t
	case t <= l.tRamp+l.tCruise:
		return 0.5*l.a*l.tRamp*l.tRamp + l.v*(t-l.tRamp), l.v
	case t < l.total:
		r := l.total - t
		return l.d - 0.5*l.a*r*r, l.a * r
	}
	return l.d, 0
}

func (l profile) cruising(t float64) bool {
	const eps = 1e-9
	return l.tCruise > 0 && t >= l.tRamp-eps && t <= l.tRamp+l.tCruise+eps
}

// turnaround emits Legs traversals sharing their endpoint samples.
type turnaround struct {
	p      Params
	spec   LinearTurnaround
	prof   profile
	n      int
	leg, i int
}

func newTurnaround(s LinearTurnaround, p Params) *turnaround {
	prof := newProfile(math.Abs(s.AzB-s.AzA), s.Velocity, s.Acceleration)
	n := samples(prof.total, p.Interval)
	if n < 1 {
		n = 1
	}
	return &turnaround{p: p, spec: s, prof: prof, n: n}
}

func (s *turnaround) Next() (Point, bool) {
	if s.leg >= s.spec.Legs {
		return Point{}, false
	}
	leg, i := s.leg, s.i
	if s.i == s.n {
		s.leg++
		s.i = 1
	} else {
		s.i++
	}

	from, to := s.spec.AzA, s.spec.AzB
	if leg%2 == 1 {
		from, to = to, from
	}
	dir := 1.0
	if to < from {
		dir = -1
	}
	dt := s.p.Interval.Seconds()
	t := float64(i) * dt
	pt := Point{
		Time: s.p.Start.Add(time.Duration(leg*s.n+i) * s.p.Interval),
		El:   s.spec.El,
		Leg:  leg,
	}
	if i == s.n {
		pt.Az = to
	} else {
		d, v := s.prof.at(t)
		pt.Az = from + dir*d
		pt.AzVel = dir * v
	}
	if s.prof.cruising(t) && i < s.n {
		pt.AzFlag = FlagCruise
		if !s.prof.cruising(t + dt) {
			pt.AzFlag = FlagCruiseEnd
		}
	}
	pt.Az, pt.El = s.p.Coefficients.Apply(pt.Az, pt.El)
	return pt, true
}

// Package trajectory generates time-tagged pointing sequences for the ACU's
// program-track mode.
package trajectory

import (
	"fmt"
	"math"
	"time"

	"github.com/w1xm/acu_interface/faults"
	"github.com/w1xm/acu_interface/spem"
)

const (
	// DefaultInterval is the program-track sample spacing.
	DefaultInterval = 100 * time.Millisecond
	// DefaultSlewRate is the point-to-point speed in degrees per second.
	DefaultSlewRate = 2.0
)

// Position is an azimuth/elevation pair in degrees.
type Position struct {
	Az float64 `json:"az"`
	El float64 `json:"el"`
}

// Velocity profile flags carried by each point.
const (
	// FlagRamp marks a point where the axis is accelerating or at rest.
	FlagRamp = 0
	// FlagCruise marks a constant-velocity point.
	FlagCruise = 1
	// FlagCruiseEnd marks the final constant-velocity point of a leg.
	FlagCruiseEnd = 2
)

// Point is one program-track sample. Az and El are already corrected by the
// pointing model.
type Point struct {
	Time           time.Time
	Az, El         float64
	AzVel, ElVel   float64
	AzFlag, ElFlag int
	// Leg is the 0-based traversal the point belongs to.
	Leg int
}

// Spec describes a requested motion.
type Spec interface {
	// Kind returns a short name for the motion type.
	Kind() string
	checks() []check
}

// PointToPoint moves the antenna to a single target.
type PointToPoint struct {
	Az float64 `json:"az"`
	El float64 `json:"el"`
}

func (PointToPoint) Kind() string { return "point_to_point" }

// LinearTurnaround sweeps azimuth back and forth between AzA and AzB at
// constant elevation. Legs counts one-way traversals, the first from AzA.
type LinearTurnaround struct {
	AzA          float64 `json:"az_a"`
	AzB          float64 `json:"az_b"`
	El           float64 `json:"el"`
	Velocity     float64 `json:"velocity"`
	Acceleration float64 `json:"acceleration"`
	Legs         int     `json:"legs"`
	// AzOnly tracks azimuth only, leaving elevation in Stop.
	AzOnly bool `json:"az_only"`
}

func (LinearTurnaround) Kind() string { return "linear_turnaround" }

// Limits bound what the drive may be asked to do. Zero bounds are not checked.
type Limits struct {
	AzMin, AzMax    float64
	ElMin, ElMax    float64
	MaxVelocity     float64
	MaxAcceleration float64
}

type check struct {
	name string
	fn   func(Limits) error
}

// Validate runs the checks for spec in order and returns the first failure.
// Every failure wraps faults.ErrValidation.
func Validate(spec Spec, limits Limits) error {
	if spec == nil {
		return faults.Validationf("no scan given")
	}
	for _, c := range spec.checks() {
		if err := c.fn(limits); err != nil {
			return fmt.Errorf("%s %s: %w", spec.Kind(), c.name, err)
		}
	}
	return nil
}

func finite(vs ...float64) error {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return faults.Validationf("non-finite value %v", v)
		}
	}
	return nil
}

func inRange(name string, v, lo, hi float64) error {
	if lo == 0 && hi == 0 {
		return nil
	}
	if v < lo || v > hi {
		return faults.Validationf("%s %.4f outside [%.4f, %.4f]", name, v, lo, hi)
	}
	return nil
}

func (s PointToPoint) checks() []check {
	return []check{
		{"finite", func(Limits) error { return finite(s.Az, s.El) }},
		{"az limits", func(l Limits) error { return inRange("az", s.Az, l.AzMin, l.AzMax) }},
		{"el limits", func(l Limits) error { return inRange("el", s.El, l.ElMin, l.ElMax) }},
	}
}

func (s LinearTurnaround) checks() []check {
	return []check{
		{"finite", func(Limits) error { return finite(s.AzA, s.AzB, s.El, s.Velocity, s.Acceleration) }},
		{"endpoints", func(Limits) error {
			if s.AzA == s.AzB {
				return faults.Validationf("endpoints are equal (%.4f)", s.AzA)
			}
			return nil
		}},
		{"velocity", func(Limits) error {
			if s.Velocity <= 0 {
				return faults.Validationf("velocity must be > 0, got %v", s.Velocity)
			}
			return nil
		}},
		{"acceleration", func(Limits) error {
			if s.Acceleration <= 0 {
				return faults.Validationf("acceleration must be > 0, got %v", s.Acceleration)
			}
			return nil
		}},
		{"legs", func(Limits) error {
			if s.Legs < 1 {
				return faults.Validationf("legs must be >= 1, got %d", s.Legs)
			}
			return nil
		}},
		{"az limits", func(l Limits) error {
			if err := inRange("az_a", s.AzA, l.AzMin, l.AzMax); err != nil {
				return err
			}
			return inRange("az_b", s.AzB, l.AzMin, l.AzMax)
		}},
		{"el limits", func(l Limits) error { return inRange("el", s.El, l.ElMin, l.ElMax) }},
		{"velocity limit", func(l Limits) error {
			if l.MaxVelocity > 0 && s.Velocity > l.MaxVelocity {
				return faults.Validationf("velocity %v exceeds %v", s.Velocity, l.MaxVelocity)
			}
			return nil
		}},
		{"acceleration limit", func(l Limits) error {
			if l.MaxAcceleration > 0 && s.Acceleration > l.MaxAcceleration {
				return faults.Validationf("acceleration %v exceeds %v", s.Acceleration, l.MaxAcceleration)
			}
			return nil
		}},
	}
}

// Params controls sampling of a Spec.
type Params struct {
	// Start is the time of the first point.
	Start time.Time
	// Interval is the sample spacing; DefaultInterval if zero.
	Interval time.Duration
	// From is the antenna position a point-to-point move starts at, as
	// reported by telemetry (after correction).
	From Position
	// SlewRate is the point-to-point speed; DefaultSlewRate if zero.
	SlewRate float64
	// Coefficients is applied to every emitted point.
	Coefficients spem.Coefficients
}

// start returns From in commanded coordinates.
func (p Params) start() Position {
	az, el := p.Coefficients.Invert(p.From.Az, p.From.El)
	return Position{Az: az, El: el}
}

func (p Params) withDefaults() (Params, error) {
	if p.Interval == 0 {
		p.Interval = DefaultInterval
	}
	if p.SlewRate == 0 {
		p.SlewRate = DefaultSlewRate
	}
	if p.Interval < 0 {
		return p, faults.Validationf("sample interval must be > 0, got %v", p.Interval)
	}
	if p.SlewRate < 0 {
		return p, faults.Validationf("slew rate must be > 0, got %v", p.SlewRate)
	}
	if err := finite(p.From.Az, p.From.El, p.SlewRate); err != nil {
		return p, err
	}
	return p, nil
}

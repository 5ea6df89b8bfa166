package acu

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/w1xm/acu_interface/faults"
)

// Mode is an axis operating mode.
type Mode int

const (
	ModeStop Mode = iota
	ModePreset
	ModeProgramTrack
	ModeStopping
	ModeFault
)

var modeNames = map[Mode]string{
	ModeStop:         "Stop",
	ModePreset:       "Preset",
	ModeProgramTrack: "ProgramTrack",
	ModeStopping:     "Stopping",
	ModeFault:        "Fault",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseMode maps the ACU's mode strings. Anything unrecognised is treated as
// a fault so callers never drive on an unknown state.
func ParseMode(s string) Mode {
	s = strings.TrimSpace(s)
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m
		}
	}
	return ModeFault
}

// Status keys in StatusDataset.
const (
	keyAzPos     = "Azimuth current position"
	keyElPos     = "Elevation current position"
	keyAzVel     = "Azimuth current velocity"
	keyElVel     = "Elevation current velocity"
	keyAzMode    = "Azimuth mode"
	keyElMode    = "Elevation mode"
	keyFreeStack = "Qty of free program track stack positions"
	keyRemote    = "ACU in remote mode"
	keyTime      = "Time"
)

// Status is a snapshot of StatusDataset.
type Status struct {
	// Time is the ACU clock, converted from fractional day of year.
	Time time.Time
	// Az and El are in degrees.
	Az float64
	El float64
	// AzVel and ElVel are in degrees/second.
	AzVel float64
	ElVel float64

	AzMode, ElMode Mode
	// FreeStack is the number of unused program-track queue positions.
	FreeStack int
	Remote    bool
}

// ParseStatus decodes a StatusDataset read. now resolves the year of the ACU
// clock. Missing or malformed keys are a transport error since they mean the
// reply was not a usable status frame.
func ParseStatus(raw map[string]interface{}, now time.Time) (Status, error) {
	var s Status
	var err error
	num := func(key string) float64 {
		if err != nil {
			return 0
		}
		v, ok := raw[key]
		if !ok {
			err = fmt.Errorf("status missing %q: %w", key, faults.ErrTransport)
			return 0
		}
		var f float64
		f, err = Float(v)
		if err != nil {
			err = fmt.Errorf("status %q: %v: %w", key, err, faults.ErrTransport)
		}
		return f
	}
	str := func(key string) string {
		if v, ok := raw[key]; ok {
			return fmt.Sprint(v)
		}
		if err == nil {
			err = fmt.Errorf("status missing %q: %w", key, faults.ErrTransport)
		}
		return ""
	}
	s.Az = num(keyAzPos)
	s.El = num(keyElPos)
	s.AzVel = num(keyAzVel)
	s.ElVel = num(keyElVel)
	s.FreeStack = int(num(keyFreeStack))
	s.AzMode = ParseMode(str(keyAzMode))
	s.ElMode = ParseMode(str(keyElMode))
	s.Remote = Bool(raw[keyRemote])
	if _, ok := raw[keyTime]; ok {
		s.Time = Timecode(num(keyTime), now)
	} else {
		s.Time = now
	}
	if err != nil {
		return Status{}, err
	}
	return s, nil
}

// Float converts a dataset value to a number.
func Float(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return 0, fmt.Errorf("unexpected value %v (%T)", v, v)
}

// Bool converts a dataset value to a flag. Missing values are false.
func Bool(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err == nil {
			return b
		}
	}
	f, err := Float(v)
	return err == nil && f != 0
}

const day = 24 * time.Hour

// Timecode converts the ACU's fractional day of year (1.0 is midnight on
// January 1st) to a time. The year is taken from now, guarded so that a
// timestamp read across New Year resolves to the right year.
func Timecode(acutime float64, now time.Time) time.Time {
	var ref time.Time
	if acutime > 180 {
		ref = now.Add(-30 * day)
	} else {
		ref = now.Add(30 * day)
	}
	year := time.Date(ref.UTC().Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	// Round to the microsecond; the ACU does not report finer.
	usec := math.Round((acutime - 1) * float64(day/time.Microsecond))
	return year.Add(time.Duration(usec) * time.Microsecond)
}

// DayOfYear is the inverse of Timecode.
func DayOfYear(t time.Time) float64 {
	t = t.UTC()
	year := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	return 1 + t.Sub(year).Seconds()/day.Seconds()
}

// Package spem implements the Systematic Pointing Error Model used by the ACU
// to correct commanded azimuth/elevation, and access to the ACU's SPEM
// parameter dataset.
package spem

import (
	"fmt"
	"math"
	"sort"

	"github.com/w1xm/acu_interface/faults"
	"gopkg.in/yaml.v3"
)

// Term is one of the fixed set of SPEM coefficients.
type Term int

const (
	IA Term = iota
	IE
	TF
	TFS
	AN
	AW
	AN2
	AW2
	NPAE
	CA
	AES
	AEC
	AES2
	AEC2

	numTerms
)

var termNames = [numTerms]string{
	IA:   "IA",
	IE:   "IE",
	TF:   "TF",
	TFS:  "TFS",
	AN:   "AN",
	AW:   "AW",
	AN2:  "AN2",
	AW2:  "AW2",
	NPAE: "NPAE",
	CA:   "CA",
	AES:  "AES",
	AEC:  "AEC",
	AES2: "AES2",
	AEC2: "AEC2",
}

// Terms returns every term in canonical order.
func Terms() []Term {
	out := make([]Term, numTerms)
	for i := range out {
		out[i] = Term(i)
	}
	return out
}

func (t Term) String() string {
	if t < 0 || t >= numTerms {
		return fmt.Sprintf("Term(%d)", int(t))
	}
	return termNames[t]
}

// ParseTerm returns the term with the given name. Names outside the SPEM
// vocabulary are a validation error.
func ParseTerm(name string) (Term, error) {
	for i, n := range termNames {
		if n == name {
			return Term(i), nil
		}
	}
	return 0, faults.Validationf("unknown SPEM term %q", name)
}

// Coefficients holds a value in degrees for every term. The zero value is the
// identity model.
type Coefficients [numTerms]float64

// NewCoefficients builds a coefficient set from a name->degrees map. Terms
// not present default to 0; unknown names are rejected.
func NewCoefficients(values map[string]float64) (Coefficients, error) {
	var c Coefficients
	// Sort so the reported error is stable.
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t, err := ParseTerm(name)
		if err != nil {
			return Coefficients{}, err
		}
		c[t] = values[name]
	}
	return c, nil
}

// Get returns the value of t in degrees.
func (c Coefficients) Get(t Term) float64 {
	return c[t]
}

// With returns a copy of c with t set to v degrees.
func (c Coefficients) With(t Term, v float64) Coefficients {
	c[t] = v
	return c
}

// Map returns the non-zero terms by name.
func (c Coefficients) Map() map[string]float64 {
	out := make(map[string]float64)
	for i, v := range c {
		if v != 0 {
			out[termNames[i]] = v
		}
	}
	return out
}

// IsZero reports whether every term is zero.
func (c Coefficients) IsZero() bool {
	return c == Coefficients{}
}

func (c *Coefficients) UnmarshalYAML(value *yaml.Node) error {
	var m map[string]float64
	if err := value.Decode(&m); err != nil {
		return err
	}
	parsed, err := NewCoefficients(m)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c Coefficients) MarshalYAML() (interface{}, error) {
	return c.Map(), nil
}

const deg = math.Pi / 180

// Correct returns the correction (in degrees) the model applies at the
// commanded position az, el (degrees).
func Correct(az, el float64, c Coefficients) (dAz, dEl float64) {
	a, e := az*deg, el*deg
	sa, ca := math.Sin(a), math.Cos(a)
	s2a, c2a := math.Sin(2*a), math.Cos(2*a)
	te := math.Tan(e)

	// Index offsets.
	dAz += c[IA]
	dEl += c[IE]

	// Tube flexure.
	dEl += c[TF]*math.Cos(e) + c[TFS]*math.Sin(e)

	// Azimuth axis tilt.
	dAz += -c[AN]*te*sa - c[AW]*te*ca - c[AN2]*te*s2a - c[AW2]*te*c2a
	dEl += -c[AN]*ca + c[AW]*sa - c[AN2]*ca + c[AW2]*sa

	// Axis non-perpendicularity.
	dAz += -c[NPAE] * te

	// Collimation.
	dAz += -c[CA] / math.Cos(e)

	// Azimuth encoder eccentricity. There is no elevation counterpart.
	dAz += c[AES]*sa + c[AEC]*ca + c[AES2]*s2a + c[AEC2]*c2a

	return dAz, dEl
}

// Apply returns the corrected drive position for the commanded az, el.
func (c Coefficients) Apply(az, el float64) (float64, float64) {
	if c.IsZero() {
		return az, el
	}
	dAz, dEl := Correct(az, el, c)
	return az + dAz, el + dEl
}

// INVERT_ITERATIONS bounds the fixed-point iteration in Invert.
const INVERT_ITERATIONS = 20

// Invert returns the commanded position that Apply maps onto the drive
// position az, el.
func (c Coefficients) Invert(az, el float64) (float64, float64) {
	if c.IsZero() {
		return az, el
	}
	cAz, cEl := az, el
	for i := 0; i < INVERT_ITERATIONS; i++ {
		dAz, dEl := Correct(cAz, cEl, c)
		nAz, nEl := az-dAz, el-dEl
		done := math.Abs(nAz-cAz) < 1e-12 && math.Abs(nEl-cEl) < 1e-12
		cAz, cEl = nAz, nEl
		if done {
			break
		}
	}
	return cAz, cEl
}

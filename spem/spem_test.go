package spem

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/w1xm/acu_interface/faults"
	"gopkg.in/yaml.v3"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestCorrect(t *testing.T) {
	for _, test := range []struct {
		name   string
		coeffs map[string]float64
		az, el float64
		wantAz float64
		wantEl float64
	}{
		{"identity", nil, 123, 45, 0, 0},
		{"IA", map[string]float64{"IA": 0.1}, 200, 30, 0.1, 0},
		{"IE", map[string]float64{"IE": -0.4}, 10, 80, 0, -0.4},
		{"IA and IE", map[string]float64{"IA": 0.3, "IE": -0.4}, 180, 60, 0.3, -0.4},
		{"TF at horizon", map[string]float64{"TF": 0.3}, 0, 0, 0, 0.3},
		{"TFS at horizon", map[string]float64{"TFS": 0.3}, 0, 0, 0, 0},
		{"AN north", map[string]float64{"AN": 0.2}, 0, 45, 0, -0.2},
		{"AN east", map[string]float64{"AN": 0.2}, 90, 45, -0.2, 0},
		{"AW north", map[string]float64{"AW": 0.2}, 0, 45, -0.2, 0},
		{"NPAE", map[string]float64{"NPAE": 0.1}, 33, 45, -0.1, 0},
		{"CA", map[string]float64{"CA": 0.1}, 0, 60, -0.2, 0},
		{"AES east", map[string]float64{"AES": 0.1}, 90, 20, 0.1, 0},
		{"AEC north", map[string]float64{"AEC": 0.1}, 0, 20, 0.1, 0},
		{"AEC2 east", map[string]float64{"AEC2": 0.1}, 90, 20, -0.1, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			c, err := NewCoefficients(test.coeffs)
			if err != nil {
				t.Fatal(err)
			}
			dAz, dEl := Correct(test.az, test.el, c)
			got := []float64{dAz, dEl}
			want := []float64{test.wantAz, test.wantEl}
			if diff := cmp.Diff(got, want, approx); diff != "" {
				t.Errorf("Correct(%v, %v) got(-)/want(+):\n%s", test.az, test.el, diff)
			}
		})
	}
}

func TestCorrectSuperposition(t *testing.T) {
	a := Coefficients{}.With(IA, 0.1).With(AN, -0.05).With(CA, 0.02).With(AES2, 0.01)
	b := Coefficients{}.With(IE, 0.2).With(TF, 0.03).With(AW2, 0.04).With(NPAE, -0.01)
	var sum Coefficients
	for i := range sum {
		sum[i] = a[i] + b[i]
	}
	for _, pos := range [][2]float64{{0, 10}, {95, 40}, {180, 60}, {271.5, 85}} {
		aAz, aEl := Correct(pos[0], pos[1], a)
		bAz, bEl := Correct(pos[0], pos[1], b)
		sAz, sEl := Correct(pos[0], pos[1], sum)
		if diff := cmp.Diff([]float64{sAz, sEl}, []float64{aAz + bAz, aEl + bEl}, approx); diff != "" {
			t.Errorf("at %v: got(-)/want(+):\n%s", pos, diff)
		}
	}
}

func TestApply(t *testing.T) {
	c := Coefficients{}.With(IA, 0.3).With(IE, -0.4)
	az, el := c.Apply(180, 60)
	if diff := cmp.Diff([]float64{az, el}, []float64{180.3, 59.6}, approx); diff != "" {
		t.Errorf("got(-)/want(+):\n%s", diff)
	}
	az, el = Coefficients{}.Apply(12.5, 34.5)
	if az != 12.5 || el != 34.5 {
		t.Errorf("identity Apply = %v, %v", az, el)
	}
}

func TestInvert(t *testing.T) {
	c := Coefficients{}.With(IA, 0.3).With(IE, -0.4).With(AN, 0.02).With(NPAE, -0.01).With(AES, 0.005)
	for _, pos := range [][2]float64{{0, 10}, {95, 40}, {180, 60}, {271.5, 85}} {
		az, el := c.Apply(pos[0], pos[1])
		gotAz, gotEl := c.Invert(az, el)
		if diff := cmp.Diff([]float64{gotAz, gotEl}, []float64{pos[0], pos[1]}, approx); diff != "" {
			t.Errorf("Invert(Apply(%v)) got(-)/want(+):\n%s", pos, diff)
		}
	}
	az, el := Coefficients{}.Invert(12.5, 34.5)
	if az != 12.5 || el != 34.5 {
		t.Errorf("identity Invert = %v, %v", az, el)
	}
}

func TestNewCoefficientsRejectsUnknown(t *testing.T) {
	_, err := NewCoefficients(map[string]float64{"IA": 1, "EES": 0.1})
	if !errors.Is(err, faults.ErrValidation) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestCoefficientsYAML(t *testing.T) {
	var c Coefficients
	if err := yaml.Unmarshal([]byte("IA: 0.1\nNPAE: -0.02\n"), &c); err != nil {
		t.Fatal(err)
	}
	want := Coefficients{}.With(IA, 0.1).With(NPAE, -0.02)
	if diff := cmp.Diff(c, want); diff != "" {
		t.Errorf("got(-)/want(+):\n%s", diff)
	}
	if err := yaml.Unmarshal([]byte("XX: 1\n"), &c); !errors.Is(err, faults.ErrValidation) {
		t.Errorf("unknown term: got %v, want validation error", err)
	}
}

func TestParseTerm(t *testing.T) {
	for _, term := range Terms() {
		got, err := ParseTerm(term.String())
		if err != nil || got != term {
			t.Errorf("ParseTerm(%q) = %v, %v", term.String(), got, err)
		}
	}
	if len(Terms()) != 14 {
		t.Errorf("got %d terms, want 14", len(Terms()))
	}
}

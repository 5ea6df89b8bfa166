package spem

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/w1xm/acu_interface/faults"
)

// Datasets that must be readable before coefficients can be commissioned.
var CheckDatasets = []string{
	"DataSets.StatusGeneral8100",
	"DataSets.StatusPointingCorrection",
	ParameterDataset,
}

// Readiness reports whether the ACU is in remote mode and whether both axes
// are in Stop.
type Readiness func(ctx context.Context) (remote, stopped bool, err error)

// Step is one stage of the commissioning check.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// StepResult records the outcome of a step that was run.
type StepResult struct {
	Name string `json:"name"`
	Err  string `json:"error,omitempty"`
}

// Checks returns the ordered commissioning steps for the ACU behind c.
func (c *Client) Checks(ready Readiness) []Step {
	return []Step{
		{"datasets present", c.checkDatasets},
		{"schema", c.checkSchema},
		{"remote mode", func(ctx context.Context) error {
			remote, _, err := ready(ctx)
			if err != nil {
				return err
			}
			if !remote {
				return fmt.Errorf("ACU is not in remote mode: %w", faults.ErrDeviceFault)
			}
			return nil
		}},
		{"stopped", func(ctx context.Context) error {
			_, stopped, err := ready(ctx)
			if err != nil {
				return err
			}
			if !stopped {
				return fmt.Errorf("ACU must be in Stop: %w", faults.ErrDeviceFault)
			}
			return nil
		}},
		{"write-back", c.checkWriteback},
	}
}

// Run executes steps in order and stops at the first failure. The returned
// results cover every step that ran; err is the failing step's error.
func Run(ctx context.Context, steps []Step) ([]StepResult, error) {
	var results []StepResult
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("%s: %w", s.Name, faults.ErrCancelled)
		}
		err := s.Run(ctx)
		r := StepResult{Name: s.Name}
		if err != nil {
			r.Err = err.Error()
		}
		results = append(results, r)
		if err != nil {
			log.Printf("spem check: %s failed: %v", s.Name, err)
			return results, fmt.Errorf("%s: %w", s.Name, err)
		}
		log.Printf("spem check: %s ok", s.Name)
	}
	return results, nil
}

// Check runs the full commissioning pipeline.
func (c *Client) Check(ctx context.Context, ready Readiness) ([]StepResult, error) {
	return Run(ctx, c.Checks(ready))
}

func (c *Client) checkDatasets(ctx context.Context) error {
	var missing []string
	for _, ds := range CheckDatasets {
		if _, err := c.Device.Values(ctx, ds); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			missing = append(missing, ds)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("cannot read %s: %w", strings.Join(missing, ", "), faults.ErrTransport)
	}
	return nil
}

func (c *Client) checkSchema(ctx context.Context) error {
	m, err := c.read(ctx)
	if err != nil {
		return err
	}
	var missing []string
	for _, t := range Terms() {
		if _, ok := m[t]; !ok {
			missing = append(missing, t.String())
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return faults.Validationf("ACU is missing terms %s", strings.Join(missing, ", "))
	}
	return nil
}

// checkWriteback writes every term back with its current value.
func (c *Client) checkWriteback(ctx context.Context) error {
	coeffs, err := c.Get(ctx)
	if err != nil {
		return err
	}
	return c.Set(ctx, coeffs)
}

package spem

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/w1xm/acu_interface/faults"
)

const (
	ParameterDataset = "DataSets.CmdSPEMParameter"
	EnableDataset    = "DataSets.CmdPointingCorrection"
	EnableKey        = "Systematic error model (SPEM) on"

	// The ACU stores coefficients in millidegrees.
	mdeg = 0.001
)

// DefaultIgnoreWriteback lists the terms some ACU firmware refuses to write
// back. A rejected write of one of these is logged and tolerated.
var DefaultIgnoreWriteback = []Term{AN2, AW2}

// Device is the subset of ACU primitives the client needs. Command must
// return an error wrapping faults.ErrCommandRejected for a reply that is not
// an acknowledgement.
type Device interface {
	Values(ctx context.Context, dataset string) (map[string]interface{}, error)
	Command(ctx context.Context, dataset, command string, params ...string) error
}

// Client reads and writes the SPEM coefficients held by the ACU.
type Client struct {
	Device          Device
	IgnoreWriteback []Term
}

// NewClient returns a client using the default write-back allowlist.
func NewClient(dev Device) *Client {
	return &Client{Device: dev, IgnoreWriteback: DefaultIgnoreWriteback}
}

// read returns the raw term values present in the dataset, in degrees.
func (c *Client) read(ctx context.Context) (map[Term]float64, error) {
	raw, err := c.Device.Values(ctx, ParameterDataset)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ParameterDataset, err)
	}
	out := make(map[Term]float64, len(raw))
	for k, v := range raw {
		name := strings.TrimPrefix(strings.TrimPrefix(k, "Parameter "), "Spem_")
		t, err := ParseTerm(name)
		if err != nil {
			return nil, err
		}
		f, err := toFloat(v)
		if err != nil {
			return nil, faults.Validationf("%s: %v", k, err)
		}
		out[t] = f * mdeg
	}
	return out, nil
}

// Get returns the coefficients currently loaded in the ACU.
func (c *Client) Get(ctx context.Context) (Coefficients, error) {
	m, err := c.read(ctx)
	if err != nil {
		return Coefficients{}, err
	}
	var coeffs Coefficients
	for t, v := range m {
		coeffs[t] = v
	}
	return coeffs, nil
}

// Set writes every term of coeffs to the ACU.
func (c *Client) Set(ctx context.Context, coeffs Coefficients) error {
	return c.SetTerms(ctx, coeffs, Terms()...)
}

// SetTerms writes only the listed terms of coeffs.
func (c *Client) SetTerms(ctx context.Context, coeffs Coefficients, terms ...Term) error {
	for _, t := range terms {
		err := c.Device.Command(ctx, ParameterDataset, "Set Spem_"+t.String(), fmt.Sprintf("%f", coeffs[t]/mdeg))
		if err == nil {
			continue
		}
		if errors.Is(err, faults.ErrCommandRejected) && c.ignored(t) {
			log.Printf("spem: ACU refused write of %v, ignoring: %v", t, err)
			continue
		}
		return fmt.Errorf("set %v: %w", t, err)
	}
	return nil
}

func (c *Client) ignored(t Term) bool {
	for _, i := range c.IgnoreWriteback {
		if i == t {
			return true
		}
	}
	return false
}

// Clear writes zero to every term.
func (c *Client) Clear(ctx context.Context) error {
	return c.Set(ctx, Coefficients{})
}

// SetEnabled turns the ACU's global SPEM correction on or off.
func (c *Client) SetEnabled(ctx context.Context, enable bool) error {
	v := "0"
	if enable {
		v = "1"
	}
	if err := c.Device.Command(ctx, EnableDataset, "Set "+EnableKey, v); err != nil {
		return fmt.Errorf("set SPEM enable: %w", err)
	}
	return nil
}

// Enabled reports whether the ACU's global SPEM correction is on.
func (c *Client) Enabled(ctx context.Context) (bool, error) {
	raw, err := c.Device.Values(ctx, EnableDataset)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", EnableDataset, err)
	}
	v, ok := raw[EnableKey]
	if !ok {
		return false, faults.Validationf("%s: missing %q", EnableDataset, EnableKey)
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, faults.Validationf("%q: %v", EnableKey, err)
		}
		return parsed, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return false, faults.Validationf("%q: %v", EnableKey, err)
	}
	return f != 0, nil
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return 0, fmt.Errorf("unexpected value %v (%T)", v, v)
}

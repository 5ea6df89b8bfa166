package acu

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/w1xm/acu_interface/faults"
	"github.com/w1xm/acu_interface/internal/clock"
)

// Observer receives per-call outcomes. internal/metrics implements it.
type Observer interface {
	// CallDone is called once per primitive invocation after retries, with
	// the final error.
	CallDone(call string, err error)
	// Retried is called before each repeated attempt.
	Retried(call string)
}

// RetryPolicy bounds how often a failed call is repeated.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

var DefaultRetryPolicy = RetryPolicy{
	Attempts:        4,
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      2,
}

// Control serialises access to an ACU. Every call is bounded by CallTimeout,
// retried on transport failure, and checked for an acknowledgement.
//
// An in-flight request is allowed to finish when ctx is cancelled; ctx only
// stops further attempts.
type Control struct {
	dev Device
	mu  sync.Mutex

	CallTimeout time.Duration
	Retry       RetryPolicy
	// RetryRejected lists command names that are retried even when the ACU
	// rejects them.
	RetryRejected []string
	Observer      Observer
	Clock         clock.Clock
}

// NewControl returns a Control with default timeout and retry policy.
func NewControl(dev Device) *Control {
	return &Control{
		dev:         dev,
		CallTimeout: 5 * time.Second,
		Retry:       DefaultRetryPolicy,
		Clock:       clock.Real{},
	}
}

func (c *Control) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.Retry.InitialInterval > 0 {
		b.InitialInterval = c.Retry.InitialInterval
	}
	if c.Retry.MaxInterval > 0 {
		b.MaxInterval = c.Retry.MaxInterval
	}
	if c.Retry.Multiplier > 0 {
		b.Multiplier = c.Retry.Multiplier
	}
	return b
}

func (c *Control) retryable(command string, err error) bool {
	if errors.Is(err, faults.ErrCommandRejected) {
		for _, name := range c.RetryRejected {
			if name == command {
				return true
			}
		}
		return false
	}
	return errors.Is(err, faults.ErrTransport) || errors.Is(err, context.DeadlineExceeded)
}

// do runs op under the device lock with bounded retry. The lock is held for
// a single attempt only.
func (c *Control) do(ctx context.Context, call, command string, op func(ctx context.Context) error) error {
	attempts := c.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	tries := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tries++
		if tries > 1 && c.Observer != nil {
			c.Observer.Retried(call)
		}
		err := c.attempt(ctx, op)
		if err == nil {
			return struct{}{}, nil
		}
		if !c.retryable(command, err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if tries < attempts {
			log.Printf("acu: %s attempt %d/%d failed, retrying: %v", call, tries, attempts, err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(c.backOff()), backoff.WithMaxTries(uint(attempts)))
	if err != nil && ctx.Err() != nil && !c.isTerminal(err) {
		err = fmt.Errorf("%s: %w", call, faults.ErrCancelled)
	}
	if c.Observer != nil {
		c.Observer.CallDone(call, err)
	}
	return err
}

// isTerminal reports whether err already carries a taxonomy sentinel other
// than a bare context error.
func (c *Control) isTerminal(err error) bool {
	k := faults.Kind(err)
	return k != "unknown" && k != ""
}

func (c *Control) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.CallTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	err := op(actx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, faults.ErrTransport) {
		err = fmt.Errorf("%w: %w", err, faults.ErrTransport)
	}
	return err
}

// Values reads a dataset.
func (c *Control) Values(ctx context.Context, identifier string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, "values", "", func(ctx context.Context) error {
		var err error
		out, err = c.dev.Values(ctx, identifier)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("values %s: %w", identifier, err)
	}
	return out, nil
}

// Command invokes command on identifier and fails with a *faults.CommandError
// unless the ACU acknowledges it.
func (c *Control) Command(ctx context.Context, identifier, command string, params ...string) error {
	err := c.do(ctx, "command", command, func(ctx context.Context) error {
		reply, err := c.dev.Command(ctx, identifier, command, params...)
		if err != nil {
			return err
		}
		if reply = strings.TrimSpace(reply); !isAck(reply) {
			return &faults.CommandError{Dataset: identifier, Command: command, Response: reply}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("command %q: %w", command, err)
	}
	return nil
}

// Write stores raw data into a dataset.
func (c *Control) Write(ctx context.Context, identifier string, data []byte) error {
	err := c.do(ctx, "write", "", func(ctx context.Context) error {
		return c.dev.Write(ctx, identifier, data)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", identifier, err)
	}
	return nil
}

// UploadPtStack appends program-track lines to the ACU queue.
func (c *Control) UploadPtStack(ctx context.Context, text string) error {
	err := c.do(ctx, "upload", "", func(ctx context.Context) error {
		_, err := c.dev.UploadPtStack(ctx, text)
		return err
	})
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

// Status reads and parses StatusDataset.
func (c *Control) Status(ctx context.Context) (Status, error) {
	raw, err := c.Values(ctx, StatusDataset)
	if err != nil {
		return Status{}, err
	}
	now := time.Now()
	if c.Clock != nil {
		now = c.Clock.Now()
	}
	return ParseStatus(raw, now)
}

// SetMode sets both axes to mode, or only azimuth when azOnly is true.
func (c *Control) SetMode(ctx context.Context, mode Mode, azOnly bool) error {
	if azOnly {
		return c.Command(ctx, ModeDataset, CmdSetAzMode, mode.String())
	}
	return c.Command(ctx, ModeDataset, CmdSetModes, mode.String()+"|"+mode.String())
}

// Stop puts both axes in Stop.
func (c *Control) Stop(ctx context.Context) error {
	return c.SetMode(ctx, ModeStop, false)
}

// ClearStack empties the program-track queue.
func (c *Control) ClearStack(ctx context.Context) error {
	return c.Command(ctx, TimePositionDataset, CmdClearStack)
}

// GoTo commands a Preset move to az, el.
func (c *Control) GoTo(ctx context.Context, az, el float64) error {
	if err := c.Command(ctx, PositionDataset, CmdSetPosition, fmt.Sprintf("%.4f|%.4f", az, el)); err != nil {
		return err
	}
	return c.SetMode(ctx, ModePreset, false)
}

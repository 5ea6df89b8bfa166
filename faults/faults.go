// Package faults defines the error kinds shared by the drive control packages.
//
// Every terminal error returned by this module wraps exactly one of the
// sentinels below, so callers can classify failures with errors.Is.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed scan or coefficient set. It is raised
	// before any device interaction and is never retried.
	ErrValidation = errors.New("validation failed")
	// ErrTransport marks a failure to reach the ACU at all.
	ErrTransport = errors.New("transport failure")
	// ErrCommandRejected marks a reply that was not the expected acknowledgement.
	ErrCommandRejected = errors.New("command rejected")
	// ErrMotionTimeout marks a target that was not reached in the allotted time.
	ErrMotionTimeout = errors.New("motion timeout")
	// ErrBufferFault marks a would-be overflow or underflow of the ACU stack.
	// It indicates a defect in the uploader, not an operational condition.
	ErrBufferFault = errors.New("track buffer fault")
	// ErrDeviceFault marks the ACU leaving the commanded mode on its own
	// (fault, local mode, external stop).
	ErrDeviceFault = errors.New("device fault")
	// ErrCancelled marks an operation stopped on request.
	ErrCancelled = errors.New("cancelled")
)

// CommandError is returned when the ACU answers a command with anything other
// than an acknowledgement.
type CommandError struct {
	Dataset  string
	Command  string
	Response string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %q: ACU replied %q", e.Dataset, e.Command, e.Response)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommandRejected
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrValidation, "validation"},
	{ErrTransport, "transport"},
	{ErrCommandRejected, "rejected"},
	{ErrMotionTimeout, "timeout"},
	{ErrBufferFault, "buffer"},
	{ErrDeviceFault, "device"},
	{ErrCancelled, "cancelled"},
}

// Kind returns a short name for the kind of err, suitable for log fields and
// metric labels. It returns "" for a nil error.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "unknown"
}

// Validationf returns a validation error with a formatted description.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

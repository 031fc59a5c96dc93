// Package core defines the clock, delay and error vocabulary shared by the
// conductor packages.
package core

import "errors"

// Error classes. Package-level errors elsewhere wrap one of these so callers
// can classify a failure with errors.Is.
var (
	// ErrConfiguration marks a stage that cannot be set up, e.g. a mandatory
	// trait is missing. Fatal to the stage, not to the run.
	ErrConfiguration = errors.New("configuration error")

	// ErrCapabilityViolation marks a call to a capability variant that the
	// negotiated trait does not support. It indicates a stage/plugin mismatch.
	ErrCapabilityViolation = errors.New("capability violation")

	// ErrWorkerExecution marks a fault raised while a worker ran a stage body.
	ErrWorkerExecution = errors.New("worker execution error")

	// ErrProtocolTimeout marks an acknowledgement that did not arrive in time.
	// It is handled exactly like ErrWorkerExecution for the affected worker.
	ErrProtocolTimeout = errors.New("protocol timeout")
)

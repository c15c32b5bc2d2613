// Package errs defines the error taxonomy shared by the lifecycle engine,
// the fan-out executor, and the root library facade. It lives in its own
// internal package, rather than the root package, so internal/engine and
// internal/fanout can construct these errors without the root package
// importing them back (which would be an import cycle, since the root
// package is what wires engine and fanout together).
package errs

import "fmt"

// Error is the common shape of every error the Library API surfaces to
// callers. It follows the runner.RuntimeError pattern from the pack: a
// typed Kind plus an optional InstanceID and wrapped cause.
type Error struct {
	Kind       Kind
	InstanceID string
	Op         string
	Err        error
}

// Kind is the error taxonomy from the provisioning/fan-out design.
// TransientError is deliberately absent from this taxonomy: it is
// swallowed at the poll layer and never reaches a caller (see
// internal/engine's wait loop).
type Kind string

const (
	// Configuration covers missing credentials or an unparseable endpoint
	// string.
	Configuration Kind = "configuration_error"
	// Backend covers the cloud backend refusing a request (auth, quota,
	// missing image, ...).
	Backend Kind = "backend_error"
	// BootTimeout covers num_starts reaching max_starts while the
	// instance is still not Ready.
	BootTimeout Kind = "boot_timeout"
	// BootstrapFailed covers vm-bootstrap.sh exiting non-zero. Never
	// retried: it indicates a problem with the image, not the network.
	BootstrapFailed Kind = "bootstrap_failed"
	// RemoteCommand covers a non-zero exit from a fan-out run() with
	// check_exit=true.
	RemoteCommand Kind = "remote_command_failed"
)

func (e *Error) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("precip: %s failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
	}
	return fmt.Sprintf("precip: %s failed: %v", e.Op, e.Err)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind, so callers can
// do errors.Is(err, &errs.Error{Kind: errs.BootTimeout}).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	if other.Kind == "" {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an Error of the given kind, operation name and optional
// instance id.
func New(kind Kind, op, instanceID string, err error) *Error {
	return &Error{Kind: kind, Op: op, InstanceID: instanceID, Err: err}
}

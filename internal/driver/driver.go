// Package driver defines the capability set that the lifecycle engine
// drives uniformly across EC2-family, GCE and Azure ARM backends. The
// engine owns the state machine; drivers stay dumb, only answering "is
// it ready yet" and performing the handful of cloud calls the engine
// asks for.
package driver

import (
	"context"

	"precip/internal/registry"
)

// Status is the outcome of a non-blocking readiness poll.
type Status int

const (
	// StatusPending means the backend has not yet reported a terminal
	// state; the engine keeps waiting.
	StatusPending Status = iota
	// StatusReady means the instance has a usable address and addresses()
	// may now be called.
	StatusReady
	// StatusError means the backend reported a structural failure
	// (not a transient network blip) and the engine should treat the
	// deadline as reached, triggering the retry/fail path.
	StatusError
)

// PollOutcome is the result of PollReady.
type PollOutcome struct {
	Status Status
	// Err is set when Status is StatusError, describing the backend's
	// reported failure.
	Err error
}

// Capabilities advertises backend-specific constants the engine needs but
// must not hard-code, per the fix for the hard-coded EC2 tag cap noted in
// the design notes.
type Capabilities struct {
	// MaxTags is the maximum number of user tags the backend accepts per
	// instance. 0 means unlimited.
	MaxTags int
	// AdminUser is the user the bootstrap script runs as.
	AdminUser string
	// BootstrapPath is the remote path the bootstrap script is uploaded
	// to before being chmod'd and executed.
	BootstrapPath string
	// ProbeFQDN asks the engine to resolve the instance's private address
	// by running "hostname -f" over the freshly bootstrapped SSH session,
	// for backends whose metadata carries no private DNS name.
	ProbeFQDN bool
}

// Driver is the capability set every backend implements. It is
// intentionally narrow: start, poll, fetch addresses, terminate, and
// prepare the account's cloud-side identity.
type Driver interface {
	// Name identifies the backend for logging and tagging, e.g. "ec2",
	// "gce", "azure".
	Name() string

	// Capabilities returns this backend's advertised limits.
	Capabilities() Capabilities

	// PrepareAccount registers the account's SSH public key and default
	// network rules under a name derived from uid. Idempotent: must
	// tolerate "already exists" from the backend.
	PrepareAccount(ctx context.Context, uid string, publicKeyPath string) error

	// StartOne issues a single-instance launch request and returns
	// immediately with an opaque handle. It must not block until the
	// instance is ready.
	StartOne(ctx context.Context, params registry.LaunchParams) (handle string, err error)

	// PollReady performs a non-blocking check of the current state from
	// backend metadata.
	PollReady(ctx context.Context, handle string) (PollOutcome, error)

	// Addresses returns the public and private address of a handle.
	// Valid only after PollReady has reported StatusReady.
	Addresses(ctx context.Context, handle string) (public, private string, err error)

	// Terminate tears down the handle. Idempotent: must tolerate
	// "already gone".
	Terminate(ctx context.Context, handle string) error
}

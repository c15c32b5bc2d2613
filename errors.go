package precip

import "precip/internal/errs"

// Error is the common shape of every error the Library API surfaces to
// callers. It follows the runner.RuntimeError pattern from the pack: a
// typed Kind plus an optional InstanceID and wrapped cause.
type Error = errs.Error

// Kind is the error taxonomy from the provisioning/fan-out design.
// TransientError is deliberately absent from this taxonomy: it is
// swallowed at the poll layer and never reaches a caller (see
// internal/engine's wait loop).
type Kind = errs.Kind

const (
	// KindConfiguration covers missing credentials or an unparseable
	// endpoint string.
	KindConfiguration = errs.Configuration
	// KindBackend covers the cloud backend refusing a request (auth,
	// quota, missing image, ...).
	KindBackend = errs.Backend
	// KindBootTimeout covers num_starts reaching max_starts while the
	// instance is still not Ready.
	KindBootTimeout = errs.BootTimeout
	// KindBootstrapFailed covers vm-bootstrap.sh exiting non-zero. Never
	// retried: it indicates a problem with the image, not the network.
	KindBootstrapFailed = errs.BootstrapFailed
	// KindRemoteCommand covers a non-zero exit from a fan-out run() with
	// check_exit=true.
	KindRemoteCommand = errs.RemoteCommand
)

// Package engine implements the provisioning lifecycle state machine:
// launch instances in parallel, poll each to readiness, bootstrap over
// SSH, enforce boot deadlines with bounded restart-from-scratch retries,
// and tear everything down on every exit path.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"precip/internal/driver"
	"precip/internal/errs"
	"precip/internal/registry"
	"precip/internal/sshclient"
	"precip/resources"
)

// pollInterval is the wait loop's scan period. The legacy tool used
// 20-30s; this is not a hot poll, so picking a fixed value in that band
// is fine rather than exposing it as another knob. A var, not a const,
// so tests can shrink it instead of waiting out real wall-clock minutes.
var pollInterval = 20 * time.Second

// terminateRetries and terminateBackoff bound deprovision's tolerance for
// a backend that is still settling after a terminate call.
const terminateRetries = 3

var terminateBackoff = 20 * time.Second

// sshRunner is the narrow slice of sshclient.Client the bootstrap step
// needs. Depending on this instead of the concrete type lets tests
// exercise the Bootstrapping state transitions with a fake instead of a
// live SSH server.
type sshRunner interface {
	PutBytes(host, user, remotePath string, data []byte, mode os.FileMode) error
	Run(host, user, cmd string) (sshclient.Result, error)
}

// ProvisionRequest describes one provision() call.
type ProvisionRequest struct {
	ExperimentName string
	Image          string
	Size           string
	Network        string
	Count          int
	Tags           []string
	BootTimeout    time.Duration
	MaxStarts      int
	PrivateOnly    bool
	Extra          map[string]string
}

// Engine drives a single driver.Driver against a registry.Registry,
// implementing the provision/wait/deprovision phases.
type Engine struct {
	drv    driver.Driver
	reg    *registry.Registry
	ssh    sshRunner
	logger *zap.Logger

	mu      sync.Mutex
	counter int
}

// New builds an Engine. The admin user and bootstrap upload path come
// from the driver's advertised Capabilities at bootstrap time, not from
// constructor arguments. logger may be nil for silent operation.
func New(drv driver.Driver, reg *registry.Registry, sshClient *sshclient.Client, logger *zap.Logger) *Engine {
	return &Engine{drv: drv, reg: reg, ssh: sshClient, logger: logger}
}

// Provision constructs one Instance per req.Count, snapshots launch
// parameters, and issues driver.StartOne for each in parallel. It returns
// once every launch request has been issued; readiness is Wait's job.
func (e *Engine) Provision(ctx context.Context, req ProvisionRequest) error {
	if req.Count <= 0 {
		return fmt.Errorf("count must be positive, got %d", req.Count)
	}
	if req.MaxStarts <= 0 {
		req.MaxStarts = 3
	}

	var wg sync.WaitGroup
	errCh := make(chan error, req.Count)

	for i := 0; i < req.Count; i++ {
		id := e.nextID(req.ExperimentName)

		tags := make([]string, 0, len(req.Tags)+2)
		tags = append(tags, "precip", id)
		tags = append(tags, req.Tags...)

		// Extra is cloned per instance (rather than sharing req.Extra by
		// reference) and stamped with this instance's id under "name":
		// GCE and Azure both key their create request on a unique
		// instance name, which the caller can't know ahead of
		// Provision assigning ids.
		extra := make(map[string]string, len(req.Extra)+1)
		for k, v := range req.Extra {
			extra[k] = v
		}
		extra["name"] = id

		params := registry.LaunchParams{
			Image:       req.Image,
			Size:        req.Size,
			Network:     req.Network,
			Tags:        tags,
			PrivateOnly: req.PrivateOnly,
			Extra:       extra,
		}

		inst := &registry.Instance{
			ID:           id,
			Tags:         tags,
			State:        registry.StateStarting,
			NumStarts:    1,
			MaxStarts:    req.MaxStarts,
			Deadline:     time.Now().Add(req.BootTimeout),
			BootTimeout:  req.BootTimeout,
			LaunchParams: params,
		}
		e.reg.Add(inst)

		wg.Add(1)
		go func(inst *registry.Instance) {
			defer wg.Done()
			handle, err := e.drv.StartOne(ctx, inst.LaunchParams)
			if err != nil {
				errCh <- errs.New(errs.Backend, "provision", inst.ID, err)
				inst.Deadline = time.Now()
				return
			}
			inst.BackendHandle = handle
		}(inst)
	}

	wg.Wait()
	close(errCh)

	var merr *multierror.Error
	for err := range errCh {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

// Wait blocks until every instance matching tags reaches Ready, or
// returns the first hard failure (BootTimeout or BootstrapFailed).
func (e *Engine) Wait(ctx context.Context, tags []string) error {
	for {
		pending := e.reg.Subset(tags)
		allDone := true
		for _, inst := range pending {
			if inst.State != registry.StateReady && inst.State != registry.StateFailed {
				allDone = false
				break
			}
		}
		if allDone {
			for _, inst := range pending {
				if inst.State == registry.StateFailed {
					return inst.LastError()
				}
			}
			return nil
		}

		for _, inst := range pending {
			if err := e.advance(ctx, inst); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// advance performs one state-machine step for a single instance.
func (e *Engine) advance(ctx context.Context, inst *registry.Instance) error {
	switch inst.State {
	case registry.StateReady, registry.StateFailed, registry.StateTerminated:
		return nil

	case registry.StateStarting:
		return e.advanceStarting(ctx, inst)

	case registry.StateBootstrapping:
		return e.advanceBootstrapping(ctx, inst)
	}
	return nil
}

func (e *Engine) advanceStarting(ctx context.Context, inst *registry.Instance) error {
	outcome, err := e.drv.PollReady(ctx, inst.BackendHandle)
	if err != nil {
		return e.maybeRetryOrFail(ctx, inst, err)
	}

	switch outcome.Status {
	case driver.StatusPending:
		return e.checkDeadline(ctx, inst)

	case driver.StatusError:
		return e.maybeRetryOrFail(ctx, inst, outcome.Err)

	case driver.StatusReady:
		public, private, err := e.drv.Addresses(ctx, inst.BackendHandle)
		if err != nil {
			return e.checkDeadline(ctx, inst)
		}
		inst.PublicAddr = public
		inst.PrivateAddr = private
		inst.State = registry.StateBootstrapping
		e.logInfo(inst, "instance reachable, starting bootstrap")
	}
	return nil
}

func (e *Engine) advanceBootstrapping(ctx context.Context, inst *registry.Instance) error {
	caps := e.drv.Capabilities()
	admin := caps.AdminUser
	remotePath := caps.BootstrapPath

	addr := inst.PublicAddr
	if addr == "" {
		addr = inst.PrivateAddr
	}

	if err := e.ssh.PutBytes(addr, admin, remotePath, resources.BootstrapScript, 0755); err != nil {
		return e.checkDeadline(ctx, inst)
	}

	result, err := e.ssh.Run(addr, admin, remotePath)
	if err != nil {
		// Transient SSH failure (not yet listening, connection refused):
		// counts as pending, retried on the next scan.
		return e.checkDeadline(ctx, inst)
	}

	if result.ExitCode != 0 {
		inst.State = registry.StateFailed
		inst.SetLastError(errs.New(errs.BootstrapFailed, "bootstrap", inst.ID,
			fmt.Errorf("exit %d: %s", result.ExitCode, result.Stderr)))
		return inst.LastError()
	}

	// Backends whose metadata carries no private DNS name (GCE) advertise
	// ProbeFQDN, and the private address is derived by asking the
	// instance itself once it's reachable.
	if caps.ProbeFQDN {
		if fqdn, err := e.ssh.Run(addr, admin, "hostname -f"); err == nil && fqdn.ExitCode == 0 {
			inst.PrivateAddr = strings.TrimSpace(fqdn.Stdout)
		}
	}

	inst.AddTag(inst.PublicAddr)
	inst.State = registry.StateReady
	e.logInfo(inst, "bootstrap succeeded, instance ready")
	return nil
}

// checkDeadline enforces the deadline/retry/fail rule shared by the
// Starting and Bootstrapping states.
func (e *Engine) checkDeadline(ctx context.Context, inst *registry.Instance) error {
	if time.Now().Before(inst.Deadline) {
		return nil
	}
	return e.retryOrFail(ctx, inst)
}

func (e *Engine) maybeRetryOrFail(ctx context.Context, inst *registry.Instance, cause error) error {
	inst.SetLastError(errs.New(errs.Backend, "poll_ready", inst.ID, cause))
	inst.Deadline = time.Now()
	return e.retryOrFail(ctx, inst)
}

func (e *Engine) retryOrFail(ctx context.Context, inst *registry.Instance) error {
	if inst.NumStarts >= inst.MaxStarts {
		inst.State = registry.StateFailed
		inst.SetLastError(errs.New(errs.BootTimeout, "wait", inst.ID,
			fmt.Errorf("exceeded max_starts (%d)", inst.MaxStarts)))
		return inst.LastError()
	}

	e.logInfo(inst, "boot deadline exceeded, retrying with a fresh handle")

	inst.State = registry.StateTerminating
	if err := e.drv.Terminate(ctx, inst.BackendHandle); err != nil {
		e.logWarn(inst, "terminate during retry failed", err)
	}

	handle, err := e.drv.StartOne(ctx, inst.LaunchParams)
	if err != nil {
		inst.State = registry.StateFailed
		inst.SetLastError(errs.New(errs.Backend, "retry_start", inst.ID, err))
		return inst.LastError()
	}

	inst.BackendHandle = handle
	inst.NumStarts++
	inst.PublicAddr = ""
	inst.PrivateAddr = ""
	// Re-arm the deadline for the fresh attempt; carrying the stale one
	// over would make a relaunch time out immediately.
	inst.Deadline = time.Now().Add(inst.BootTimeout)
	inst.State = registry.StateStarting
	return nil
}

// Deprovision terminates every instance matching tags (or every instance
// if tags is empty), tolerating per-instance failures after bounded
// retries, and removes each from the registry. Safe to call repeatedly
// and from a finalizer/cleanup path.
func (e *Engine) Deprovision(ctx context.Context, tags []string) error {
	targets := e.reg.Subset(tags)

	var wg sync.WaitGroup
	for _, inst := range targets {
		wg.Add(1)
		go func(inst *registry.Instance) {
			defer wg.Done()
			e.terminateWithRetry(ctx, inst)
			e.reg.Remove(inst.ID)
		}(inst)
	}
	wg.Wait()
	return nil
}

func (e *Engine) terminateWithRetry(ctx context.Context, inst *registry.Instance) {
	inst.State = registry.StateTerminating
	if inst.BackendHandle == "" {
		inst.State = registry.StateTerminated
		return
	}

	var lastErr error
	for attempt := 0; attempt < terminateRetries; attempt++ {
		if err := e.drv.Terminate(ctx, inst.BackendHandle); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				inst.State = registry.StateTerminated
				return
			case <-time.After(terminateBackoff):
			}
			continue
		}
		inst.State = registry.StateTerminated
		return
	}

	// Deprovision swallows per-instance errors after exhausting retries:
	// best-effort teardown matters more than surfacing individual
	// failures.
	if lastErr != nil {
		e.logWarn(inst, "terminate exhausted retries, giving up", lastErr)
	}
	inst.State = registry.StateTerminated
}

func (e *Engine) nextID(experimentName string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter++
	return fmt.Sprintf("%s-%d", experimentName, e.counter)
}

func (e *Engine) logInfo(inst *registry.Instance, msg string) {
	if e.logger == nil {
		return
	}
	e.logger.Info(msg, zap.String("instance_id", inst.ID), zap.String("state", string(inst.State)))
}

func (e *Engine) logWarn(inst *registry.Instance, msg string, err error) {
	if e.logger == nil {
		return
	}
	e.logger.Warn(msg, zap.String("instance_id", inst.ID), zap.Error(err))
}

// Package precip orchestrates short-lived fleets of virtual machines
// across EC2-family, GCE and Azure backends: provision tagged instances,
// wait for them to become reachable, fan out commands and files over
// SSH, and tear everything down. The Experiment type is the entry point;
// everything else in this module is an implementation detail callers
// never need to import directly.
package precip

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"precip/internal/account"
	"precip/internal/driver"
	"precip/internal/engine"
	"precip/internal/fanout"
	"precip/internal/logger"
	"precip/internal/registry"
	"precip/internal/sshclient"
)

// Config constructs an Experiment. Name namespaces the generated instance
// ids ("<name>-<counter>"). Account is optional; when nil, the
// process-local account at ~/.precip is loaded (creating it on first
// use). Logger is optional; when nil, the logger carried in the context
// passed to New is used (see internal/logger for the injection helpers
// and the verbosity contract).
type Config struct {
	Name    string
	Driver  driver.Driver
	Account *account.Context
	Logger  *zap.Logger
}

// Experiment is the only type most callers of this module need. It owns
// one instance registry, one lifecycle engine, and one fan-out executor,
// all bound to the driver passed at construction.
type Experiment struct {
	name    string
	drv     driver.Driver
	reg     *registry.Registry
	engine  *engine.Engine
	fanout  *fanout.Executor
	account *account.Context
}

// New builds an Experiment bound to cfg.Driver, preparing the account's
// cloud-side identity (keypair registration, default security rules)
// against that backend before returning.
func New(ctx context.Context, cfg Config) (*Experiment, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("experiment name is required")
	}
	if cfg.Driver == nil {
		return nil, fmt.Errorf("driver is required")
	}

	acct := cfg.Account
	if acct == nil {
		var err error
		acct, err = account.Load()
		if err != nil {
			return nil, fmt.Errorf("loading account context: %w", err)
		}
	}

	if err := cfg.Driver.PrepareAccount(ctx, acct.ID, acct.PublicKeyPath); err != nil {
		return nil, fmt.Errorf("preparing account on %s: %w", cfg.Driver.Name(), err)
	}

	lg := cfg.Logger
	if lg == nil {
		lg = logger.GetLogger(logger.WithComponent(ctx, "experiment"))
	}

	reg := registry.New()
	ssh := sshclient.New(acct.PrivateKeyPath)

	return &Experiment{
		name:    cfg.Name,
		drv:     cfg.Driver,
		reg:     reg,
		engine:  engine.New(cfg.Driver, reg, ssh, lg),
		fanout:  fanout.New(reg, ssh),
		account: acct,
	}, nil
}

// ProvisionParams describes one provision() call: how many instances to
// launch, from what image/size/network, under what tags, and the
// per-instance boot deadline and launch-attempt cap.
type ProvisionParams struct {
	Image       string
	Size        string
	Network     string
	Count       int
	Tags        []string
	BootTimeout time.Duration
	MaxStarts   int
	PrivateOnly bool
	Extra       map[string]string
}

// Provision launches p.Count instances and returns once every launch
// request has been issued to the backend. It does not wait for
// readiness; call Wait for that.
func (e *Experiment) Provision(ctx context.Context, p ProvisionParams) error {
	return e.engine.Provision(ctx, engine.ProvisionRequest{
		ExperimentName: e.name,
		Image:          p.Image,
		Size:           p.Size,
		Network:        p.Network,
		Count:          p.Count,
		Tags:           p.Tags,
		BootTimeout:    p.BootTimeout,
		MaxStarts:      p.MaxStarts,
		PrivateOnly:    p.PrivateOnly,
		Extra:          p.Extra,
	})
}

// Wait blocks until every instance matching tags is Ready, or returns
// the first hard failure (BootTimeout or BootstrapFailed). An empty
// filter waits on every instance under management.
func (e *Experiment) Wait(ctx context.Context, tags ...string) error {
	return e.engine.Wait(ctx, tags)
}

// List returns the instance-info records for every instance matching
// tags, regardless of state. An empty filter lists everything.
func (e *Experiment) List(tags ...string) []registry.Info {
	instances := e.reg.Subset(tags)
	out := make([]registry.Info, len(instances))
	for i, inst := range instances {
		out[i] = inst.Info()
	}
	return out
}

// GetPublicHostnames returns the public address of every Ready instance
// matching tags, in registry-insertion order.
func (e *Experiment) GetPublicHostnames(tags ...string) []string {
	instances := e.reg.ReadySubset(tags)
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.PublicAddr
	}
	return out
}

// GetPrivateHostnames returns the private address of every Ready
// instance matching tags, in registry-insertion order.
func (e *Experiment) GetPrivateHostnames(tags ...string) []string {
	instances := e.reg.ReadySubset(tags)
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.PrivateAddr
	}
	return out
}

// Run executes cmd as user on every instance matching tags. See
// fanout.RunOptions for output capture and exit-checking behavior.
func (e *Experiment) Run(ctx context.Context, tags []string, user, cmd string, checkExit bool, outputBase string, usePrivateAddr bool) (fanout.RunResult, error) {
	return e.fanout.Run(ctx, fanout.RunOptions{
		Tags:           tags,
		Cmd:            cmd,
		User:           user,
		CheckExit:      checkExit,
		OutputBase:     outputBase,
		UsePrivateAddr: usePrivateAddr,
	})
}

// Put copies localPath to remotePath on every instance matching tags.
func (e *Experiment) Put(ctx context.Context, tags []string, user, localPath, remotePath string, usePrivateAddr bool) error {
	return e.fanout.Put(ctx, tags, user, localPath, remotePath, usePrivateAddr)
}

// Get copies remotePath from every instance matching tags to localPath,
// suffixing ".<id>" per instance when the filter matches more than one.
func (e *Experiment) Get(ctx context.Context, tags []string, user, remotePath, localPath string, usePrivateAddr bool) error {
	return e.fanout.Get(ctx, tags, user, remotePath, localPath, usePrivateAddr)
}

// CopyAndRun stages localScript on every instance matching tags and
// executes it with args, removing it afterward.
func (e *Experiment) CopyAndRun(ctx context.Context, tags []string, user, localScript string, args []string, checkExit, usePrivateAddr bool) (fanout.RunResult, error) {
	return e.fanout.CopyAndRun(ctx, tags, user, localScript, args, checkExit, usePrivateAddr)
}

// Deprovision terminates every instance matching tags (or every instance
// under management, if tags is empty) and removes it from the registry.
// It is idempotent, tolerates partial prior failures, and is safe to call
// from a deferred cleanup immediately after New returns, so an aborted
// experiment never leaks cloud resources:
//
//	exp, err := precip.New(ctx, cfg)
//	if err != nil { ... }
//	defer exp.Deprovision(context.Background())
func (e *Experiment) Deprovision(ctx context.Context, tags ...string) error {
	return e.engine.Deprovision(ctx, tags)
}

// Account returns the process-local account identity this Experiment was
// constructed with, for callers that want to inspect or share it (e.g.
// to construct a second Experiment against a different backend under the
// same identity).
func (e *Experiment) Account() *account.Context {
	return e.account
}

// Package fanout resolves a tag filter to the Ready instances in a
// registry and applies run/put/get/copy_and_run across them, aggregating
// per-instance results in registry-insertion order.
package fanout

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"precip/internal/errs"
	"precip/internal/registry"
	"precip/internal/sshclient"
)

// fanOutConcurrency bounds how many SSH sessions run at once; fleets in
// this system are short-lived and small (experimental workloads, not
// production clusters), so a generous fixed limit is enough to avoid
// opening hundreds of simultaneous connections without needing to expose
// another tunable.
const fanOutConcurrency = 16

// Remote is the slice of sshclient.Client the executor needs. Depending
// on the interface instead of the concrete type lets tests drive the
// fan-out paths with a fake instead of a live SSH server.
type Remote interface {
	Run(host, user, cmd string) (sshclient.Result, error)
	Put(host, user, localPath, remotePath string) error
	Get(host, user, remotePath, localPath string) error
}

// Executor never mutates the registry, only reads it, so it is safe to
// use concurrently with the lifecycle engine's wait loop.
type Executor struct {
	reg *registry.Registry
	ssh Remote
}

// New builds an Executor over reg, using ssh for every remote operation.
func New(reg *registry.Registry, ssh Remote) *Executor {
	return &Executor{reg: reg, ssh: ssh}
}

// RunOptions configures a Run call.
type RunOptions struct {
	Tags           []string
	Cmd            string
	User           string
	CheckExit      bool
	OutputBase     string
	UsePrivateAddr bool
}

// RunResult is the three parallel lists returned by run(): each index
// corresponds to the same instance across ExitCodes, Stdouts and
// Stderrs, in registry-insertion order.
type RunResult struct {
	ExitCodes []int
	Stdouts   []string
	Stderrs   []string
}

// Run executes opts.Cmd on every instance matching opts.Tags. If
// opts.OutputBase is set, each instance's stdout/stderr is additionally
// written to "<output_base>.<id>.stdout" and ".stderr". If
// opts.CheckExit is set and any instance exits non-zero, Run returns a
// RemoteCommandFailed error carrying the first such exit code, alongside
// the full RunResult so the caller can inspect every instance's output.
func (e *Executor) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	targets, err := e.resolveReady(opts.Tags)
	if err != nil {
		return RunResult{}, err
	}

	result := RunResult{
		ExitCodes: make([]int, len(targets)),
		Stdouts:   make([]string, len(targets)),
		Stderrs:   make([]string, len(targets)),
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(fanOutConcurrency)

	for i, inst := range targets {
		i, inst := i, inst
		g.Go(func() error {
			addr := address(inst, opts.UsePrivateAddr)
			r, err := e.ssh.Run(addr, opts.User, opts.Cmd)
			if err != nil {
				return errs.New(errs.RemoteCommand, "run", inst.ID, err)
			}
			result.ExitCodes[i] = r.ExitCode
			result.Stdouts[i] = r.Stdout
			result.Stderrs[i] = r.Stderr

			if opts.OutputBase != "" {
				if err := writeOutput(opts.OutputBase, inst.ID, r.Stdout, r.Stderr); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	if opts.CheckExit {
		for i, code := range result.ExitCodes {
			if code != 0 {
				return result, errs.New(errs.RemoteCommand, "run", targets[i].ID,
					fmt.Errorf("command exited %d", code))
			}
		}
	}

	return result, nil
}

// Put copies localPath to remotePath on every instance matching tags.
func (e *Executor) Put(ctx context.Context, tags []string, user, localPath, remotePath string, usePrivateAddr bool) error {
	targets, err := e.resolveReady(tags)
	if err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(fanOutConcurrency)
	for _, inst := range targets {
		inst := inst
		g.Go(func() error {
			addr := address(inst, usePrivateAddr)
			if err := e.ssh.Put(addr, user, localPath, remotePath); err != nil {
				return errs.New(errs.RemoteCommand, "put", inst.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Get copies remotePath from every instance matching tags to localPath.
// When more than one instance matches, each instance's copy is written to
// "<localPath>.<id>" so the fan-out doesn't clobber a single file.
func (e *Executor) Get(ctx context.Context, tags []string, user, remotePath, localPath string, usePrivateAddr bool) error {
	targets, err := e.resolveReady(tags)
	if err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(fanOutConcurrency)
	for _, inst := range targets {
		inst := inst
		dest := localPath
		if len(targets) > 1 {
			dest = localPath + "." + inst.ID
		}
		g.Go(func() error {
			addr := address(inst, usePrivateAddr)
			if err := e.ssh.Get(addr, user, remotePath, dest); err != nil {
				return errs.New(errs.RemoteCommand, "get", inst.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// CopyAndRun stages localScript under a random path beneath /tmp on each
// matching instance, chmods it executable, runs it with args quoted, and
// removes it afterward. It reuses Run for the actual execution so
// CheckExit and per-instance aggregation behave identically to a direct
// run() call.
func (e *Executor) CopyAndRun(ctx context.Context, tags []string, user, localScript string, args []string, checkExit, usePrivateAddr bool) (RunResult, error) {
	remotePath := "/tmp/precip-" + strings.ReplaceAll(uuid.New().String(), "-", "")

	if err := e.Put(ctx, tags, user, localScript, remotePath, usePrivateAddr); err != nil {
		return RunResult{}, err
	}

	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = strconv.Quote(a)
	}
	cmd := fmt.Sprintf("chmod 755 %s && %s %s; rc=$?; rm -f %s; exit $rc",
		remotePath, remotePath, strings.Join(quoted, " "), remotePath)

	return e.Run(ctx, RunOptions{
		Tags:           tags,
		Cmd:            cmd,
		User:           user,
		CheckExit:      checkExit,
		UsePrivateAddr: usePrivateAddr,
	})
}

// resolveReady resolves tags to the matching instances and enforces the
// mandatory refusal to act on any non-Ready instance: a tag filter that
// matches a Bootstrapping or Failed instance fails the whole call rather
// than silently skipping it.
func (e *Executor) resolveReady(tags []string) ([]*registry.Instance, error) {
	matched := e.reg.Subset(tags)
	for _, inst := range matched {
		if inst.State != registry.StateReady {
			return nil, errs.New(errs.RemoteCommand, "fanout", inst.ID,
				fmt.Errorf("instance is not ready (state=%s)", inst.State))
		}
	}
	return matched, nil
}

func address(inst *registry.Instance, usePrivate bool) string {
	if usePrivate && inst.PrivateAddr != "" {
		return inst.PrivateAddr
	}
	return inst.PublicAddr
}

func writeOutput(outputBase, id, stdout, stderr string) error {
	if err := os.WriteFile(outputBase+"."+id+".stdout", []byte(stdout), 0644); err != nil {
		return fmt.Errorf("writing stdout for %s: %w", id, err)
	}
	if err := os.WriteFile(outputBase+"."+id+".stderr", []byte(stderr), 0644); err != nil {
		return fmt.Errorf("writing stderr for %s: %w", id, err)
	}
	return nil
}

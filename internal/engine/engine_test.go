package engine

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"precip/internal/driver"
	"precip/internal/errs"
	"precip/internal/registry"
	"precip/internal/sshclient"
)

func TestMain(m *testing.M) {
	pollInterval = time.Millisecond
	terminateBackoff = time.Millisecond
	m.Run()
}

func newEngine(t *testing.T, drv driver.Driver, ssh sshRunner) (*Engine, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	return &Engine{drv: drv, reg: reg, ssh: ssh}, reg
}

// alwaysReadySSH succeeds on every bootstrap call.
type alwaysReadySSH struct{}

func (alwaysReadySSH) PutBytes(host, user, remotePath string, data []byte, mode os.FileMode) error {
	return nil
}

func (alwaysReadySSH) Run(host, user, cmd string) (sshclient.Result, error) {
	return sshclient.Result{ExitCode: 0, Stdout: "hi\n"}, nil
}

// failingBootstrapSSH reports a non-zero bootstrap exit.
type failingBootstrapSSH struct{ exitCode int }

func (f failingBootstrapSSH) PutBytes(host, user, remotePath string, data []byte, mode os.FileMode) error {
	return nil
}

func (f failingBootstrapSSH) Run(host, user, cmd string) (sshclient.Result, error) {
	return sshclient.Result{ExitCode: f.exitCode, Stderr: "boom"}, nil
}

func TestProvision_IssuesOneStartPerInstanceAndReturnsWithoutWaiting(t *testing.T) {
	mockDrv := driver.NewMockDriver()
	e, reg := newEngine(t, mockDrv, alwaysReadySSH{})

	err := e.Provision(context.Background(), ProvisionRequest{
		ExperimentName: "exp",
		Image:          "ami-x",
		Count:          3,
		BootTimeout:    time.Second,
		MaxStarts:      3,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, mockDrv.StartCount())
	assert.Equal(t, 3, reg.Len())

	for _, inst := range reg.All() {
		assert.Equal(t, registry.StateStarting, inst.State)
		assert.Equal(t, 1, inst.NumStarts)
		assert.Contains(t, inst.Tags, "precip")
		assert.Contains(t, inst.Tags, inst.ID)
	}
}

// S1 - single happy path: Pending once, then Ready; bootstrap exit 0.
func TestWait_S1_SingleHappyPath(t *testing.T) {
	polls := 0
	mockDrv := driver.NewMockDriver()
	mockDrv.PollReadyFunc = func(ctx context.Context, handle string) (driver.PollOutcome, error) {
		polls++
		if polls == 1 {
			return driver.PollOutcome{Status: driver.StatusPending}, nil
		}
		return driver.PollOutcome{Status: driver.StatusReady}, nil
	}
	mockDrv.AddressesFunc = func(ctx context.Context, handle string) (string, string, error) {
		return "1.2.3.4", "10.0.0.1", nil
	}

	e, reg := newEngine(t, mockDrv, alwaysReadySSH{})
	require.NoError(t, e.Provision(context.Background(), ProvisionRequest{
		ExperimentName: "exp", Image: "ami-x", Count: 1, Tags: []string{"m"},
		BootTimeout: time.Second, MaxStarts: 3,
	}))

	require.NoError(t, e.Wait(context.Background(), []string{"m"}))

	all := reg.All()
	require.Len(t, all, 1)
	assert.Equal(t, registry.StateReady, all[0].State)
	assert.Equal(t, "1.2.3.4", all[0].PublicAddr)
	assert.Contains(t, all[0].Tags, "1.2.3.4")
}

// S2 - retry recovers: Error on first poll forces a restart; second
// attempt succeeds. num_starts must land at 2.
func TestWait_S2_RetryRecoversAfterBackendError(t *testing.T) {
	mockDrv := driver.NewMockDriver()
	var calls int
	mockDrv.PollReadyFunc = func(ctx context.Context, handle string) (driver.PollOutcome, error) {
		calls++
		if calls == 1 {
			return driver.PollOutcome{Status: driver.StatusError, Err: fmt.Errorf("capacity")}, nil
		}
		return driver.PollOutcome{Status: driver.StatusReady}, nil
	}

	e, reg := newEngine(t, mockDrv, alwaysReadySSH{})
	require.NoError(t, e.Provision(context.Background(), ProvisionRequest{
		ExperimentName: "exp", Image: "ami-x", Count: 1,
		BootTimeout: time.Second, MaxStarts: 3,
	}))

	require.NoError(t, e.Wait(context.Background(), nil))

	all := reg.All()
	require.Len(t, all, 1)
	assert.Equal(t, registry.StateReady, all[0].State)
	assert.Equal(t, 2, all[0].NumStarts)
	assert.Equal(t, 2, mockDrv.StartCount())
}

// S3 - timeout fails: boot_timeout tiny, max_starts=2, driver always
// Pending. Expect BootTimeout after exhausting starts.
func TestWait_S3_TimeoutFailsAfterMaxStarts(t *testing.T) {
	mockDrv := driver.NewMockDriver()
	mockDrv.PollReadyFunc = func(ctx context.Context, handle string) (driver.PollOutcome, error) {
		return driver.PollOutcome{Status: driver.StatusPending}, nil
	}

	e, reg := newEngine(t, mockDrv, alwaysReadySSH{})
	require.NoError(t, e.Provision(context.Background(), ProvisionRequest{
		ExperimentName: "exp", Image: "ami-x", Count: 1,
		BootTimeout: time.Millisecond, MaxStarts: 2,
	}))

	err := e.Wait(context.Background(), nil)
	require.Error(t, err)

	var target *errs.Error
	require.ErrorAs(t, err, &target)
	assert.Equal(t, errs.BootTimeout, target.Kind)

	all := reg.All()
	require.Len(t, all, 1)
	assert.Equal(t, registry.StateFailed, all[0].State)
	assert.LessOrEqual(t, all[0].NumStarts, 2)
	assert.Equal(t, 2, mockDrv.StartCount())
}

// S4 - bootstrap non-zero is fatal: no retry, BootstrapFailed surfaces.
func TestWait_S4_BootstrapNonZeroIsFatal(t *testing.T) {
	mockDrv := driver.NewMockDriver()

	e, reg := newEngine(t, mockDrv, failingBootstrapSSH{exitCode: 7})
	require.NoError(t, e.Provision(context.Background(), ProvisionRequest{
		ExperimentName: "exp", Image: "ami-x", Count: 1,
		BootTimeout: time.Second, MaxStarts: 3,
	}))

	err := e.Wait(context.Background(), nil)
	require.Error(t, err)

	var target *errs.Error
	require.ErrorAs(t, err, &target)
	assert.Equal(t, errs.BootstrapFailed, target.Kind)

	all := reg.All()
	require.Len(t, all, 1)
	assert.Equal(t, registry.StateFailed, all[0].State)
	assert.Equal(t, 1, all[0].NumStarts, "bootstrap failure must not trigger a retry")
}

// fqdnSSH answers "hostname -f" with a fixed name and everything else
// with exit 0.
type fqdnSSH struct{ fqdn string }

func (fqdnSSH) PutBytes(host, user, remotePath string, data []byte, mode os.FileMode) error {
	return nil
}

func (f fqdnSSH) Run(host, user, cmd string) (sshclient.Result, error) {
	if cmd == "hostname -f" {
		return sshclient.Result{ExitCode: 0, Stdout: f.fqdn + "\n"}, nil
	}
	return sshclient.Result{ExitCode: 0}, nil
}

// Backends advertising ProbeFQDN get their private address from the
// instance itself after bootstrap.
func TestWait_ProbeFQDNFillsPrivateAddr(t *testing.T) {
	mockDrv := driver.NewMockDriver()
	mockDrv.CapabilitiesFunc = func() driver.Capabilities {
		return driver.Capabilities{AdminUser: "root", BootstrapPath: "/root/vm-bootstrap.sh", ProbeFQDN: true}
	}
	mockDrv.AddressesFunc = func(ctx context.Context, handle string) (string, string, error) {
		return "1.2.3.4", "", nil
	}

	e, reg := newEngine(t, mockDrv, fqdnSSH{fqdn: "node1.c.proj.internal"})
	require.NoError(t, e.Provision(context.Background(), ProvisionRequest{
		ExperimentName: "exp", Image: "img", Count: 1,
		BootTimeout: time.Second, MaxStarts: 3,
	}))

	require.NoError(t, e.Wait(context.Background(), nil))

	all := reg.All()
	require.Len(t, all, 1)
	assert.Equal(t, "node1.c.proj.internal", all[0].PrivateAddr)
}

// Invariant 7: a deadline-triggered retry terminates the stale handle
// and issues a fresh one.
func TestRetry_TerminatesOldHandleAndIssuesFreshOne(t *testing.T) {
	mockDrv := driver.NewMockDriver()
	var calls int
	mockDrv.PollReadyFunc = func(ctx context.Context, handle string) (driver.PollOutcome, error) {
		calls++
		if calls == 1 {
			return driver.PollOutcome{Status: driver.StatusError, Err: fmt.Errorf("boom")}, nil
		}
		return driver.PollOutcome{Status: driver.StatusReady}, nil
	}

	e, _ := newEngine(t, mockDrv, alwaysReadySSH{})
	require.NoError(t, e.Provision(context.Background(), ProvisionRequest{
		ExperimentName: "exp", Image: "ami-x", Count: 1,
		BootTimeout: time.Second, MaxStarts: 3,
	}))

	require.NoError(t, e.Wait(context.Background(), nil))

	assert.True(t, mockDrv.Terminated("mock-instance-1"))
	assert.Equal(t, 2, mockDrv.StartCount())
}

// S6 - finalizer safety: deprovision([]) must terminate every instance
// that was successfully started, even if the caller never calls Wait.
func TestDeprovision_FinalizerTerminatesEveryProvisionedInstance(t *testing.T) {
	mockDrv := driver.NewMockDriver()
	e, reg := newEngine(t, mockDrv, alwaysReadySSH{})

	require.NoError(t, e.Provision(context.Background(), ProvisionRequest{
		ExperimentName: "exp", Image: "ami-x", Count: 3,
		BootTimeout: time.Second, MaxStarts: 3,
	}))

	require.NoError(t, e.Deprovision(context.Background(), nil))

	assert.Equal(t, 0, reg.Len())
	assert.True(t, mockDrv.Terminated("mock-instance-1"))
	assert.True(t, mockDrv.Terminated("mock-instance-2"))
	assert.True(t, mockDrv.Terminated("mock-instance-3"))
}

// Invariant 4: deprovision twice is safe; the second call is a no-op.
func TestDeprovision_IsIdempotent(t *testing.T) {
	mockDrv := driver.NewMockDriver()
	e, reg := newEngine(t, mockDrv, alwaysReadySSH{})

	require.NoError(t, e.Provision(context.Background(), ProvisionRequest{
		ExperimentName: "exp", Image: "ami-x", Count: 1,
		BootTimeout: time.Second, MaxStarts: 3,
	}))

	require.NoError(t, e.Deprovision(context.Background(), nil))
	require.NoError(t, e.Deprovision(context.Background(), nil))
	assert.Equal(t, 0, reg.Len())
}

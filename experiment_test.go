package precip

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"precip/internal/account"
	"precip/internal/driver"
	"precip/internal/registry"
)

func testAccount(t *testing.T) *account.Context {
	t.Helper()
	dir := t.TempDir()

	// Pre-create the private key so account.LoadFrom's ensureKeypair
	// short-circuits before shelling out to ssh-keygen, which this test
	// environment may not have available.
	id := "testuid"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "account_id"), []byte(id), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "precip_"+id), []byte("stub"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "precip_"+id+".pub"), []byte("stub-pub"), 0600))

	acct, err := account.LoadFrom(dir)
	require.NoError(t, err)
	return acct
}

func TestNew_RequiresNameAndDriver(t *testing.T) {
	acct := testAccount(t)

	_, err := New(context.Background(), Config{Driver: driver.NewMockDriver(), Account: acct})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Name: "exp", Account: acct})
	assert.Error(t, err)
}

func TestNew_PreparesAccountAgainstDriver(t *testing.T) {
	acct := testAccount(t)
	mockDrv := driver.NewMockDriver()

	var gotUID, gotKeyPath string
	mockDrv.PrepareAccountFunc = func(ctx context.Context, uid, publicKeyPath string) error {
		gotUID, gotKeyPath = uid, publicKeyPath
		return nil
	}

	exp, err := New(context.Background(), Config{Name: "exp", Driver: mockDrv, Account: acct})
	require.NoError(t, err)
	require.NotNil(t, exp)

	assert.Equal(t, acct.ID, gotUID)
	assert.Equal(t, acct.PublicKeyPath, gotKeyPath)
}

func TestProvision_DelegatesToEngine(t *testing.T) {
	acct := testAccount(t)
	mockDrv := driver.NewMockDriver()

	exp, err := New(context.Background(), Config{Name: "exp", Driver: mockDrv, Account: acct})
	require.NoError(t, err)

	require.NoError(t, exp.Provision(context.Background(), ProvisionParams{
		Image: "ami-x", Count: 2, Tags: []string{"m"},
		BootTimeout: time.Second, MaxStarts: 3,
	}))

	assert.Equal(t, 2, mockDrv.StartCount())
	assert.Len(t, exp.List(), 2)
	assert.Len(t, exp.List("m"), 2)
	assert.Empty(t, exp.List("nonexistent"))
}

func TestList_And_Hostnames_OnlyReflectReadyInstances(t *testing.T) {
	acct := testAccount(t)
	exp, err := New(context.Background(), Config{Name: "exp", Driver: driver.NewMockDriver(), Account: acct})
	require.NoError(t, err)

	ready := &registry.Instance{ID: "i0", Tags: []string{"i0", "a"}, State: registry.StateReady,
		PublicAddr: "1.2.3.4", PrivateAddr: "10.0.0.1"}
	booting := &registry.Instance{ID: "i1", Tags: []string{"i1", "a"}, State: registry.StateBootstrapping}
	exp.reg.Add(ready)
	exp.reg.Add(booting)

	assert.Len(t, exp.List("a"), 2, "list() includes non-Ready instances")
	assert.Equal(t, []string{"1.2.3.4"}, exp.GetPublicHostnames("a"))
	assert.Equal(t, []string{"10.0.0.1"}, exp.GetPrivateHostnames("a"))
}

func TestDeprovision_DelegatesToEngineAndClearsRegistry(t *testing.T) {
	acct := testAccount(t)
	mockDrv := driver.NewMockDriver()
	exp, err := New(context.Background(), Config{Name: "exp", Driver: mockDrv, Account: acct})
	require.NoError(t, err)

	require.NoError(t, exp.Provision(context.Background(), ProvisionParams{
		Image: "ami-x", Count: 2, BootTimeout: time.Second, MaxStarts: 3,
	}))

	require.NoError(t, exp.Deprovision(context.Background()))
	assert.Empty(t, exp.List())
}

func TestRun_RefusesNonReadyInstances(t *testing.T) {
	acct := testAccount(t)
	exp, err := New(context.Background(), Config{Name: "exp", Driver: driver.NewMockDriver(), Account: acct})
	require.NoError(t, err)

	exp.reg.Add(&registry.Instance{ID: "i0", Tags: []string{"i0", "a"}, State: registry.StateBootstrapping})

	_, err = exp.Run(context.Background(), []string{"a"}, "root", "echo hi", false, "", false)
	assert.Error(t, err)
}

func TestAccount_ReturnsConstructedContext(t *testing.T) {
	acct := testAccount(t)
	exp, err := New(context.Background(), Config{Name: "exp", Driver: driver.NewMockDriver(), Account: acct})
	require.NoError(t, err)
	assert.Same(t, acct, exp.Account())
}

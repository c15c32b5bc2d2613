package account

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateID_CreatesOnFirstCall(t *testing.T) {
	dir := t.TempDir()

	id, err := loadOrCreateID(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NotContains(t, id, "-")

	onDisk, err := os.ReadFile(filepath.Join(dir, "account_id"))
	require.NoError(t, err)
	assert.Equal(t, id, string(onDisk))
}

func TestLoadOrCreateID_ReusesExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := loadOrCreateID(dir)
	require.NoError(t, err)

	second, err := loadOrCreateID(dir)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestLoadFrom_PopulatesKeyPaths(t *testing.T) {
	dir := t.TempDir()

	// Pre-create the private key so ensureKeypair short-circuits before
	// shelling out to ssh-keygen, which this test environment may not
	// have available.
	id, err := loadOrCreateID(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "precip_"+id), []byte("stub"), 0600))

	ctx, err := LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, id, ctx.ID)
	assert.Equal(t, filepath.Join(dir, "precip_"+id), ctx.PrivateKeyPath)
	assert.Equal(t, filepath.Join(dir, "precip_"+id+".pub"), ctx.PublicKeyPath)
}

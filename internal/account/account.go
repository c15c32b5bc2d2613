// Package account manages the per-user identity persisted across
// experiment runs: a stable account id and an SSH keypair, both rooted at
// ~/.precip.
package account

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// defaultConfDirName matches the legacy tool's fixed config directory
// name so existing ~/.precip keypairs on a workstation keep working.
const defaultConfDirName = ".precip"

// Context is the account identity for one local user: a stable uuid and
// an SSH keypair generated on first use and reused afterward.
type Context struct {
	Dir            string
	ID             string
	PrivateKeyPath string
	PublicKeyPath  string
}

// Load resolves (creating if necessary) the account context rooted at
// ~/.precip. The uuid and keypair are both created lazily on first call
// and persisted for every subsequent one.
func Load() (*Context, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	return LoadFrom(filepath.Join(home, defaultConfDirName))
}

// LoadFrom resolves the account context rooted at dir, exposed separately
// from Load so tests can point at a temp directory.
func LoadFrom(dir string) (*Context, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	id, err := loadOrCreateID(dir)
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		Dir:            dir,
		ID:             id,
		PrivateKeyPath: filepath.Join(dir, "precip_"+id),
		PublicKeyPath:  filepath.Join(dir, "precip_"+id+".pub"),
	}

	if err := ctx.ensureKeypair(); err != nil {
		return nil, err
	}

	return ctx, nil
}

func loadOrCreateID(dir string) (string, error) {
	path := filepath.Join(dir, "account_id")

	existing, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(existing)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading account id: %w", err)
	}

	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("writing account id: %w", err)
	}
	return id, nil
}

// ensureKeypair shells out to ssh-keygen exactly like the legacy tool did;
// Go's crypto/ssh can generate a keypair directly, but ssh-keygen is kept
// here because the private key's file format and permissions need to
// match what every backend's SSH agent setup already expects on an
// operator's workstation.
func (c *Context) ensureKeypair() error {
	if _, err := os.Stat(c.PrivateKeyPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking for existing key: %w", err)
	}

	cmd := exec.Command("ssh-keygen", "-q", "-t", "rsa", "-N", "", "-f", c.PrivateKeyPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ssh-keygen failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

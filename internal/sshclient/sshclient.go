// Package sshclient provides one-shot SSH connections for bootstrapping
// and driving commands on freshly launched, short-lived instances. Every
// call opens a new transport and tears it down afterward. There is no
// connection pooling or agent forwarding, since the instances this talks
// to rarely live long enough to make pooling worthwhile and are
// discarded entirely at deprovision time.
package sshclient

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// keepaliveInterval matches the legacy transport.set_keepalive(30) call:
// without it, idle bootstrap sessions across NATed cloud networks get
// silently dropped before the remote command finishes.
const keepaliveInterval = 30 * time.Second

const dialTimeout = 30 * time.Second

// Result is the outcome of a single remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Client runs commands and transfers files over a fresh SSH connection
// per call. Host key verification is intentionally disabled: instances
// are ephemeral and present a new host key on every boot, so there is no
// stable key to pin against.
type Client struct {
	PrivateKeyPath string
}

// New returns a Client that authenticates with the private key at
// privateKeyPath.
func New(privateKeyPath string) *Client {
	return &Client{PrivateKeyPath: privateKeyPath}
}

func (c *Client) dial(host, user string) (*ssh.Client, error) {
	keyBytes, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:22", host), cfg)
	if err != nil {
		return nil, fmt.Errorf("dialing %s@%s: %w", user, host, err)
	}

	go keepalive(client, keepaliveInterval)
	return client, nil
}

// keepalive sends a no-op global request on an interval until the
// transport closes, standing in for paramiko's transport-level keepalive.
func keepalive(client *ssh.Client, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		if _, _, err := client.SendRequest("keepalive@precip", true, nil); err != nil {
			return
		}
	}
}

// Run executes cmd on host as user over a PTY, returning its exit code
// and captured stdout/stderr.
func (c *Client) Run(host, user, cmd string) (Result, error) {
	client, err := c.dial(host, user)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	if err := session.RequestPty("xterm", 80, 40, ssh.TerminalModes{}); err != nil {
		return Result{}, fmt.Errorf("requesting pty: %w", err)
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	exitCode := 0
	if err := session.Run(cmd); err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			exitCode = exitErr.ExitStatus()
		} else {
			return Result{}, fmt.Errorf("running command: %w", err)
		}
	}

	return Result{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// Put copies localPath to remotePath on host via SFTP.
func (c *Client) Put(host, user, localPath, remotePath string) error {
	client, err := c.dial(host, user)
	if err != nil {
		return err
	}
	defer client.Close()

	ftp, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("opening sftp session: %w", err)
	}
	defer ftp.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening local file: %w", err)
	}
	defer src.Close()

	dst, err := ftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("creating remote file: %w", err)
	}
	defer dst.Close()

	if _, err := dst.ReadFrom(src); err != nil {
		return fmt.Errorf("copying to remote file: %w", err)
	}
	return nil
}

// PutBytes writes data to remotePath on host via SFTP and chmods it to
// mode, sparing callers (the bootstrap step) from staging an embedded
// script to a local temp file first.
func (c *Client) PutBytes(host, user, remotePath string, data []byte, mode os.FileMode) error {
	client, err := c.dial(host, user)
	if err != nil {
		return err
	}
	defer client.Close()

	ftp, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("opening sftp session: %w", err)
	}
	defer ftp.Close()

	dst, err := ftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("creating remote file: %w", err)
	}
	defer dst.Close()

	if _, err := dst.Write(data); err != nil {
		return fmt.Errorf("writing remote file: %w", err)
	}

	if err := ftp.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("chmod remote file: %w", err)
	}
	return nil
}

// Get copies remotePath on host to localPath via SFTP.
func (c *Client) Get(host, user, remotePath, localPath string) error {
	client, err := c.dial(host, user)
	if err != nil {
		return err
	}
	defer client.Close()

	ftp, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("opening sftp session: %w", err)
	}
	defer ftp.Close()

	src, err := ftp.Open(remotePath)
	if err != nil {
		return fmt.Errorf("opening remote file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("creating local file: %w", err)
	}
	defer dst.Close()

	if _, err := src.WriteTo(dst); err != nil {
		return fmt.Errorf("copying from remote file: %w", err)
	}
	return nil
}

// Package agent wraps the narrow contracts this tool has with the local
// GnuPG installation: locating the agent socket, exporting a public key,
// and confirming over the Assuan protocol that an agent answers.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var (
	// ErrAgentNotFound indicates no agent socket exists for the local user.
	ErrAgentNotFound = errors.New("gpg-agent socket not found")

	// ErrNoKeyFound indicates the export produced no key material.
	ErrNoKeyFound = errors.New("no public key found")

	// ErrExportFailed indicates gpg itself failed during export.
	ErrExportFailed = errors.New("key export failed")
)

// Runner executes a local command and returns its stdout. The default runs
// through os/exec; tests substitute a fake.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	c := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	c.Stderr = &stderr
	out, err := c.Output()
	if err != nil {
		if s := strings.TrimSpace(stderr.String()); s != "" {
			return nil, fmt.Errorf("%s %v: %w: %s", name, args, err, s)
		}
		return nil, fmt.Errorf("%s %v: %w", name, args, err)
	}
	return out, nil
}

// Client issues one-shot queries against the local gpg toolchain.
type Client struct {
	Run Runner
}

// NewClient returns a Client backed by the real gpg/gpgconf binaries.
func NewClient() *Client {
	return &Client{Run: execRunner}
}

func (c *Client) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r := c.Run
	if r == nil {
		r = execRunner
	}
	return r(ctx, name, args...)
}

// SocketPath asks gpgconf for the standard agent socket and verifies it
// exists on disk. The socket only appears once the agent has been started
// at least once, so a missing file means ErrAgentNotFound rather than a
// broken install.
func (c *Client) SocketPath(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "gpgconf", "--list-dirs", "agent-socket")
	if err != nil {
		return "", fmt.Errorf("gpgconf: %w", err)
	}
	path := strings.TrimSpace(string(out))
	if path == "" {
		return "", ErrAgentNotFound
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, path)
	}
	return path, nil
}

// ExportKey returns the armored public key for identity.
func (c *Client) ExportKey(ctx context.Context, identity string) ([]byte, error) {
	out, err := c.run(ctx, "gpg", "--armor", "--export", identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoKeyFound, identity)
	}
	return out, nil
}

// Fingerprint returns the primary key fingerprint for identity, used by the
// remote program to verify its import actually landed.
func (c *Client) Fingerprint(ctx context.Context, identity string) (string, error) {
	out, err := c.run(ctx, "gpg", "--with-colons", "--list-keys", identity)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoKeyFound, identity)
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) > 9 && fields[0] == "fpr" && strings.TrimSpace(fields[9]) != "" {
			return strings.TrimSpace(fields[9]), nil
		}
	}
	return "", fmt.Errorf("%w: %s (no fingerprint in listing)", ErrNoKeyFound, identity)
}

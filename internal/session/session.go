// Package session implements the forwarding session lifecycle: endpoint
// selection, local relay supervision, remote program staging and execution
// through the tunnel, outcome classification, and idempotent teardown.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gpgfwd/internal/agent"
	"gpgfwd/internal/script"
)

// Options configure one forwarding session.
type Options struct {
	// Host is the ssh target (user@host).
	Host string

	// PortSpec is "auto" or an explicit non-negative integer string.
	PortSpec string

	// ExportIdentity, when set, exports this identity's public key locally
	// and embeds it in the remote program for import and verification.
	ExportIdentity string

	// SSHArgs are extra arguments passed through to ssh.
	SSHArgs []string

	// RemoteTmpDir is where the remote program is staged; default /tmp.
	RemoteTmpDir string

	// Agent overrides the gpg toolchain client (tests); nil uses the real one.
	Agent *agent.Client

	// Stderr receives progress output; nil means os.Stderr.
	Stderr io.Writer
}

// Run executes one session end to end and returns its classified result.
// A non-nil error is a precondition or abort failure: the session never
// reached (or never survived) tunnel establishment, and the caller should
// exit 1. Teardown is guaranteed on every path, including interrupts
// cancelling ctx.
func Run(ctx context.Context, opts Options) (Result, error) {
	w := opts.Stderr
	if w == nil {
		w = os.Stderr
	}
	ag := opts.Agent
	if ag == nil {
		ag = agent.NewClient()
	}

	sock, err := ag.SocketPath(ctx)
	if err != nil {
		return Result{}, err
	}

	sel := &Selector{}
	port, err := sel.Select(opts.PortSpec)
	if err != nil {
		return Result{}, err
	}
	fmt.Fprintf(w, "[gpgfwd] forwarding %s via port %d\n", sock, port)

	data := script.Data{Port: port}
	if opts.ExportIdentity != "" {
		armor, err := ag.ExportKey(ctx, opts.ExportIdentity)
		if err != nil {
			return Result{}, err
		}
		fpr, err := ag.Fingerprint(ctx, opts.ExportIdentity)
		if err != nil {
			return Result{}, err
		}
		data.KeyBase64 = script.EncodeKey(armor)
		data.Fingerprint = fpr
		data.Identity = opts.ExportIdentity
	}

	state := &State{Stderr: w}
	defer state.Teardown()

	relay, err := StartRelay(ctx, port, sock)
	if err != nil {
		return Result{}, err
	}
	state.Relay = relay

	// One protocol round-trip through the bridged path before any tunnel
	// work: a relay that accepts but cannot reach the agent is a
	// structural failure, not a timing one.
	if err := agent.Ping(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port)); err != nil {
		return Result{}, fmt.Errorf("verify local relay path: %w", err)
	}

	body, err := script.Render(data)
	if err != nil {
		return Result{}, err
	}
	name := script.FileName(port)
	localPath := filepath.Join(os.TempDir(), name)
	if err := os.WriteFile(localPath, body, 0o700); err != nil {
		return Result{}, fmt.Errorf("write session script: %w", err)
	}
	state.AddArtifact(localPath)

	remoteTmp := opts.RemoteTmpDir
	if remoteTmp == "" {
		remoteTmp = "/tmp"
	}
	remotePath := remoteTmp + "/" + name

	fmt.Fprintf(w, "[gpgfwd] opening tunnel to %s\n", opts.Host)
	exitCode, err := RunTunnel(ctx, opts.Host, port, remotePath, body, opts.SSHArgs)
	if err != nil {
		return Result{}, err
	}

	// The in-script trap normally cleans the remote side; this covers the
	// paths where it could not run.
	SweepRemote(opts.Host, port, opts.SSHArgs)

	res := Classify(exitCode, ctx.Err() != nil, state.Relay.Alive())
	switch res.Outcome {
	case OutcomeUserInterrupted:
		fmt.Fprintln(w, "[gpgfwd] session ended by interrupt")
	case OutcomeTunnelDropped:
		fmt.Fprintf(w, "[gpgfwd] tunnel failure: connection to %s lost (ssh exit %d)\n", opts.Host, exitCode)
	case OutcomeRemoteExited:
		fmt.Fprintf(w, "[gpgfwd] remote session failed with exit %d\n", exitCode)
	}
	return res, nil
}

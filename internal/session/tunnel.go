package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"gpgfwd/internal/script"
)

// ssh reserves 255 for transport-level failures; everything else is the
// remote command's own status.
const sshTransportFailure = 255

// Exit status of a program terminated by SIGINT (128+2), which ssh
// propagates when the remote program dies from the operator's interrupt.
const sigintExitCode = 130

// Outcome classifies how the tunnel ended.
type Outcome int

const (
	// OutcomeClean: the remote program finished normally.
	OutcomeClean Outcome = iota
	// OutcomeUserInterrupted: the operator ended the session; success.
	OutcomeUserInterrupted
	// OutcomeTunnelDropped: transport failure while the session was still
	// supposed to be live.
	OutcomeTunnelDropped
	// OutcomeRemoteExited: the remote program failed with its own status.
	OutcomeRemoteExited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeUserInterrupted:
		return "interrupted"
	case OutcomeTunnelDropped:
		return "tunnel-dropped"
	case OutcomeRemoteExited:
		return "remote-failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the classified end of a session.
type Result struct {
	Outcome  Outcome
	ExitCode int
}

// Classify maps the tunnel's exit to a final status. The remote program
// and the local relay watch the same logical session end independently;
// on a transport failure code the relay's liveness disambiguates a network
// drop (relay still alive: genuine failure) from an intentional shutdown
// that already took the relay down (ordinary termination).
func Classify(exitCode int, interrupted, relayAlive bool) Result {
	switch {
	case interrupted:
		return Result{Outcome: OutcomeUserInterrupted, ExitCode: 0}
	case exitCode == 0:
		return Result{Outcome: OutcomeClean, ExitCode: 0}
	case exitCode == sigintExitCode:
		return Result{Outcome: OutcomeUserInterrupted, ExitCode: 0}
	case exitCode == sshTransportFailure:
		if relayAlive {
			return Result{Outcome: OutcomeTunnelDropped, ExitCode: sshTransportFailure}
		}
		return Result{Outcome: OutcomeClean, ExitCode: 0}
	default:
		return Result{Outcome: OutcomeRemoteExited, ExitCode: exitCode}
	}
}

// RunTunnel opens the tunnel mapping port symmetrically, stages the
// rendered program over the authenticated channel, executes it, and blocks
// until the program ends or the channel drops. Staging and execution share
// one ssh session, so an unreachable host surfaces as ssh's own transport
// status rather than a separate upload error. Returns the process exit
// code; -1 with an error means ssh never started.
func RunTunnel(ctx context.Context, host string, port int, remotePath string, body []byte, sshArgs []string) (int, error) {
	args := []string{
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=10",
		"-o", "ServerAliveCountMax=3",
	}
	args = append(args, sshArgs...)
	args = append(args,
		"-R", fmt.Sprintf("%d:127.0.0.1:%d", port, port),
		host,
		fmt.Sprintf("cat > '%s' && exec bash '%s' </dev/null", remotePath, remotePath),
	)
	c := exec.CommandContext(ctx, "ssh", args...)
	c.Stdin = bytes.NewReader(body)
	c.Stdout = os.Stderr
	c.Stderr = os.Stderr
	err := c.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("start ssh tunnel: %w", err)
}

// SweepRemote re-issues the port-scoped kill-by-pattern over a fresh
// short-lived connection, covering the case where the in-script trap never
// ran (e.g. an uncatchable signal). Failures are swallowed: this is a
// safety net, not the primary mechanism.
func SweepRemote(host string, port int, sshArgs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	args := []string{"-o", "ConnectTimeout=5", "-o", "BatchMode=yes"}
	args = append(args, sshArgs...)
	args = append(args, host, script.SweepCommand(port))
	_ = exec.CommandContext(ctx, "ssh", args...).Run()
}

package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// ErrBridgeBind indicates the local relay process could not bind its
// transport endpoint. A bound but non-functional session is strictly worse
// than a declined one, so this aborts before any tunnel work.
var ErrBridgeBind = errors.New("local relay failed to bind")

// Handle is the only surface the session holds on a supervised process:
// a liveness predicate and termination. The relay's internal concurrency
// is the bridging primitive's business, not the session's.
type Handle interface {
	Alive() bool
	Terminate()
}

// Relay supervises the background process bridging the agent socket to the
// transport endpoint. The process is this same binary re-executed with the
// hidden relay subcommand, which gives it a handle-based kill path and a
// stable command-line signature for the orphan sweep.
type Relay struct {
	Port int
	cmd  *exec.Cmd
}

// relayPattern matches relay processes bound to exactly this port and
// nothing else, so concurrent sessions on other endpoints are untouched.
func relayPattern(port int) string {
	return fmt.Sprintf("gpgfwd relay --port %d ", port)
}

// SweepStaleRelays terminates leftover relay processes from a crashed
// prior session on this port. Best-effort by design; pkill returning
// "no match" is the common case.
func SweepStaleRelays(ctx context.Context, port int) {
	_ = exec.CommandContext(ctx, "pkill", "-f", relayPattern(port)).Run()
}

// executable resolves the binary to self-exec as the relay child.
var executable = os.Executable

// StartRelay sweeps stale processes on the port, spawns the relay, and
// waits (bounded) for the listener to accept. Bind failures return
// ErrBridgeBind with the child already reaped.
func StartRelay(ctx context.Context, port int, agentSocket string) (*Relay, error) {
	SweepStaleRelays(ctx, port)

	exe, err := executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable: %w", err)
	}
	cmd := exec.CommandContext(ctx, exe,
		"relay",
		"--port", strconv.Itoa(port),
		"--agent-socket", agentSocket,
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start relay: %w", err)
	}
	r := &Relay{Port: port, cmd: cmd}
	go func() { _ = cmd.Wait() }()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.waitReady(waitCtx); err != nil {
		r.Terminate()
		return nil, fmt.Errorf("%w: port %d: %v", ErrBridgeBind, port, err)
	}
	return r, nil
}

// waitReady polls until the relay's listener accepts. A successful dial
// alone is not enough: when an unrelated listener already owns the port,
// the dial reaches the foreign process while the relay child has died on
// its bind, so the child's liveness is checked on every tick and again
// after the dial.
func (r *Relay) waitReady(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", r.Port)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for tcp %s", addr)
		case <-ticker.C:
			if !r.Alive() {
				return fmt.Errorf("relay process exited before binding %s", addr)
			}
			c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
			if err != nil {
				continue
			}
			_ = c.Close()
			if !r.Alive() {
				return fmt.Errorf("relay process exited before binding %s", addr)
			}
			return nil
		}
	}
}

// Alive reports whether the relay process is still running.
func (r *Relay) Alive() bool {
	if r == nil || r.cmd == nil || r.cmd.Process == nil {
		return false
	}
	if r.cmd.ProcessState != nil {
		return false
	}
	return r.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Terminate kills the relay. Safe to call more than once and on a relay
// that already exited.
func (r *Relay) Terminate() {
	if r == nil || r.cmd == nil || r.cmd.Process == nil {
		return
	}
	_ = r.cmd.Process.Kill()
	// The reaper goroutine collects the exit status; give it a moment so
	// Alive() flips promptly for the teardown-then-classify path.
	for i := 0; i < 50 && r.cmd.ProcessState == nil; i++ {
		time.Sleep(10 * time.Millisecond)
	}
}

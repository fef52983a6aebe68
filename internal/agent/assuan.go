package agent

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Liveness defaults: 10 tries at 0.5s spacing gives a 5s ceiling before
// the session fails rather than degrading silently.
const (
	SocketPollTries    = 10
	SocketPollInterval = 500 * time.Millisecond
)

// WaitForSocket polls for path to appear on disk. Exhaustion is a hard
// failure of the session.
func WaitForSocket(ctx context.Context, path string, tries int, interval time.Duration) error {
	if tries <= 0 {
		tries = SocketPollTries
	}
	if interval <= 0 {
		interval = SocketPollInterval
	}
	for i := 0; i < tries; i++ {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("socket %s did not appear within %s", path, time.Duration(tries)*interval)
}

// Ping performs one Assuan round-trip against an agent endpoint: read the
// greeting, issue GETINFO version, and require an OK status line. A non-OK
// answer means the bridge is structurally broken, so this never retries.
func Ping(ctx context.Context, network, addr string) error {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return fmt.Errorf("dial agent %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	}

	r := bufio.NewReader(conn)
	greeting, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read agent greeting: %w", err)
	}
	if !strings.HasPrefix(greeting, "OK") {
		return fmt.Errorf("unexpected agent greeting %q", strings.TrimSpace(greeting))
	}

	if _, err := fmt.Fprint(conn, "GETINFO version\n"); err != nil {
		return fmt.Errorf("send version query: %w", err)
	}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read version response: %w", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "OK"):
			_, _ = fmt.Fprint(conn, "BYE\n")
			return nil
		case strings.HasPrefix(line, "ERR"):
			return fmt.Errorf("agent rejected version query: %s", line)
		case strings.HasPrefix(line, "D ") || strings.HasPrefix(line, "S ") || strings.HasPrefix(line, "#"):
			// data/status lines precede the final OK
		default:
			return fmt.Errorf("unexpected agent response %q", line)
		}
	}
}

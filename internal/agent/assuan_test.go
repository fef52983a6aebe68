package agent

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAgent speaks just enough Assuan for the verifier: greeting, then one
// scripted response per GETINFO query.
func fakeAgent(t *testing.T, versionReply []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "S.gpg-agent")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				fmt.Fprint(c, "OK Pleased to meet you\n")
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					line := sc.Text()
					switch {
					case strings.HasPrefix(line, "GETINFO"):
						for _, reply := range versionReply {
							fmt.Fprintf(c, "%s\n", reply)
						}
					case line == "BYE":
						fmt.Fprint(c, "OK closing connection\n")
						return
					default:
						fmt.Fprint(c, "ERR 67109139 Unknown IPC command\n")
					}
				}
			}(conn)
		}
	}()
	return path
}

func TestPingSuccess(t *testing.T) {
	sock := fakeAgent(t, []string{"D 2.4.4", "OK"})
	require.NoError(t, Ping(context.Background(), "unix", sock))
}

func TestPingAgentError(t *testing.T) {
	sock := fakeAgent(t, []string{"ERR 280 Not implemented"})
	err := Ping(context.Background(), "unix", sock)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rejected")
}

func TestPingBadGreeting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "S.bogus")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		fmt.Fprint(conn, "HELLO\n")
		_ = conn.Close()
	}()
	err = Ping(context.Background(), "unix", path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "greeting")
}

func TestPingOverTCP(t *testing.T) {
	// The same round-trip must work through a TCP endpoint, which is how
	// the forwarded path is verified.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprint(conn, "OK Pleased to meet you\n")
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "GETINFO") {
				fmt.Fprint(conn, "D 2.4.4\nOK\n")
			}
			if sc.Text() == "BYE" {
				return
			}
		}
	}()
	require.NoError(t, Ping(context.Background(), "tcp", l.Addr().String()))
}

func TestWaitForSocketAppears(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.sock")
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, nil, 0o600)
	}()
	require.NoError(t, WaitForSocket(context.Background(), path, 20, 20*time.Millisecond))
}

func TestWaitForSocketExhausts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.sock")
	err := WaitForSocket(context.Background(), path, 3, 10*time.Millisecond)
	require.Error(t, err)
	require.Contains(t, err.Error(), "did not appear")
}

func TestWaitForSocketHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForSocket(ctx, filepath.Join(t.TempDir(), "x"), 5, 10*time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
}

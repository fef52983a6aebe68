package session

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubExecutable routes the relay self-exec at a substitute binary for the
// duration of a test.
func stubExecutable(t *testing.T, path string) {
	t.Helper()
	restore := executable
	executable = func() (string, error) { return path, nil }
	t.Cleanup(func() { executable = restore })
}

func TestStartRelayBusyPortIsBindFailure(t *testing.T) {
	falseBin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false not available")
	}

	// An unrelated listener owns the port, so the relay child dies on its
	// bind while dials against the port still succeed. StartRelay must
	// report the bind failure, not ride the foreign listener.
	l, port := listenLoopback(t)
	defer l.Close()

	stubExecutable(t, falseBin)
	_, err = StartRelay(context.Background(), port, "/nonexistent.sock")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBridgeBind)
}

func TestStartRelayDeadChildFailsFast(t *testing.T) {
	falseBin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false not available")
	}

	// No listener at all and a child that exits immediately: the failure
	// must surface well before the full wait ceiling.
	l, port := listenLoopback(t)
	l.Close()

	stubExecutable(t, falseBin)
	start := time.Now()
	_, err = StartRelay(context.Background(), port, "/nonexistent.sock")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBridgeBind)
	assert.Less(t, time.Since(start), 3*time.Second)
}

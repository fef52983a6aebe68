package session

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenLoopback binds an ephemeral loopback port and returns the listener
// plus its port number.
func listenLoopback(t *testing.T) (net.Listener, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return l, l.Addr().(*net.TCPAddr).Port
}

type fakeHandle struct {
	alive      bool
	terminates int
}

func (h *fakeHandle) Alive() bool { return h.alive }
func (h *fakeHandle) Terminate()  { h.terminates++; h.alive = false }

func tempArtifact(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	return p
}

func TestTeardownReleasesEverything(t *testing.T) {
	h := &fakeHandle{alive: true}
	var out bytes.Buffer
	s := &State{Relay: h, Stderr: &out}
	a := tempArtifact(t, "gpgfwd-12345-aaaa.sh")
	b := tempArtifact(t, "gpgfwd-12345-bbbb.sh")
	s.AddArtifact(a)
	s.AddArtifact(b)

	s.Teardown()

	assert.Equal(t, 1, h.terminates)
	assert.False(t, h.Alive())
	_, err := os.Stat(a)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(b)
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, out.String(), "local teardown complete")
	assert.True(t, s.TornDown())
}

func TestTeardownRunsEffectsExactlyOnce(t *testing.T) {
	// Signal path and normal exit path can both reach teardown; the second
	// arrival must be a no-op.
	h := &fakeHandle{alive: true}
	var out bytes.Buffer
	s := &State{Relay: h, Stderr: &out}
	s.AddArtifact(tempArtifact(t, "gpgfwd-9999-cccc.sh"))

	s.Teardown()
	s.Teardown()
	s.Teardown()

	assert.Equal(t, 1, h.terminates)
	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("local teardown complete")))
}

func TestTeardownConcurrentInvocations(t *testing.T) {
	h := &fakeHandle{alive: true}
	s := &State{Relay: h, Stderr: &bytes.Buffer{}}

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			s.Teardown()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, 1, h.terminates)
}

func TestTeardownWithNoRelayOrArtifacts(t *testing.T) {
	s := &State{Stderr: &bytes.Buffer{}}
	assert.NotPanics(t, s.Teardown)
	assert.True(t, s.TornDown())
}

func TestTeardownSurvivesMissingArtifact(t *testing.T) {
	var out bytes.Buffer
	s := &State{Stderr: &out}
	s.AddArtifact(filepath.Join(t.TempDir(), "already-gone.sh"))
	assert.NotPanics(t, s.Teardown)
	assert.Contains(t, out.String(), "local teardown complete")
}

func TestRelayPatternIsPortScoped(t *testing.T) {
	p := relayPattern(5000)
	assert.Contains(t, p, "--port 5000 ")
	assert.NotContains(t, relayPattern(50001), fmt.Sprintf("--port %d ", 5000))
}

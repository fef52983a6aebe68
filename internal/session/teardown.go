package session

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// State is the session's mutable teardown state: which resources exist and
// whether they have already been released. It replaces trap-mutated shell
// globals with one struct and an atomic guard.
type State struct {
	torn atomic.Bool

	// Relay is the local relay handle, nil before the relay starts.
	Relay Handle

	// Artifacts are local temp files owned by the session (the rendered
	// script, any exported-credential file).
	Artifacts []string

	// Stderr receives the completion report; nil means os.Stderr.
	Stderr io.Writer
}

// AddArtifact registers a local temp file for deletion at teardown.
func (s *State) AddArtifact(path string) {
	s.Artifacts = append(s.Artifacts, path)
}

// Teardown releases every local resource exactly once. Later calls are
// no-ops, so it is safe to reach here from both the signal path and the
// normal exit path. Every failure inside is suppressed: teardown must
// never produce a secondary error that masks the session's real outcome.
func (s *State) Teardown() {
	if !s.torn.CompareAndSwap(false, true) {
		return
	}
	if s.Relay != nil {
		s.Relay.Terminate()
	}
	for _, p := range s.Artifacts {
		_ = os.Remove(p)
	}
	w := s.Stderr
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintln(w, "[gpgfwd] local teardown complete")
}

// TornDown reports whether teardown has run.
func (s *State) TornDown() bool {
	return s.torn.Load()
}

package session

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
)

// Dynamic/private port range the auto selector draws from.
const (
	DynamicPortMin = 49152
	DynamicPortMax = 65535
)

// The selection loop is capped rather than unbounded: under a fully
// saturated port range the session fails with ErrNoFreeEndpoint instead of
// hanging. The probe is best-effort only; the endpoint is never reserved,
// and a lost race surfaces as a loud bind failure later.
const defaultSelectAttempts = 1024

var (
	// ErrInvalidEndpoint indicates a --port value that is not "auto" or a
	// non-negative integer.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrNoFreeEndpoint indicates the auto selector exhausted its attempts.
	ErrNoFreeEndpoint = errors.New("no free endpoint found")
)

// Selector chooses the transport endpoint for a session.
type Selector struct {
	// Probe reports whether a port currently has no bound local listener.
	// Nil uses a real bind probe.
	Probe func(port int) bool

	// Rand supplies port draws; nil uses the global source.
	Rand *rand.Rand

	// MaxAttempts bounds the auto-selection loop; <=0 uses the default.
	MaxAttempts int
}

// Select resolves spec ("auto" or an integer string) to a port. Explicit
// values are validated but not probed: if the port is busy the relay's own
// bind fails fast before any tunnel work.
func (s *Selector) Select(spec string) (int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.EqualFold(spec, "auto") {
		return s.auto()
	}
	port, err := strconv.Atoi(spec)
	if err != nil || port < 0 {
		return 0, fmt.Errorf("%w: %q (expected a non-negative integer or \"auto\")", ErrInvalidEndpoint, spec)
	}
	return port, nil
}

func (s *Selector) auto() (int, error) {
	probe := s.Probe
	if probe == nil {
		probe = probeFree
	}
	draw := rand.Intn
	if s.Rand != nil {
		draw = s.Rand.Intn
	}
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = defaultSelectAttempts
	}
	for i := 0; i < attempts; i++ {
		port := DynamicPortMin + draw(DynamicPortMax-DynamicPortMin+1)
		if probe(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w after %d attempts in %d-%d", ErrNoFreeEndpoint, attempts, DynamicPortMin, DynamicPortMax)
}

func probeFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

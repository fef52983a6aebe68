package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Bridge accepts TCP connections and forwards each one to a Unix socket.
// One socket-side connection is opened per accepted TCP connection, so
// sequential agent queries within a session each get a fresh stream.
type Bridge struct {
	// ListenAddr is the TCP address to bind (e.g. "127.0.0.1:51234").
	ListenAddr string

	// SocketPath is the Unix socket every accepted connection is forwarded to.
	SocketPath string

	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	conns    sync.WaitGroup
}

// Start binds the listener and begins accepting in the background. It
// returns once the listener is bound, or an error if the socket is not
// reachable or the bind fails. A failed bind must abort the session before
// any tunnel work, so the probe happens up front.
func (b *Bridge) Start(ctx context.Context) error {
	if strings.TrimSpace(b.ListenAddr) == "" {
		return fmt.Errorf("bridge: listen address is required")
	}
	if strings.TrimSpace(b.SocketPath) == "" {
		return fmt.Errorf("bridge: agent socket path is required")
	}

	probe, err := net.DialTimeout("unix", b.SocketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("bridge: agent socket %s not reachable: %w", b.SocketPath, err)
	}
	_ = probe.Close()

	l, err := net.Listen("tcp", b.ListenAddr)
	if err != nil {
		return fmt.Errorf("bridge: bind %s: %w", b.ListenAddr, err)
	}
	b.listener = l

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		b.acceptLoop(ctx)
	}()
	return nil
}

// Addr returns the bound address (useful when ListenAddr requested port 0),
// or nil before Start.
func (b *Bridge) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections to drain.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.listener != nil {
		_ = b.listener.Close()
	}
	if b.done != nil {
		<-b.done
	}
}

// Wait blocks until the bridge has stopped.
func (b *Bridge) Wait() {
	if b.done != nil {
		<-b.done
	}
}

func (b *Bridge) acceptLoop(ctx context.Context) {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				b.conns.Wait()
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					b.conns.Wait()
					return
				}
				fmt.Fprintf(os.Stderr, "[gpgfwd] relay accept: %v\n", err)
				continue
			}
		}
		b.conns.Add(1)
		go func() {
			defer b.conns.Done()
			b.forward(conn)
		}()
	}
}

func (b *Bridge) forward(tcpConn net.Conn) {
	defer tcpConn.Close()

	unixConn, err := net.DialTimeout("unix", b.SocketPath, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[gpgfwd] relay dial %s: %v\n", b.SocketPath, err)
		return
	}
	defer unixConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	// Half-close in each direction so an agent-side EOF propagates to the
	// tunnel and vice versa.
	go func() {
		defer wg.Done()
		_, _ = io.Copy(unixConn, tcpConn)
		if uc, ok := unixConn.(*net.UnixConn); ok {
			_ = uc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(tcpConn, unixConn)
		if tc, ok := tcpConn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	wg.Wait()
}

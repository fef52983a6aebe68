package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gpgfwd/internal/agent"
	"gpgfwd/internal/bridge"
)

// newRelayCmd is the hidden subcommand the forward session re-executes as
// its local relay process. Keeping it inside the same binary gives the
// session a direct process handle and the orphan sweep a stable
// command-line signature to match on.
func newRelayCmd() *cobra.Command {
	var port int
	var agentSocket string
	cmd := &cobra.Command{
		Use:    "relay",
		Short:  "Bridge the agent socket to a local tcp port (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port <= 0 {
				return fmt.Errorf("--port is required")
			}
			if agentSocket == "" {
				return fmt.Errorf("--agent-socket is required")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := agent.WaitForSocket(ctx, agentSocket, agent.SocketPollTries, agent.SocketPollInterval); err != nil {
				return err
			}
			b := &bridge.Bridge{
				ListenAddr: fmt.Sprintf("127.0.0.1:%d", port),
				SocketPath: agentSocket,
			}
			if err := b.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			b.Stop()
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "tcp port to listen on")
	cmd.Flags().StringVar(&agentSocket, "agent-socket", "", "path to the gpg-agent unix socket")
	return cmd
}

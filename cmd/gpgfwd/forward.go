package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"gpgfwd/internal/session"
)

type forwardFlags struct {
	exportKey string
	portSpec  string
	fork      bool
	sshArgs   []string
}

func newForwardCmd(root *rootOptions) *cobra.Command {
	opts := &forwardFlags{}
	cmd := &cobra.Command{
		Use:   "forward [user@host]",
		Short: "Open a forwarding session to a remote host",
		Long: `Bridges the local gpg-agent socket to a TCP port, opens a reverse
ssh tunnel on that port, and runs a self-cleaning session script on the
remote host that exposes the agent at the standard socket path there.
The session blocks until interrupted or the tunnel drops.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := resolveForward(root, opts, cmd, args)
			if err != nil {
				return err
			}
			if opts.fork {
				return fmt.Errorf("--fork: detached sessions are not implemented; run under a terminal multiplexer instead")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if term.IsTerminal(int(os.Stderr.Fd())) {
				fmt.Fprintln(os.Stderr, "[gpgfwd] press Ctrl-C to end the session")
			}

			res, err := session.Run(ctx, session.Options{
				Host:           host,
				PortSpec:       opts.portSpec,
				ExportIdentity: opts.exportKey,
				SSHArgs:        opts.sshArgs,
			})
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return &exitError{code: res.ExitCode}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.exportKey, "export", "", "identity whose public key is exported and imported on the remote host")
	cmd.Flags().StringVar(&opts.portSpec, "port", "auto", "tunnel port, or \"auto\" to pick a free one")
	cmd.Flags().BoolVar(&opts.fork, "fork", false, "run the session detached (reserved)")
	cmd.Flags().StringArrayVar(&opts.sshArgs, "ssh-arg", nil, "extra argument passed to ssh (repeatable)")
	return cmd
}

// resolveForward merges the positional host and flags with the selected
// config context. Explicit flags always win over context defaults.
func resolveForward(root *rootOptions, opts *forwardFlags, cmd *cobra.Command, args []string) (string, error) {
	host := ""
	if len(args) == 1 {
		host = strings.TrimSpace(args[0])
	}

	ctx, name, err := root.config.Resolve(root.contextName)
	if err != nil {
		if host == "" || root.contextName != "" {
			return "", err
		}
		// A dangling currentContext still means its port/export defaults
		// are not applied; say so rather than silently ignoring it.
		fmt.Fprintf(cmd.ErrOrStderr(), "[gpgfwd] ignoring config context: %v\n", err)
	}
	if ctx != nil {
		if host == "" {
			host = strings.TrimSpace(ctx.SSHHost)
		}
		if !cmd.Flags().Changed("port") && strings.TrimSpace(ctx.Port) != "" {
			opts.portSpec = ctx.Port
		}
		if !cmd.Flags().Changed("export") && ctx.ExportKey != "" {
			opts.exportKey = ctx.ExportKey
		}
		if ctx.TimeoutSeconds > 0 {
			opts.sshArgs = append(opts.sshArgs, "-o", fmt.Sprintf("ConnectTimeout=%d", ctx.TimeoutSeconds))
		}
	}
	if host == "" {
		if name != "" {
			return "", fmt.Errorf("context %q has no sshHost; pass user@host explicitly", name)
		}
		return "", fmt.Errorf("no host given: pass user@host or configure a context")
	}
	return host, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gpgfwd/internal/agent"
	cliconfig "gpgfwd/internal/cli/config"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, _ := os.Executable()
			fmt.Fprintf(os.Stdout, "gpgfwd_executable=%s\n", strings.TrimSpace(exe))

			for _, tool := range []string{"ssh", "gpg", "gpgconf", "bash"} {
				path, err := exec.LookPath(tool)
				if err != nil {
					fmt.Fprintf(os.Stdout, "tool_%s=MISSING\n", tool)
					continue
				}
				fmt.Fprintf(os.Stdout, "tool_%s=%s\n", tool, path)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			ag := agent.NewClient()
			sock, err := ag.SocketPath(ctx)
			if err != nil {
				fmt.Fprintf(os.Stdout, "agent_socket_error=%s\n", err.Error())
			} else {
				fmt.Fprintf(os.Stdout, "agent_socket=%s\n", sock)
				if err := agent.Ping(ctx, "unix", sock); err != nil {
					fmt.Fprintf(os.Stdout, "agent_ping_error=%s\n", err.Error())
				} else {
					fmt.Fprintln(os.Stdout, "agent_ping=ok")
				}
			}

			fmt.Fprintf(os.Stdout, "config_path=%s\n", root.configPath)
			cfg, err := cliconfig.Load(root.configPath)
			if err != nil {
				fmt.Fprintf(os.Stdout, "config_error=%s\n", err.Error())
				return nil
			}
			if cfg == nil {
				fmt.Fprintln(os.Stdout, "config_present=false")
				return nil
			}
			fmt.Fprintln(os.Stdout, "config_present=true")
			fmt.Fprintf(os.Stdout, "current_context=%s\n", strings.TrimSpace(cfg.CurrentContext))
			names := make([]string, 0, len(cfg.Contexts))
			for k := range cfg.Contexts {
				names = append(names, k)
			}
			sort.Strings(names)
			for _, name := range names {
				c := cfg.Contexts[name]
				if c == nil {
					continue
				}
				fmt.Fprintf(os.Stdout, "context=%s ssh=%s port=%s export=%s timeout=%d\n",
					name,
					strings.TrimSpace(c.SSHHost),
					strings.TrimSpace(c.Port),
					strings.TrimSpace(c.ExportKey),
					c.TimeoutSeconds,
				)
			}
			return nil
		},
	}
	return cmd
}

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cliconfig "gpgfwd/internal/cli/config"
)

type rootOptions struct {
	configPath  string
	contextName string
	config      *cliconfig.Config
}

func (r *rootOptions) prepare() error {
	cfg, err := cliconfig.Load(r.configPath)
	if err != nil {
		return err
	}
	r.config = cfg
	return nil
}

// exitError carries a specific process exit status up through cobra.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "gpgfwd",
		Short:         "Forward the local gpg-agent to a remote host over ssh",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", cliconfig.DefaultConfigPath(), "path to gpgfwd config file (default $HOME/.gpgfwd/config)")
	rootCmd.PersistentFlags().StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		// The relay subprocess never touches the config.
		if cmd.Name() == "relay" {
			return nil
		}
		return opts.prepare()
	}

	rootCmd.AddCommand(newForwardCmd(opts))
	rootCmd.AddCommand(newRelayCmd())
	rootCmd.AddCommand(newDoctorCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "[gpgfwd] %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arzzra/phonify/pkg/config"
)

// Заполняется при сборке через -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "phonectl",
		Short: "Phonify - console SIP softphone",
		Long: `Phonify is a single-line SIP softphone.
It registers an account, places and answers calls and plays the remote audio.

Examples:
  phonectl run -c phonify.yaml                  # Register and wait for commands on stdin
  phonectl run -c phonify.yaml --dial 2002      # Register and call 2002
  phonectl run --mock --auto-answer             # In-memory transport, answer every call
  phonectl config validate -c phonify.yaml      # Check configuration and print it`,
		SilenceUsage: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "phonectl %s (%s), user agent %q\n", version, commit, config.DefaultUserAgent)
		},
	}
}

func newConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	var path string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file and print the effective values",
		Long: `Load the configuration file, apply PHONIFY_* environment overrides,
validate it and print the result as YAML. The password is masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "INVALID:\n%v\n", err)
				return fmt.Errorf("configuration %s is invalid", path)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "VALID")
			return cfg.Dump(cmd.OutOrStdout())
		},
	}
	validate.Flags().StringVarP(&path, "config", "c", "phonify.yaml", "Path to the configuration file")
	cfgCmd.AddCommand(validate)
	return cfgCmd
}

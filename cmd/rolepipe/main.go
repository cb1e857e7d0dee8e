// Command rolepipe runs the role onboarding pipeline: an HTTP control
// surface for pushing roles and checking status, plus a worker that
// executes the onboarding steps against the downstream processing API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

type rootFlags struct {
	debug bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rolepipe:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "rolepipe",
		Short: "Self-service role onboarding pipeline",
		Long: `rolepipe onboards company roles through a durable three-step pipeline
(role creation, job description linking, AI assessment) and serves
submission and status endpoints over HTTP. All configuration comes from
environment variables; see the config package for the recognized keys.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false,
		"enable debug logs, pprof, and the runtime debug-log toggle")
	cmd.AddCommand(newServeCmd(flags), newWorkerCmd(flags), newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rolepipe %s (%s)\n", version, commit)
		},
	}
}

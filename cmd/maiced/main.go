// Command maiced is the MAICE backend entrypoint: a cobra root command
// with serve, evaluate, and migrate subcommands, viper-backed
// configuration (MAICE_ env vars > YAML file named by --config > defaults).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "maiced",
		Short: "MAICE multi-agent tutoring backend",
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file")
	root.AddCommand(newServeCmd())
	root.AddCommand(newEvaluateCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

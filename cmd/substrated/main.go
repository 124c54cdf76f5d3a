// Command substrated runs the Flow-Like execution substrate: the state
// store (C1), plugin host (C2), event sink manager (C3), and job dispatcher
// (C4), wired together behind a small HTTP surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "substrated",
		Short: "Flow-Like execution substrate daemon",
		Long:  "Runs the state store, plugin host, event sink manager, and job dispatcher behind one process.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env vars override)")

	rootCmd.AddCommand(
		daemonCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the substrate daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("substrated dev")
			return nil
		},
	}
}

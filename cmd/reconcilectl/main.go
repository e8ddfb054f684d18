package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "reconcilectl",
		Short:   "Operator tool for payment reconciliation",
		Version: Version,
	}

	rootCmd.PersistentFlags().String("env", "", "Path to an .env file")

	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(pendingCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

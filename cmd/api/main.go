// Package main is the entry point for the companion API server and its
// command line tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "companion",
	Short: "HereForYou companion chat backend",
	Long: `companion serves the HereForYou conversation API: an append-only
conversation log with live push, and a completion gateway that answers each
user message with one companion reply.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, mentorCmd, sayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

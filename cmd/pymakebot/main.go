// pymakebot generates Python programs from natural-language requests and
// runs them under supervision.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pymakebot",
	Short: "pymakebot generates, checks and runs Python programs with an LLM.",
	Long: `pymakebot turns a plain-language request into a Python program, checks it
(syntax, ruff, bandit), and runs it on the host or in a hardened container.
Without a subcommand it starts the interactive REPL.`,
	RunE:          runChat, // Default to the REPL.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(chatCmd, generateCmd, runCmd, dashboardCmd, doctorCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// Command llm-core-cli operates the inference marketplace client core
// outside of an embedding application: identity derivation, host
// discovery, and session lifecycle.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "llm-core-cli",
	Short: "Operate the LLM inference marketplace client core",
}

func init() {
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(sessionCmd)
}

func main() {
	zapLogger, _ := zap.NewProduction()
	zap.ReplaceGlobals(zapLogger)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

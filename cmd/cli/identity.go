package main

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fabstir/llm-core/core"
)

var (
	identityLogger = logrus.New()
	identityOnce   sync.Once
	derivation     *core.IdentityKeyDerivation
)

func identityMiddleware(cmd *cobra.Command, _ []string) error {
	identityOnce.Do(func() {
		_ = godotenv.Load()
		if lvl, err := logrus.ParseLevel(os.Getenv("LLMCORE_LOG_LEVEL")); err == nil {
			identityLogger.SetLevel(lvl)
		}
		derivation = core.NewIdentityKeyDerivation()
	})
	return nil
}

var identityCmd = &cobra.Command{
	Use:               "identity",
	Short:             "Derive deterministic storage seed phrases from a wallet identity",
	PersistentPreRunE: identityMiddleware,
}

var identityDeriveCmd = &cobra.Command{
	Use:   "derive <address> <chainId>",
	Short: "Derive the storage seed phrase for (address, chainId)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chainID, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chainId %q: %w", args[1], err)
		}
		phrase, err := derivation.DeriveSeedFromAddress(args[0], chainID)
		if err != nil {
			return err
		}
		fmt.Println(phrase)
		return nil
	},
}

func init() {
	identityCmd.AddCommand(identityDeriveCmd)
}

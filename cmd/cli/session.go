package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fabstir/llm-core/core"
	"github.com/fabstir/llm-core/pkg/config"
)

var (
	sessionLogger     = logrus.New()
	sessionOnce       sync.Once
	sessionSeedPhrase string

	convoStore  *core.ConversationStore
	vecStore    *core.VectorStore
	ckptEngine  *core.CheckpointEngine
	storageFcd  *core.StorageFacade
	coordinator *core.SessionCoordinator
)

// sessionMiddleware wires the local, storage-backed half of the session
// surface: conversation history, vector recall, and checkpoint records.
// Starting a *new* session additionally needs a live ContractFacade and a
// wallet Capability (on-chain job creation, signed settlement), which are
// supplied by an embedding application rather than this CLI; see
// SPEC_FULL.md's wallet-capability injection for why no JSON-RPC backend or
// keystore is constructed here.
func sessionMiddleware(cmd *cobra.Command, _ []string) error {
	var setupErr error
	sessionOnce.Do(func() {
		_ = godotenv.Load()
		cfg, err := config.LoadFromEnv()
		if err != nil {
			sessionLogger.Warnf("session: no config file found, using defaults: %v", err)
			cfg = &config.AppConfig
		}

		sessionSeedPhrase = os.Getenv("LLMCORE_SEED_PHRASE")
		if sessionSeedPhrase == "" {
			setupErr = fmt.Errorf("LLMCORE_SEED_PHRASE must be set (run `llm-core-cli identity derive` first)")
			return
		}

		sf, err := core.ConnectStorageFacade(cfg.Storage.RootDir, sessionSeedPhrase, sessionLogger)
		if err != nil {
			setupErr = fmt.Errorf("session: connect storage: %w", err)
			return
		}

		storageFcd = sf
		convoStore = core.NewConversationStore(sf)
		vecStore = core.NewVectorStore(sf)
		ckptEngine = core.NewCheckpointEngine(nil, nil, sf, sessionLogger)

		// StartSession/SendPrompt require facade/wallet/hostEmbed/hostSearch
		// which this CLI does not construct (see comment above); those
		// fields are left nil and only RecoverFromCheckpoints is exercised.
		coordinator = core.NewSessionCoordinator(nil, nil, convoStore, vecStore, ckptEngine, sf, nil, nil, sessionLogger)
	})
	return setupErr
}

var sessionCmd = &cobra.Command{
	Use:               "session",
	Short:             "Inspect locally stored session history, vectors, and checkpoints",
	PersistentPreRunE: sessionMiddleware,
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <sessionId>",
	Short: "Print the full locally stored message history for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		messages, err := convoStore.Load(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(messages)
	},
}

var sessionExportFormat string

var sessionExportCmd = &cobra.Command{
	Use:   "export <sessionId>",
	Short: "Export a session's conversation as json or markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := convoStore.Export(args[0], sessionExportFormat)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, out)
		return err
	},
}

var sessionRecoverCmd = &cobra.Command{
	Use:   "recover <sessionId>",
	Short: "Recover message history and verify checkpoint proofs for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recovered, err := coordinator.RecoverFromCheckpoints(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recovered)
	},
}

func init() {
	sessionExportCmd.Flags().StringVar(&sessionExportFormat, "format", "json", "export format: json or markdown")
	sessionCmd.AddCommand(sessionHistoryCmd, sessionExportCmd, sessionRecoverCmd)
}

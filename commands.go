package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tutorqa_back/knowledge"
	"tutorqa_back/llm"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail documents stuck in UPLOADING past the staleness window",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <document-id>",
	Short: "Run ingestion for one UPLOADING document in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngest,
}

var encryptKeyCmd = &cobra.Command{
	Use:   "encrypt-key <api-key>",
	Short: "Encrypt a provider API key for ai_provider_configs",
	Long: `Encrypts the key with APP_ENCRYPTION_KEY and prints the base64 value to
store in ai_provider_configs.api_key.`,
	Args: cobra.ExactArgs(1),
	RunE: runEncryptKey,
}

func init() {
	rootCmd.AddCommand(sweepCmd, ingestCmd, encryptKeyCmd)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	db, _, err := openMigrated()
	if err != nil {
		return err
	}
	service := knowledge.NewService(db, nil, nil, nil, nil, knowledge.ServiceConfigFromEnv())
	cleaned, err := service.SweepStale(cmd.Context())
	if err != nil {
		return err
	}
	cmd.Printf("Marked %d stale document(s) as failed.\n", cleaned)
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	documentID := strings.TrimSpace(args[0])
	ctx := cmd.Context()

	db, _, err := openMigrated()
	if err != nil {
		return err
	}
	runtime, err := knowledge.NewRuntimeFromEnv(ctx, db)
	if err != nil {
		return err
	}

	cmd.Printf("Ingesting document %s...\n", documentID)
	if err := runtime.Service.IngestNow(ctx, documentID); err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}
	doc, err := runtime.Service.Get(ctx, documentID)
	if err != nil {
		return err
	}
	cmd.Printf("Document %s finished as %s with %d chunk(s).\n", doc.ID, doc.Status, doc.ChunkCount)
	if doc.ErrorMessage != nil {
		cmd.Printf("Error: %s\n", *doc.ErrorMessage)
	}
	return nil
}

func runEncryptKey(cmd *cobra.Command, args []string) error {
	keyCipher, err := llm.NewKeyCipherFromEnv()
	if err != nil {
		return err
	}
	if keyCipher == nil {
		return errors.New("APP_ENCRYPTION_KEY is not set")
	}
	encrypted, err := keyCipher.Encrypt(strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}
	cmd.Println(encrypted)
	return nil
}

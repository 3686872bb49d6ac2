package main

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

var rootCmd = &cobra.Command{
	Use:   "tutorqa",
	Short: "Course material ingestion and cited question answering",
	Long: `Ingests uploaded course documents into a vector index and answers
questions with citations to the indexed material. Running without a
subcommand starts the HTTP server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func main() {
	mustLoadEnv()

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("tutorqa: %v", err)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"tutorqa_back/api"
	"tutorqa_back/authorization"
	"tutorqa_back/cache"
	"tutorqa_back/database"
	"tutorqa_back/knowledge"
	"tutorqa_back/llm"
	"tutorqa_back/qa"
	"tutorqa_back/vectors"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server, ingestion workers and stale sweep",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// openMigrated opens the database from the environment and brings the schema
// up to date for the configured vector dimension.
func openMigrated() (*gorm.DB, vectors.Reducer, error) {
	db, err := database.OpenFromEnv()
	if err != nil {
		return nil, vectors.Reducer{}, err
	}
	reducer := vectors.NewReducerFromEnv()
	if err := database.Migrate(db, reducer.Target); err != nil {
		return nil, vectors.Reducer{}, err
	}
	return db, reducer, nil
}

func sweepIntervalFromEnv() time.Duration {
	if raw := strings.TrimSpace(os.Getenv("INGEST_SWEEP_INTERVAL")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return time.Minute
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, _, err := openMigrated()
	if err != nil {
		return err
	}

	runtime, err := knowledge.NewRuntimeFromEnv(ctx, db)
	if err != nil {
		return fmt.Errorf("init ingestion: %w", err)
	}

	keyCipher, err := llm.NewKeyCipherFromEnv()
	if err != nil {
		return err
	}
	models := llm.NewModelHolder(llm.NewSettingsResolver(db, keyCipher, llm.SettingsFromEnv()))
	if model := models.Describe(ctx); model != "" {
		log.Printf("tutorqa: generation model %s", model)
	} else {
		log.Printf("tutorqa: no usable generation provider yet, answers will report the failure")
	}

	answers := qa.NewService(qa.Config{
		DB:             db,
		Embedder:       runtime.Embedder,
		EmbeddingModel: runtime.Embedder.Model(),
		Reducer:        runtime.Reducer,
		Store:          runtime.Store,
		Generator:      models,
		Cache:          cache.NewEmbeddingsFromEnv(),
		Options:        qa.OptionsFromEnv(),
	})

	auth, err := authorization.NewModuleFromEnv()
	if err != nil {
		return err
	}

	runtime.Dispatcher.Start(context.WithoutCancel(ctx))
	if _, err := runtime.Service.SweepStale(ctx); err != nil {
		log.Printf("tutorqa: initial sweep: %v", err)
	}
	go runtime.Service.RunSweeper(ctx, sweepIntervalFromEnv())

	origins := api.OriginsFromEnv()
	router := api.NewRouter(origins)
	if _, err := api.RegisterRoutes(router, auth.Guard(), api.Dependencies{
		Documents:      runtime.Service,
		Blobs:          runtime.Blobs,
		QA:             answers,
		Models:         models,
		AllowedOrigins: origins,
	}); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("tutorqa: listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
	}

	log.Printf("tutorqa: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("tutorqa: http shutdown: %v", err)
	}
	runtime.Dispatcher.Shutdown(shutdownCtx)
	if err := cache.Close(); err != nil {
		log.Printf("tutorqa: close redis: %v", err)
	}
	return nil
}

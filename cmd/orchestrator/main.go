// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the conversation HTTP server.
//
// Every flag falls back to an environment variable so the binary can be
// configured either way inside a container.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 9380)
//   - PUBLIC_BASE_URL: Externally reachable URL of this server
//   - DATA_DIR: BadgerDB directory (default: ./data/conversations)
//   - REGISTRY_PATH: Tenant registry YAML file
//   - LLM_BACKEND_TYPE: openai or ollama (default: openai)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional)
//   - TTS_SERVICE_URL / ASR_SERVICE_URL: Speech service URLs
//   - BLOB_BACKEND: local or gcs (default: local)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: Collector address, or "stdout"
//   - LOG_LEVEL / LOG_DIR: Logging
//
// # Usage
//
//	# Build
//	go build -o orchestrator ./cmd/orchestrator
//
//	# Run
//	./orchestrator serve --registry ./registry.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator"
	"github.com/spf13/cobra"
)

var (
	cfg orchestrator.Config

	logLevel string
	logDir   string
	logJSON  bool

	rootCmd = &cobra.Command{
		Use:   "orchestrator",
		Short: "Conversation service for Aleutian dialogs",
		Long: `orchestrator serves the conversation API: chat completions over
server-sent events, conversation history, speech recognition and speech
synthesis with stored playback.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
)

func init() {
	f := serveCmd.Flags()

	f.IntVar(&cfg.Port, "port", getEnvInt("ORCHESTRATOR_PORT", 9380), "HTTP listen port")
	f.StringVar(&cfg.GinMode, "gin-mode", getEnvString("GIN_MODE", ""), "Gin mode (debug, release, test)")
	f.StringVar(&cfg.PublicBaseURL, "public-url", getEnvString("PUBLIC_BASE_URL", ""), "Externally reachable base URL of this server")
	f.StringVar(&cfg.OTelEndpoint, "otel-endpoint", getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", ""), "OTLP gRPC collector, or \"stdout\"")
	f.BoolVar(&cfg.DisableMetrics, "disable-metrics", getEnvBool("DISABLE_METRICS", false), "Do not expose /metrics")

	f.StringVar(&cfg.DataDir, "data-dir", getEnvString("DATA_DIR", "./data/conversations"), "BadgerDB data directory")
	f.BoolVar(&cfg.InMemory, "in-memory", getEnvBool("IN_MEMORY", false), "Keep all data in memory")
	f.StringVar(&cfg.RegistryPath, "registry", getEnvString("REGISTRY_PATH", ""), "Tenant registry YAML file")
	f.BoolVar(&cfg.DisableRegistryWatch, "no-registry-watch", getEnvBool("DISABLE_REGISTRY_WATCH", false), "Do not reload the registry on change")

	f.StringVar(&cfg.LLM.Backend, "llm-backend", getEnvString("LLM_BACKEND_TYPE", llm.BackendOpenAI), "LLM backend (openai, ollama)")
	f.StringVar(&cfg.LLM.OpenAI.BaseURL, "openai-url", getEnvString("OPENAI_BASE_URL", ""), "OpenAI-compatible API base URL")
	f.StringVar(&cfg.LLM.OpenAI.Model, "openai-model", getEnvString("OPENAI_MODEL", ""), "OpenAI model")
	f.StringVar(&cfg.LLM.Ollama.BaseURL, "ollama-url", getEnvString("OLLAMA_BASE_URL", ""), "Ollama base URL")
	f.StringVar(&cfg.LLM.Ollama.Model, "ollama-model", getEnvString("OLLAMA_MODEL", ""), "Ollama model")
	f.StringVar(&cfg.WeaviateURL, "weaviate-url", getEnvString("WEAVIATE_SERVICE_URL", ""), "Weaviate URL for knowledge retrieval")

	f.StringVar(&cfg.TTS.BaseURL, "tts-url", getEnvString("TTS_SERVICE_URL", ""), "Speech synthesis service URL")
	f.StringVar(&cfg.TTS.CallbackURL, "tts-callback-url", getEnvString("TTS_CALLBACK_URL", ""), "URL the synthesis service calls on completion")
	f.StringVar(&cfg.ASR.BaseURL, "asr-url", getEnvString("ASR_SERVICE_URL", ""), "Speech recognition service URL")
	f.StringVar(&cfg.ASR.Mode, "asr-mode", getEnvString("ASR_MODE", ""), "Recognition mode")

	f.StringVar(&cfg.BlobBackend, "blob-backend", getEnvString("BLOB_BACKEND", orchestrator.BlobBackendLocal), "Audio storage backend (local, gcs)")
	f.StringVar(&cfg.BlobSecret, "blob-secret", getEnvString("BLOB_SECRET", ""), "HMAC secret for local presigned URLs")
	f.StringVar(&cfg.GCS.ProjectID, "gcs-project", getEnvString("GCS_PROJECT_ID", ""), "GCP project for audio buckets")
	f.StringVar(&cfg.GCS.CredentialsFile, "gcs-credentials", getEnvString("GOOGLE_APPLICATION_CREDENTIALS", ""), "Service account JSON file")
	f.StringVar(&cfg.GCS.BucketPrefix, "gcs-bucket-prefix", getEnvString("GCS_BUCKET_PREFIX", ""), "Prefix prepended to tenant bucket names")
	f.StringVar(&cfg.GCS.Location, "gcs-location", getEnvString("GCS_LOCATION", ""), "Location for new buckets")
	f.DurationVar(&cfg.PresignTTL, "presign-ttl", getEnvDuration("PRESIGN_TTL", 7*24*time.Hour), "Lifetime of playback URLs")

	f.StringVar(&cfg.UploadDir, "upload-dir", getEnvString("UPLOAD_DIR", ""), "Directory for audio uploads")
	f.DurationVar(&cfg.UploadMaxAge, "upload-max-age", getEnvDuration("UPLOAD_MAX_AGE", time.Hour), "Age after which orphaned uploads are removed")
	f.DurationVar(&cfg.SweepInterval, "sweep-interval", getEnvDuration("SWEEP_INTERVAL", 15*time.Minute), "Orphaned upload sweep interval")
	f.Float64Var(&cfg.CallbackRatePerSecond, "callback-rate", getEnvFloat("CALLBACK_RATE", 20), "TTS callback requests per second per client")
	f.IntVar(&cfg.CallbackBurst, "callback-burst", getEnvInt("CALLBACK_BURST", 40), "TTS callback burst per client")
	f.DurationVar(&cfg.KeepAlive, "keepalive", getEnvDuration("SSE_KEEPALIVE", 15*time.Second), "SSE keep-alive interval")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", getEnvString("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", getEnvString("LOG_DIR", ""), "Directory for daily JSON log files")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", getEnvBool("LOG_JSON", true), "Write JSON to the console")

	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  logDir,
		Service: "orchestrator",
		JSON:    logJSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	slog.Info("Starting orchestrator",
		"port", cfg.Port,
		"llm_backend", cfg.LLM.Backend,
		"blob_backend", cfg.BlobBackend,
		"weaviate_url", cfg.WeaviateURL,
		"registry", cfg.RegistryPath,
	)

	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("orchestrator error: %w", err)
	}
	slog.Info("Orchestrator stopped")
	return nil
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "1h").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the conversation service together.
//
// The Service owns the HTTP router and every collaborator behind it: the
// BadgerDB conversation store, the tenant registry, the LLM and speech
// clients, blob storage, the TTS task tracker and the temp-upload sweeper.
//
// # Extension Points
//
// Authentication and authorization are pluggable via
// extensions.ServiceOptions. When no options are given the tenant registry
// serves both: users authenticate with the bearer tokens listed in the
// registry file and may only touch dialogs of their own tenants.
//
// # Usage
//
//	cfg := orchestrator.Config{RegistryPath: "registry.yaml"}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	err = svc.Run(ctx)
package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/blob"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/tenants"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/ttl"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/tts"
	"github.com/AleutianAI/AleutianChat/services/speech"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName is reported to the tracing backend and the HTTP middleware.
const ServiceName = "conversation-service"

// Blob backends.
const (
	BlobBackendLocal = "local"
	BlobBackendGCS   = "gcs"
)

// OTelStdout as OTelEndpoint writes spans to stdout instead of a collector.
const OTelStdout = "stdout"

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the conversation service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run serves HTTP and runs the background workers until ctx is
	// cancelled or one of them fails, then shuts everything down.
	//
	// # Outputs
	//
	//   - error: The first failure, or nil after a clean shutdown.
	Run(ctx context.Context) error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine

	// Close releases resources without running. Run calls it on return.
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds service configuration.
//
// # Description
//
// All fields are optional; zero values are replaced by applyConfigDefaults.
// cmd/orchestrator fills it from flags and environment variables.
//
// # Examples
//
//	// Ephemeral instance for local development
//	cfg := Config{InMemory: true, OTelEndpoint: OTelStdout}
//
//	// Production
//	cfg := Config{
//	    DataDir:      "/var/lib/aleutian/conversations",
//	    RegistryPath: "/etc/aleutian/registry.yaml",
//	    BlobBackend:  BlobBackendGCS,
//	    GCS:          blob.GCSConfig{ProjectID: "acme", BucketPrefix: "acme-tts-"},
//	}
type Config struct {
	// Port is the HTTP server port. Default: 9380
	Port int

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Empty leaves Gin's own default.
	GinMode string

	// PublicBaseURL is where clients and the synthesis service reach this
	// server. Used for the TTS callback URL and local presigned URLs.
	// Default: http://127.0.0.1:{Port}
	PublicBaseURL string

	// OTelEndpoint is the OTLP gRPC collector address. Empty disables
	// export; OTelStdout pretty-prints spans to stdout.
	OTelEndpoint string

	// DisableMetrics hides /metrics and skips metric registration.
	DisableMetrics bool

	// MetricsRegisterer receives the service metrics.
	// Default: prometheus.DefaultRegisterer
	MetricsRegisterer prometheus.Registerer

	// DataDir is the BadgerDB directory. Default: ./data/conversations
	DataDir string

	// InMemory keeps conversations and local blobs in RAM only.
	InMemory bool

	// RegistryPath is the tenant/dialog/token YAML file. Empty starts with
	// an empty registry.
	RegistryPath string

	// WatchRegistry reloads RegistryPath when it changes. Default: true
	// when RegistryPath is set; see DisableRegistryWatch.
	DisableRegistryWatch bool

	// LLM selects and configures the chat model backend.
	LLM llm.Config

	// WeaviateURL enables knowledge retrieval. Empty answers without
	// knowledge.
	WeaviateURL string

	// TTS and ASR configure the speech service clients. Zero fields take
	// the client defaults; TTS.CallbackURL defaults to this server.
	TTS speech.TTSConfig
	ASR speech.ASRConfig

	// BlobBackend is BlobBackendLocal or BlobBackendGCS. Default: local
	BlobBackend string

	// GCS configures the BlobBackendGCS backend.
	GCS blob.GCSConfig

	// BlobSecret signs local presigned URLs. Empty generates a random
	// secret, which invalidates previously issued URLs on restart.
	BlobSecret string

	// PresignTTL is the lifetime of playback URLs. Default: 7 days
	PresignTTL time.Duration

	// UploadDir holds audio uploads during transcription.
	// Default: {os.TempDir()}/aleutian-asr
	UploadDir string

	// UploadMaxAge and SweepInterval govern removal of orphaned uploads.
	// Defaults: 1 hour, 15 minutes
	UploadMaxAge  time.Duration
	SweepInterval time.Duration

	// CallbackRatePerSecond and CallbackBurst limit the unauthenticated
	// TTS callback per client address. Defaults: 20, 40
	CallbackRatePerSecond float64
	CallbackBurst         int

	// KeepAlive is the SSE keep-alive interval. Default: 15s
	KeepAlive time.Duration

	// ShutdownTimeout bounds graceful HTTP shutdown. Default: 10s
	ShutdownTimeout time.Duration
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 9380
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	}
	cfg.PublicBaseURL = strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if cfg.MetricsRegisterer == nil {
		cfg.MetricsRegisterer = prometheus.DefaultRegisterer
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/conversations"
	}
	if cfg.TTS.CallbackURL == "" {
		cfg.TTS.CallbackURL = cfg.PublicBaseURL + "/v1/conversation/tts/callback"
	}
	if cfg.BlobBackend == "" {
		cfg.BlobBackend = BlobBackendLocal
	}
	if cfg.PresignTTL == 0 {
		cfg.PresignTTL = blob.DefaultPresignTTL
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(os.TempDir(), "aleutian-asr")
	}
	if cfg.UploadMaxAge == 0 {
		cfg.UploadMaxAge = time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 15 * time.Minute
	}
	if cfg.CallbackRatePerSecond == 0 {
		cfg.CallbackRatePerSecond = 20
	}
	if cfg.CallbackBurst == 0 {
		cfg.CallbackBurst = 40
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = handlers.DefaultKeepAlive
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Fields
//
//   - config: Configuration with defaults applied.
//   - opts: Auth extension points.
//   - router: Gin HTTP engine.
//   - db: BadgerDB holding conversations and local blobs.
//   - registry: Tenants, dialogs and tokens.
//   - sweeper: Background removal of orphaned uploads.
//   - tracerCleanup: Flushes and stops the span exporter.
//
// # Thread Safety
//
// Thread-safe after construction. Fields are read-only after New returns.
type service struct {
	config        Config
	opts          extensions.ServiceOptions
	router        *gin.Engine
	db            *store.DB
	registry      *tenants.Registry
	sweeper       ttl.Scheduler
	closers       []func() error
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a Service.
//
// # Description
//
// New initializes every component in dependency order:
//  1. Applies configuration defaults
//  2. Initializes tracing
//  3. Registers metrics
//  4. Opens the conversation store and loads the tenant registry
//  5. Creates the LLM client and, if configured, the Weaviate retriever
//  6. Creates blob storage and the speech clients
//  7. Builds the TTS tracker, playback resolver and handlers
//  8. Sets up HTTP routes
//
// If opts is nil the tenant registry provides authentication and
// authorization.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Extension options. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if a required component fails to initialize. Resources
//     opened before the failure are released.
//
// # Limitations
//
//   - Weaviate being unreachable is not fatal; knowledge retrieval is then
//     disabled.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	ctx := context.Background()

	cleanup, err := s.initTracer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	var streamMetrics *observability.StreamingMetrics
	var speechMetrics *observability.SpeechMetrics
	if !s.config.DisableMetrics {
		streamMetrics = observability.NewStreamingMetrics(s.config.MetricsRegisterer)
		speechMetrics = observability.NewSpeechMetrics(s.config.MetricsRegisterer)
		slog.Info("Initialized Prometheus metrics")
	}

	if err := s.initStore(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initRegistry(); err != nil {
		s.Close()
		return nil, err
	}

	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions().WithAuth(s.registry).WithAuthz(s.registry)
	}

	llmClient, err := llm.New(s.config.LLM)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	var retriever services.Retriever
	if r, err := s.initWeaviate(ctx); err != nil {
		slog.Warn("Weaviate initialization failed, answering without knowledge", "error", err)
	} else if r != nil {
		retriever = r
	}

	blobs, localBlobs, err := s.initBlobStore(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}

	if err := os.MkdirAll(s.config.UploadDir, 0o700); err != nil {
		s.Close()
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	sweeper, err := ttl.NewTempFileSweeper(ttl.TempFileConfig{
		Dir:    s.config.UploadDir,
		MaxAge: s.config.UploadMaxAge,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create upload sweeper: %w", err)
	}
	s.sweeper = ttl.NewScheduler(sweeper, ttl.SchedulerConfig{
		Interval: s.config.SweepInterval,
		Name:     "asr-uploads",
	})

	ttsClient := speech.NewTTSClient(s.config.TTS)
	asrClient := speech.NewASRClient(s.config.ASR)
	convStore := store.NewConversationStore(s.db)

	tracker := tts.NewTracker(convStore, ttsClient, blobs,
		tts.WithPresignTTL(s.config.PresignTTL),
		tts.WithMetrics(speechMetrics))
	resolver := tts.NewPlaybackResolver(convStore, blobs, speechMetrics)

	streamCfg := handlers.StreamConfig{KeepAlive: s.config.KeepAlive, Metrics: streamMetrics}
	h := routes.Handlers{
		Conversations: handlers.NewConversationHandler(convStore, s.registry, s.opts.AuthzProvider),
		Completion: handlers.NewCompletionHandler(convStore, s.registry,
			services.NewDialogChatService(llmClient, retriever), s.opts.AuthzProvider, streamCfg),
		Knowledge: handlers.NewKnowledgeHandler(s.registry,
			services.NewKnowledgeService(llmClient, retriever), streamCfg),
		Speech: handlers.NewSpeechHandler(handlers.SpeechConfig{
			Registry: s.registry,
			ASR:      asrClient,
			Tracker:  tracker,
			Resolver: resolver,
			Live:     ttsClient,
			TempDir:  s.config.UploadDir,
			Stream:   streamCfg,
			Metrics:  speechMetrics,
		}),
	}
	if localBlobs != nil {
		h.Blobs = handlers.NewBlobHandler(localBlobs)
	}

	s.initRouter(h)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run serves until ctx is cancelled.
//
// # Description
//
// Starts the HTTP server, the registry watcher and the upload sweeper in
// one errgroup. Cancelling ctx shuts the server down gracefully within
// ShutdownTimeout. Resources are released when Run returns.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		slog.Info("Starting conversation server", "port", s.config.Port, "public_url", s.config.PublicBaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		slog.Info("Shutting down conversation server")
		return srv.Shutdown(shutdownCtx)
	})

	if err := s.sweeper.Start(ctx); err != nil {
		slog.Warn("Upload sweeper did not start", "error", err)
	}

	if s.config.RegistryPath != "" && !s.config.DisableRegistryWatch {
		if err := s.registry.Watch(ctx); err != nil {
			slog.Warn("Registry hot reload disabled", "error", err)
		}
	}

	return g.Wait()
}

// Router returns the underlying Gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases all resources. Safe to call more than once.
func (s *service) Close() error {
	var errs []error
	if s.sweeper != nil {
		if err := s.sweeper.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.registry != nil {
		s.registry.Stop()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
	return errors.Join(errs...)
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer sets up span export.
//
// # Description
//
// With an OTLP endpoint spans go to the collector over an insecure gRPC
// connection. With OTelStdout they are pretty-printed. With no endpoint a
// tracer provider is still installed so span contexts propagate, but
// nothing is exported.
//
// # Outputs
//
//   - func(context.Context): Flushes and shuts down the provider.
//   - error: Non-nil if the exporter cannot be created.
func (s *service) initTracer(ctx context.Context) (func(context.Context), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
	}

	switch endpoint := s.config.OTelEndpoint; endpoint {
	case "":
		slog.Info("Trace export disabled")
	case OTelStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	default:
		conn, err := grpc.NewClient(endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
	}, nil
}

func (s *service) initStore() error {
	cfg := store.DefaultConfig()
	cfg.Path = s.config.DataDir
	cfg.InMemory = s.config.InMemory
	cfg.Logger = slog.Default().With("component", "badger")

	db, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	s.db = db
	s.closers = append(s.closers, db.Close)
	slog.Info("Conversation store opened", "path", cfg.Path, "in_memory", cfg.InMemory)
	return nil
}

func (s *service) initRegistry() error {
	if s.config.RegistryPath == "" {
		slog.Warn("No tenant registry configured, starting with an empty one")
		reg, err := tenants.New(tenants.File{})
		if err != nil {
			return fmt.Errorf("failed to create empty registry: %w", err)
		}
		s.registry = reg
		return nil
	}
	reg, err := tenants.Load(s.config.RegistryPath)
	if err != nil {
		return fmt.Errorf("failed to load tenant registry: %w", err)
	}
	s.registry = reg
	slog.Info("Tenant registry loaded", "path", s.config.RegistryPath)
	return nil
}

// initWeaviate creates the knowledge retriever when WeaviateURL is set.
// Returns (nil, nil) when it is not.
func (s *service) initWeaviate(ctx context.Context) (*services.WeaviateRetriever, error) {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")
	if weaviateURL == "" {
		slog.Info("Weaviate URL not configured, answering without knowledge")
		return nil, nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := services.EnsureChunkSchema(schemaCtx, client); err != nil {
		return nil, err
	}
	slog.Info("Weaviate client initialized", "url", weaviateURL)
	return services.NewWeaviateRetriever(client), nil
}

// initBlobStore creates the configured backend. The second return value is
// set only for the local backend, whose URLs this server must serve.
func (s *service) initBlobStore(ctx context.Context) (blob.Store, *blob.LocalStore, error) {
	switch s.config.BlobBackend {
	case BlobBackendGCS:
		gcs, err := blob.NewGCSStore(ctx, s.config.GCS)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create GCS blob store: %w", err)
		}
		s.closers = append(s.closers, gcs.Close)
		slog.Info("Using GCS blob storage", "project", s.config.GCS.ProjectID, "prefix", s.config.GCS.BucketPrefix)
		return gcs, nil, nil

	case BlobBackendLocal:
		secret := []byte(s.config.BlobSecret)
		if len(secret) == 0 {
			secret = make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return nil, nil, fmt.Errorf("generate blob secret: %w", err)
			}
			slog.Warn("No blob secret configured, presigned URLs will not survive a restart")
		}
		local, err := blob.NewLocalStore(s.db, s.config.PublicBaseURL, secret)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create local blob store: %w", err)
		}
		slog.Info("Using local blob storage", "base_url", s.config.PublicBaseURL)
		return local, local, nil

	default:
		return nil, nil, fmt.Errorf("unknown blob backend %q", s.config.BlobBackend)
	}
}

// initRouter creates the Gin engine, applies middleware and registers routes.
func (s *service) initRouter(h routes.Handlers) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(ServiceName))

	routes.SetupRoutes(s.router, h, routes.Options{
		Auth: s.opts.AuthProvider,
		CallbackLimit: middleware.RateLimitConfig{
			PerSecond: s.config.CallbackRatePerSecond,
			Burst:     s.config.CallbackBurst,
		},
		EnableMetrics: !s.config.DisableMetrics,
	})
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)

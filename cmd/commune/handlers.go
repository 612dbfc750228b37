package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/commune/internal/auth"
	"github.com/haasonsaas/commune/internal/config"
	"github.com/haasonsaas/commune/internal/gateway"
	"github.com/haasonsaas/commune/internal/observability"
	"github.com/haasonsaas/commune/internal/storage"
	"github.com/haasonsaas/commune/pkg/models"
)

// loadConfig reads path, or returns built-in defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe starts the gateway and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger.Slog())

	logger.Info(ctx, "starting commune",
		"version", version,
		"commit", commit,
		"config", configPath,
		"driver", cfg.Database.Driver,
	)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Attributes:     cfg.Tracing.Attributes,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "tracer shutdown failed", "error", err)
		}
	}()

	stores, err := storage.Open(ctx, cfg.Database.StorageConfig())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn(context.Background(), "storage close failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	server, err := gateway.NewServer(gateway.Options{
		Config:   cfg,
		Stores:   stores,
		Auth:     authService(cfg.Auth),
		Logger:   logger,
		Metrics:  observability.NewMetrics(registry),
		Gatherer: registry,
		Tracer:   tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info(ctx, "commune listening", "addr", server.Addr())

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info(shutdownCtx, "commune stopped")
	return nil
}

func authService(cfg config.AuthConfig) *auth.Service {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		keys = append(keys, auth.APIKeyConfig{
			Key:      key.Key,
			UserID:   key.UserID,
			Username: key.Username,
			Name:     key.Name,
		})
	}
	return auth.NewService(auth.Config{
		JWTSecret:   cfg.JWTSecret,
		TokenExpiry: cfg.TokenExpiry,
		APIKeys:     keys,
		Required:    cfg.Required,
	})
}

// =============================================================================
// Migration Command Handlers
// =============================================================================

var errNoMigrations = errors.New("the memory driver has no schema to migrate")

func openMigrator(ctx context.Context, configPath string) (*storage.Migrator, func() error, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if strings.EqualFold(cfg.Database.Driver, storage.DriverMemory) {
		return nil, nil, errNoMigrations
	}
	db, err := storage.OpenDB(ctx, cfg.Database.StorageConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	migrator, err := storage.NewMigrator(db, cfg.Database.Driver)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return migrator, db.Close, nil
}

// runMigrateUp handles the migrate up command.
func runMigrateUp(cmd *cobra.Command, configPath string) error {
	slog.Info("running database migrations", "config", configPath)
	migrator, closeDB, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, err := migrator.Up(cmd.Context())
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	for _, id := range applied {
		slog.Info("applied migration", "id", id)
	}
	slog.Info("migrations completed successfully")
	return nil
}

// runMigrateStatus handles the migrate status command.
func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	migrator, closeDB, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	pending, err := migrator.Pending(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(pending) == 0 {
		fmt.Fprintln(out, "Schema is up to date.")
		return nil
	}
	fmt.Fprintf(out, "Pending migrations (%d):\n", len(pending))
	for _, id := range pending {
		fmt.Fprintf(out, "  - %s\n", id)
	}
	return nil
}

// =============================================================================
// Token Command Handler
// =============================================================================

func runToken(cmd *cobra.Command, configPath, userID, username string, expiry time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("--user is required")
	}
	if username == "" {
		username = userID
	}
	if expiry <= 0 {
		expiry = cfg.Auth.TokenExpiry
	}

	token, err := auth.NewJWTService(cfg.Auth.JWTSecret, expiry).Generate(&models.User{
		ID:       userID,
		Username: username,
	})
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// =============================================================================
// Community Command Handlers
// =============================================================================

type communityCreateOptions struct {
	Name     string
	Summary  string
	Owner    string
	Type     string
	EntityID string
	Private  bool
}

// openPersistentStores refuses the memory driver, whose contents would vanish
// when the command exits.
func openPersistentStores(ctx context.Context, configPath string) (storage.StoreSet, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return storage.StoreSet{}, err
	}
	if strings.EqualFold(cfg.Database.Driver, storage.DriverMemory) {
		return storage.StoreSet{}, fmt.Errorf("community commands need a postgres or sqlite database")
	}
	stores, err := storage.Open(ctx, cfg.Database.StorageConfig())
	if err != nil {
		return storage.StoreSet{}, fmt.Errorf("failed to open storage: %w", err)
	}
	return stores, nil
}

func runCommunityCreate(cmd *cobra.Command, configPath string, opts communityCreateOptions) error {
	ctx := cmd.Context()
	stores, err := openPersistentStores(ctx, configPath)
	if err != nil {
		return err
	}
	defer stores.Close()

	community := &models.Community{
		Name:     strings.TrimSpace(opts.Name),
		Summary:  opts.Summary,
		Type:     opts.Type,
		EntityID: opts.EntityID,
		OwnerID:  opts.Owner,
		IsPublic: !opts.Private,
	}
	if err := stores.Communities.Create(ctx, community); err != nil {
		return fmt.Errorf("create community: %w", err)
	}
	channel, err := stores.Channels.GetOrCreateDefault(ctx, community.ID)
	if err != nil {
		return fmt.Errorf("create default channel: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created community %s (%s)\n", community.Name, community.ID)
	fmt.Fprintf(out, "  #%s %s\n", channel.Name, channel.ID)
	return nil
}

func runCommunityList(cmd *cobra.Command, configPath string) error {
	ctx := cmd.Context()
	stores, err := openPersistentStores(ctx, configPath)
	if err != nil {
		return err
	}
	defer stores.Close()

	communities, err := stores.Communities.ListPublic(ctx, 0, 0)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(communities) == 0 {
		fmt.Fprintln(out, "No public communities.")
		return nil
	}
	for _, community := range communities {
		fmt.Fprintf(out, "%s  %s\n", community.ID, community.Name)
		channels, err := stores.Channels.ListByCommunity(ctx, community.ID)
		if err != nil {
			return err
		}
		for _, channel := range channels {
			fmt.Fprintf(out, "    #%s %s\n", channel.Name, channel.ID)
		}
	}
	return nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	if configPath == "" {
		return fmt.Errorf("--config or $%s is required", configEnvVar)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (version %d, driver %s, listening on %s)\n",
		configPath, cfg.Version, cfg.Database.Driver, cfg.Server.Addr())
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(schema); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}

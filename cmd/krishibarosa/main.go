package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/config"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

var (
	configPath string
	useMemory  bool
)

// rootCmd is the base command for the KrishiBarosa service.
var rootCmd = &cobra.Command{
	Use:   "krishibarosa",
	Short: "Crop batch verification and traceability service",
	Long: `KrishiBarosa tracks crop batches through their growth stages, screens
stage photos for manipulation and issues QR certificates that buyers can
trace back to the farm.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&useMemory, "memory", false, "use the in-memory store instead of Postgres")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// setup loads the config and builds the process logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if useMemory {
		logger.Warn("using in-memory store, data will not survive a restart")
		return store.NewMemoryStore(), nil
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is not configured, set KRISHI_DATABASE_URL or pass --memory")
	}
	db, err := store.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database")
	return db, nil
}

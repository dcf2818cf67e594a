// Package main provides the CLI entry point for the zapdeck admin panel
// daemon.
//
// The panel backend manages a WhatsApp messaging-bot instance through the
// Evolution API gateway: connection lifecycle, pairing QR codes, bot prompt
// and credential settings.
//
// # Basic Usage
//
// Start the server:
//
//	paneld serve --config panel.yaml
//
// Hash a password for the config file:
//
//	paneld hash-password
//
// # Environment Variables
//
//   - PANEL_CONFIG: Path to configuration file (default: panel.yaml)
//   - PANEL_JWT_SECRET: referenced from the config file via ${PANEL_JWT_SECRET}
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zapdeck/panel/internal/auth"
	"github.com/zapdeck/panel/internal/config"
	"github.com/zapdeck/panel/internal/connection"
	"github.com/zapdeck/panel/internal/evolution"
	"github.com/zapdeck/panel/internal/observability"
	"github.com/zapdeck/panel/internal/settings"
	"github.com/zapdeck/panel/internal/web"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "paneld",
		Short:        "zapdeck admin panel backend",
		Long:         "Backend for the zapdeck admin panel: manages the messaging-bot instance connection, pairing QR codes, and bot settings through the Evolution API gateway.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildHashPasswordCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the panel HTTP server",
		Long: `Start the panel HTTP server.

The server loads the configuration file, opens the settings database, and
serves the JSON API plus /metrics and /healthz. Graceful shutdown is handled
on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  paneld serve

  # Start with a custom config
  paneld serve --config /etc/zapdeck/panel.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// resolveConfigPath falls back to PANEL_CONFIG, then panel.yaml when one
// exists in the working directory.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("PANEL_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat("panel.yaml"); err == nil {
		return "panel.yaml"
	}
	return ""
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Logging)
	metrics := observability.NewMetrics()

	store, err := settings.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open settings database: %w", err)
	}
	defer store.Close()

	authService := auth.NewService(cfg.Auth.Users, auth.TokenConfig{
		Secret: cfg.Auth.JWTSecret,
		Expiry: cfg.Auth.TokenExpiry,
	}, logger)
	if !authService.Enabled() {
		logger.Warn(ctx, "no users configured, all API requests will be rejected")
	}

	gateway := evolution.NewClient(&http.Client{Timeout: 30 * time.Second}, nil)

	registry := web.NewRegistry(func(userID string) (*connection.Session, error) {
		return connection.NewSession(connection.Config{
			UserID:          userID,
			Store:           store,
			Fetcher:         gateway,
			Logger:          logger,
			Metrics:         metrics,
			TransitionDelay: cfg.Connection.TransitionDelay,
		})
	})

	handler := web.NewHandler(web.HandlerConfig{
		Store:    store,
		Registry: registry,
		Auth:     authService,
		Checker:  gateway,
		Logger:   logger,
		Metrics:  metrics,
	})
	server := web.NewServer(web.ServerConfig{
		Addr:    cfg.Server.Addr(),
		Handler: handler,
		Auth:    authService,
		Logger:  logger,
		Metrics: metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-signalCh:
		logger.Info(ctx, "shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info(ctx, "shutting down", "reason", "context canceled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for the auth.users config section",
		Long:  "Reads a password from stdin and prints the password_sha256 value to put in the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), "Password: ")
			reader := bufio.NewReader(cmd.InOrStdin())
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				return err
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return fmt.Errorf("password must not be empty")
			}
			fmt.Fprintln(cmd.OutOrStdout(), auth.HashPassword(password))
			return nil
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dmrelay/internal/config"
	"dmrelay/internal/db"
	"dmrelay/internal/logging"
	"dmrelay/internal/server"

	"github.com/spf13/cobra"
)

var (
	configFile    string
	listen        string
	dataDir       string
	retention     time.Duration
	sweepInterval time.Duration
	logLevel      string
	logFormat     string
	secret        string
)

var rootCmd = &cobra.Command{
	Use:   "dmrelay-server",
	Short: "End-to-end encrypted direct message relay",
	Long: `dmrelay-server relays end-to-end encrypted direct messages between a
small set of identities. It brokers key exchanges, stores ciphertext for a
bounded retention window and never sees plaintext.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		srv, err := server.NewServer(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		srv.Start(ctx)

		httpServer := &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logging.Info("dmrelay-server starting", map[string]string{
				"listen":    cfg.Server.Listen,
				"websocket": "/ws",
				"health":    "/health",
				"metrics":   "/metrics",
			})
			errCh <- httpServer.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				srv.Close()
				return fmt.Errorf("server failed: %w", err)
			}
		case <-ctx.Done():
			logging.Info("Shutting down server")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.WarnWithError("HTTP shutdown incomplete", err)
		}
		return srv.Close()
	},
}

var addUserCmd = &cobra.Command{
	Use:   "adduser <identity>",
	Short: "Create an identity in the identity store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if secret == "" {
			return fmt.Errorf("--secret is required")
		}

		database, err := db.NewDatabase(cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		defer database.Close()

		if _, err := database.CreateIdentity(args[0], secret); err != nil {
			return err
		}
		fmt.Printf("Identity %s created in %s\n", args[0], cfg.Storage.DataDir)
		return nil
	},
}

// loadConfig layers defaults, the config file, the environment and flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.Listen = listen
	}
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir = dataDir
	}
	if flags.Changed("retention") {
		cfg.Retention.Window.Duration = retention
	}
	if flags.Changed("sweep-interval") {
		cfg.Retention.SweepInterval.Duration = sweepInterval
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	if err := logging.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "Directory holding the stores")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	serveCmd.Flags().StringVarP(&listen, "listen", "l", ":8080", "Listen address")
	serveCmd.Flags().DurationVar(&retention, "retention", 24*time.Hour, "Message retention window")
	serveCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Minute, "Retention sweep interval")

	addUserCmd.Flags().StringVar(&secret, "secret", "", "Credential secret for the identity")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(addUserCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

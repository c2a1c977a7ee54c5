package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dropcode/dropcode/internal/config"
	"github.com/dropcode/dropcode/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "dropcode",
		Short: "dropcode - One-time file transfer by short numeric code",
		Long: `dropcode lets a sender upload a file and share a short numeric code;
the receiver enters the code (or scans its QR code) to download the file
exactly once, after which it is permanently deleted. Every share expires
after a fixed time-to-live even if never retrieved.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runServer,
	}

	// Add configuration flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "./data", "Data directory path")
	rootCmd.PersistentFlags().StringP("listen", "l", ":8080", "Listen address")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("public-url", "", "", "Public base URL embedded in QR codes")
	rootCmd.PersistentFlags().DurationP("share-ttl", "", 10*time.Minute, "Share time-to-live")
	rootCmd.PersistentFlags().DurationP("reaper-interval", "", time.Minute, "Cleanup sweep interval")
	rootCmd.PersistentFlags().StringP("storage-backend", "", "filesystem", "Blob storage backend (filesystem, s3)")

	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logging
	setupLogging(cfg.LogLevel)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting dropcode")

	// Create server
	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logrus.Info("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logrus.Info("dropcode stopped")
	return nil
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/armorylog/armorylog/internal/config"
	"github.com/armorylog/armorylog/internal/server"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:   "armorylog",
		Short: "armorylog - local storage for firearms, ammunition and range visits",
		Long: `armorylog keeps inventory records in an embedded key-value store,
manages their photos on disk and moves the whole dataset in and out
through portable JSON export files.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add configuration flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "Data directory path")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("backend", "", "primary", "Storage backend kind (primary, pebble)")
	rootCmd.PersistentFlags().StringP("instance-id", "", "default", "Storage instance id")
	rootCmd.PersistentFlags().StringP("encryption-key", "", "", "Storage encryption key")
	rootCmd.PersistentFlags().StringP("images-dir", "", "", "Images directory (default <data-dir>/images)")

	rootCmd.AddCommand(
		newExportCommand(),
		newImportCommand(),
		newGCCommand(),
		newStatsCommand(),
		newKeysCommand(),
		newMaintainCommand(),
	)
	return rootCmd
}

// setup loads configuration, configures logging and builds the runtime.
func setup(cmd *cobra.Command) (*config.Config, *server.Server, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.LogLevel)

	srv, err := server.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create runtime: %w", err)
	}
	return cfg, srv, nil
}

func newExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every record to an export file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, srv, err := setup(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				if out, err = os.Getwd(); err != nil {
					return err
				}
			}
			if out, err = filepath.Abs(out); err != nil {
				return err
			}

			path, err := srv.Export(cmd.Context(), out)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringP("out", "o", "", "Directory to write the export into (default current directory)")
	return cmd
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Upsert the records of an export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, srv, err := setup(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if err := srv.Import(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", path)
			return nil
		},
	}
}

func newGCCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete image files no record references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, srv, err := setup(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			report, err := srv.Images().CleanupOrphaned(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, live %d, removed %d, failed %d\n",
				report.Scanned, report.Live, report.Removed, report.Failed)
			return nil
		},
	}
}

func newStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show storage usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, srv, err := setup(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			stats, err := srv.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			fmt.Fprintf(out, "backend:      %s (engine %s, instance %s)\n", stats.Backend, stats.Engine, stats.InstanceID)
			fmt.Fprintf(out, "keys:         %s\n", humanize.Comma(int64(stats.Keys)))
			fmt.Fprintf(out, "firearms:     %s\n", humanize.Comma(int64(stats.Collections["firearms"])))
			fmt.Fprintf(out, "ammunition:   %s\n", humanize.Comma(int64(stats.Collections["ammunition"])))
			fmt.Fprintf(out, "range visits: %s\n", humanize.Comma(int64(stats.Collections["rangeVisits"])))
			fmt.Fprintf(out, "images:       %s in %s (%d path lists)\n",
				humanize.IBytes(uint64(stats.ImageBytes)), stats.ImagesDir, stats.ImagePaths)
			if stats.Disk != nil {
				fmt.Fprintf(out, "disk:         %s free of %s (%.1f%% used)\n",
					humanize.IBytes(stats.Disk.FreeBytes), humanize.IBytes(stats.Disk.TotalBytes), stats.Disk.UsedPercent)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List storage keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, srv, err := setup(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			backend, err := srv.Factory().Storage()
			if err != nil {
				return err
			}
			prefix, _ := cmd.Flags().GetString("prefix")
			for _, key := range backend.GetAllKeys(cmd.Context()) {
				if strings.HasPrefix(key, prefix) {
					fmt.Fprintln(cmd.OutOrStdout(), key)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("prefix", "", "Only list keys with this prefix")
	return cmd
}

func newMaintainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run periodic orphan collection until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, srv, err := setup(cmd)
			if err != nil {
				return err
			}

			logrus.WithFields(logrus.Fields{
				"version": version,
				"commit":  commit,
				"date":    date,
			}).Info("Starting armorylog")

			ctx, cancel := context.WithCancel(cmd.Context())
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
				return fmt.Errorf("maintenance error: %w", err)
			}

			logrus.WithField("data_dir", cfg.DataDir).Info("armorylog stopped")
			return nil
		},
	}
	cmd.Flags().Duration("interval", 24*time.Hour, "Time between orphan collection passes")
	cmd.Flags().String("metrics-listen", "", "Address serving /metrics, /healthz and /api/v1/stats (empty disables)")
	return cmd
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

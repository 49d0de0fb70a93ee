package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/recoverytools/rflash/internal/config"
)

// LogLevel is the level of the default logger. It is raised or lowered from
// --log-level before any command runs.
var LogLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "rflash",
	Short: "Flash ChromeOS recovery images onto USB drives",
	Long: `Downloads a recovery image from the published catalog, verifies its
MD5 and SHA-1 digests, and writes it to a raw block device or into a mounted
volume.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		level, err := config.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		LogLevel.Set(level)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/rflash.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm", "FSM state directory")
	rootCmd.PersistentFlags().StringSlice("catalog-urls", nil, "Recovery catalog URLs (http(s), s3 or file)")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region for s3:// URLs")
	rootCmd.PersistentFlags().Duration("http-timeout", 30*time.Second, "HTTP response header timeout")
	rootCmd.PersistentFlags().Int("catalog-retries", 3, "Retries per catalog endpoint")
	rootCmd.PersistentFlags().Duration("chunk-timeout", 5*time.Second, "Timeout for a single device chunk write")
	rootCmd.PersistentFlags().Int64("max-image-size", 16*1024*1024*1024, "Max image size in bytes")
	rootCmd.PersistentFlags().String("preflight-source", "memory", "Free space probe: memory or disk")
	rootCmd.PersistentFlags().String("preflight-path", ".", "Path probed by the disk preflight")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")

	for _, name := range []string{
		"sqlite-path", "fsm-db-path", "catalog-urls", "s3-region", "http-timeout",
		"catalog-retries", "chunk-timeout", "max-image-size", "preflight-source",
		"preflight-path", "log-level",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

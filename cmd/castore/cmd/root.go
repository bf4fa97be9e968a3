package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/jmcleod/castore/config"
)

// Version is set at build time.
var Version = "dev"

var (
	configDir  string
	logEnabled bool
)

// errConfigDir is printed as is when -d names a missing directory.
var errConfigDir = errors.New("provided config dir does not exist")

var rootCmd = &cobra.Command{
	Use:   "castore",
	Short: "castore manages the certificate repositories of CA instances",
	Long: `Tools for the certificate repositories of one or more CA instances:
reconcile file and database repositories, prune expired records, publish
CRLs and trust bundles, and serve them over HTTP.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config-dir", "d", "",
		"Directory holding "+config.FileName+" (default: working directory)")
	rootCmd.PersistentFlags().BoolVar(&logEnabled, "log", false, "Enable informational logging")
}

// newLogger returns the human-readable CLI logger. Only warnings and errors
// are shown unless --log is given.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: "15:04:05"}))
}

// loadConfig loads the configuration of dir, or of the working directory
// when dir is empty.
func loadConfig(dir string) (*config.Config, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = wd
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, errConfigDir
	}
	cfg, err := config.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

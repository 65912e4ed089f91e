// Package cmd provides the huaer command line.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/suizoe-cosine/huaer/core/config"
	"github.com/suizoe-cosine/huaer/core/storage"
)

var (
	configPath string
	dataDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "huaer",
	Short: "HuaEr - a multi-context conversational agent",
	Long: `HuaEr keeps one conversation context per group: bounded memory, a
switchable persona, feature toggles and a retrieval store, and answers through
a chat-completions endpoint that may call web search and retrieval tools.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml (default: user config dir)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory holding contexts and personas")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves the config file and data directory from flags,
// environment and platform defaults.
func loadConfig() (config.Config, error) {
	dirs := storage.ResolveDirs()
	path := configPath
	if path == "" {
		path = dirs.ConfigDir(config.FileName)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dirs.Data
	}
	if logLevel != "" {
		cfg.Logging.Level = strings.ToLower(logLevel)
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func printLines(w io.Writer, lines ...string) {
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}

// parley - a terminal client for streaming chat.
//
// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"

	"github.com/parleydev/parley-tui/internal/api"
	"github.com/parleydev/parley-tui/internal/config"
	"github.com/parleydev/parley-tui/internal/registry"
	"github.com/parleydev/parley-tui/internal/storage"
	"github.com/parleydev/parley-tui/internal/ui/chat"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "print version and exit")
		logLevel    = flag.String("log-level", "warn", "log level (trace,debug,info,warn,error)")
		modelName   = flag.String("model", "", "override the configured chat model")
		configPath  = flag.String("config", "", "path to config file (default ~/.parley/config.toml)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("parley %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*logLevel, *modelName, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(logLevel, modelOverride, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if modelOverride != "" {
		cfg.Chat.Model = modelOverride
	}

	closeLogs, err := setupLogging(logLevel)
	if err != nil {
		return err
	}
	defer closeLogs()

	if !cfg.IsConfigured() {
		configFile, _ := config.Path()
		fmt.Fprintf(os.Stderr, "parley is not configured yet.\n\n")
		fmt.Fprintf(os.Stderr, "Set api.key and api.user_id in %s,\n", configFile)
		fmt.Fprintf(os.Stderr, "or export PARLEY_API_KEY and PARLEY_USER_ID.\n")
		os.Exit(1)
	}

	client := api.NewClient(cfg.API.Key, cfg.API.UserID).
		WithBaseURL(cfg.API.BaseURL).
		WithMaxRetries(cfg.API.MaxRetries)

	// Transcript persistence is optional; the client works fine without it.
	var store *storage.Store
	if cfg.Chat.SaveTranscripts {
		path, err := storage.DefaultPath()
		if err == nil {
			store, err = storage.Open(path)
		}
		if err != nil {
			log.WithError(err).Warn("transcript storage unavailable, continuing without persistence")
			store = nil
		}
	}
	if store != nil {
		defer store.Close()
	}

	reg := registry.New(client)

	m := chat.New(cfg, client, reg, store)
	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	m.BindProgram(p)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running parley: %w", err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// setupLogging routes logrus to a file under the config directory. The TUI
// owns the terminal, so logging to stderr would corrupt the alternate screen.
func setupLogging(logLevel string) (func(), error) {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("cannot parse log-level %q: %w", logLevel, err)
	}
	log.SetLevel(level)

	// Millisecond precision on timestamps, useful for debugging streaming.
	formatter := new(log.TextFormatter)
	formatter.TimestampFormat = "2006-01-02T15:04:05.999Z07:00"
	formatter.FullTimestamp = true
	formatter.DisableColors = true
	log.SetFormatter(formatter)

	dir, err := config.Dir()
	if err != nil {
		log.SetOutput(io.Discard)
		return func() {}, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.SetOutput(io.Discard)
		return func() {}, nil
	}
	logFile, err := os.OpenFile(filepath.Join(dir, "parley.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		log.SetOutput(io.Discard)
		return func() {}, nil
	}
	log.SetOutput(logFile)
	return func() { logFile.Close() }, nil
}

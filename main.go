// geoclue2to1 bridges the GeoClue2 D-Bus API to a GeoClue1 backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nikicat/geoclue2to1/internal/config"
	"github.com/nikicat/geoclue2to1/internal/daemon"
	dbustypes "github.com/nikicat/geoclue2to1/internal/dbus"
	"github.com/nikicat/geoclue2to1/internal/logging"
)

func main() {
	fs := flag.NewFlagSet("geoclue2to1", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/geoclue2to1/config.yaml)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	graceTimeoutMS := fs.Int("grace-timeout", dbustypes.DefaultGraceTimeoutMS, "Milliseconds to keep the v1 backend alive after the last client deactivates")
	fs.Parse(os.Args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	set := setFlags(fs)
	if !set["debug"] && cfg.Debug {
		*debug = true
	}
	if !set["grace-timeout"] && cfg.GraceTimeout != 0 {
		*graceTimeoutMS = int(time.Duration(cfg.GraceTimeout) / time.Millisecond)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(logging.NewHandler(level)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	err = daemon.Run(ctx, daemon.Config{
		GraceTimeout: time.Duration(*graceTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

// loadConfig loads a config file. An explicit path that doesn't exist is an
// error. A missing default path is silently ignored (returns empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		if _, statErr := os.Stat(explicitPath); statErr != nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		cfg, err := config.Load(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		return cfg, nil
	}

	defaultPath := config.DefaultPath()
	if defaultPath == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", defaultPath, err)
	}
	return cfg, nil
}

// setFlags returns the set of flag names that were explicitly provided on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}

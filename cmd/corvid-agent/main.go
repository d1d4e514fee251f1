package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/corvidlabs/corvid-agent/internal/agent"
	"github.com/corvidlabs/corvid-agent/internal/config"
	"github.com/corvidlabs/corvid-agent/internal/journal"
	"github.com/corvidlabs/corvid-agent/internal/monitor"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "version":
		fmt.Printf("corvid-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `corvid-agent

Usage:
  corvid-agent init [flags]
  corvid-agent run [flags]
  corvid-agent status [flags]
  corvid-agent version

Commands:
  init        Write a starter config file.
  run         Run the interactive agent console using the local config file.
  status      Print recent coordination events and a host health snapshot.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	providerName := fs.String("provider", "anthropic", "Provider: anthropic|openai")
	model := fs.String("model", "", "Model id for delegated turns")
	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	_ = fs.Parse(args)

	cfg := &config.Config{
		Provider:  *providerName,
		Model:     *model,
		LogFormat: *logFormat,
		LogLevel:  *logLevel,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	path := filepath.Clean(*cfgPath)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "config already exists: %s\n", path)
		os.Exit(1)
	}
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "write config failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", path)
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	limit := fs.Int("limit", 20, "Number of journal events to show")
	sortBy := fs.String("sort", monitor.SortByCPU, "Process sort key: cpu|memory")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap := monitor.NewService(log).Snapshot(ctx, *sortBy)
	fmt.Printf("host: %s, %d cores, cpu %.1f%%\n", snap.Platform, snap.CPUCores, snap.CPUUsage)
	if len(snap.LoadAverage) == 3 {
		fmt.Printf("load: %.2f %.2f %.2f\n", snap.LoadAverage[0], snap.LoadAverage[1], snap.LoadAverage[2])
	}
	fmt.Printf("net: rx %.0f B/s tx %.0f B/s\n", snap.NetworkSpeedReceived, snap.NetworkSpeedSent)

	// WAL journal: safe to read while an agent holds the state lock.
	store, err := journal.Open(filepath.Join(cfg.ResolvedStateDir(), "journal.db"), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open journal failed: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	entries, err := store.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read journal failed: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("journal: empty")
		return
	}
	fmt.Printf("journal (newest first, %d shown):\n", len(entries))
	for _, e := range entries {
		ts := time.UnixMilli(e.CreatedAtUnixMs).Format(time.RFC3339)
		if e.TaskID != "" {
			fmt.Printf("  %s  %-18s %s\n", ts, e.Action, e.TaskID)
		} else {
			fmt.Printf("  %s  %s\n", ts, e.Action)
		}
	}
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	a, err := agent.New(agent.Options{
		Config:    cfg,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "agent exited with error: %v\n", err)
		os.Exit(1)
	}
}

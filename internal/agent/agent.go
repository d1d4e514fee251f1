// Package agent wires the coordinator, the execution engine, the journal, and
// the diagnostics sampler into the interactive console the binary runs.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/corvidlabs/corvid-agent/internal/config"
	"github.com/corvidlabs/corvid-agent/internal/coordinator"
	"github.com/corvidlabs/corvid-agent/internal/journal"
	"github.com/corvidlabs/corvid-agent/internal/lockfile"
	"github.com/corvidlabs/corvid-agent/internal/monitor"
	"github.com/corvidlabs/corvid-agent/internal/provider"
	"github.com/corvidlabs/corvid-agent/internal/runner"
)

const (
	journalFileName = "journal.db"
	lockFileName    = "agent.lock"
)

type Options struct {
	Config *config.Config

	Version   string
	Commit    string
	BuildTime string

	// Input and Output default to stdin/stdout.
	Input  io.Reader
	Output io.Writer

	// Client overrides the provider built from Config; used by tests.
	Client provider.Client
}

type Agent struct {
	cfg *config.Config
	log *slog.Logger
	out io.Writer
	in  io.Reader

	version string

	lock   *lockfile.Lock
	store  *journal.Store
	coord  *coordinator.Coordinator
	engine *runner.Engine
	mon    *monitor.Service
}

func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(strings.TrimSpace(opts.Config.LogFormat), strings.TrimSpace(opts.Config.LogLevel))
	if err != nil {
		return nil, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	in := opts.Input
	if in == nil {
		in = os.Stdin
	}

	stateDir := opts.Config.ResolvedStateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	lock, err := lockfile.Acquire(filepath.Join(stateDir, lockFileName))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return nil, fmt.Errorf("another agent is using %s", stateDir)
		}
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}

	store, err := journal.Open(filepath.Join(stateDir, journalFileName), logger)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	a := &Agent{
		cfg:     opts.Config,
		log:     logger,
		out:     out,
		in:      in,
		version: strings.TrimSpace(opts.Version),
		lock:    lock,
		store:   store,
		mon:     monitor.NewService(logger),
	}

	a.coord = coordinator.New(coordinator.Options{
		Log:           logger,
		Recorder:      store,
		Resume:        a.onParentResume,
		CancelTimeout: opts.Config.CancelTimeout(),
	})

	client := opts.Client
	if client == nil {
		client, err = buildClient(opts.Config)
		if err != nil {
			store.Close()
			lock.Release()
			return nil, err
		}
	}

	presets, err := config.LoadRolePresets(stateDir)
	if err != nil {
		store.Close()
		lock.Release()
		return nil, fmt.Errorf("load role presets: %w", err)
	}

	a.engine, err = runner.New(runner.Options{
		Log:         logger,
		Coordinator: a.coord,
		Client:      client,
		Model:       opts.Config.Model,
		Presets:     presets,
		MaxParallel: opts.Config.MaxParallelSubagents(),
		MaxDepth:    opts.Config.MaxDelegationDepth(),
	})
	if err != nil {
		store.Close()
		lock.Release()
		return nil, err
	}

	return a, nil
}

func buildClient(cfg *config.Config) (provider.Client, error) {
	name := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if name == "" {
		name = "anthropic"
	}
	var apiKey string
	switch name {
	case "anthropic":
		apiKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	case "openai":
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key in environment for provider %q", name)
	}
	return provider.New(name, apiKey, "")
}

// onParentResume is the coordinator's resume hook: the parent conversation in
// this console is the operator's prompt.
func (a *Agent) onParentResume(message string, completed bool) {
	if completed {
		fmt.Fprintf(a.out, "\n== subagents finished ==\n%s\n", message)
	} else {
		fmt.Fprintf(a.out, "\n== subagents cancelled ==\n%s\n", message)
	}
}

// Run drives the interactive console until ctx ends or the input closes. Any
// still-running subagents are cancelled on the way out.
func (a *Agent) Run(ctx context.Context) error {
	printWelcomeBanner(a.out, welcomeBannerOptions{
		Version:  a.version,
		Provider: a.cfg.Provider,
		Model:    a.cfg.Model,
	})

	defer func() {
		if a.coord.ParallelCount() > 0 {
			a.engine.CancelAll(context.Background())
		}
		if err := a.store.Close(); err != nil {
			a.log.Warn("journal close failed", "error", err)
		}
		if err := a.lock.Release(); err != nil {
			a.log.Warn("state lock release failed", "error", err)
		}
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(a.in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	fmt.Fprint(a.out, "> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			if quit := a.dispatch(ctx, line); quit {
				return nil
			}
			fmt.Fprint(a.out, "> ")
		}
	}
}

// dispatch runs one console command. Reports whether the console should exit.
func (a *Agent) dispatch(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, rest := fields[0], fields[1:]

	switch strings.ToLower(cmd) {
	case "quit", "exit":
		return true
	case "help":
		a.printHelp()
	case "task":
		a.cmdTask(rest)
	case "tasks":
		a.cmdTasks()
	case "asks":
		a.cmdAsks()
	case "answer":
		a.cmdAnswer(rest)
	case "cancel":
		a.engine.CancelAll(ctx)
	case "wait":
		a.cmdWait(ctx)
	case "sys":
		a.cmdSys(ctx, rest)
	case "journal":
		a.cmdJournal(ctx)
	default:
		fmt.Fprintf(a.out, "unknown command %q (try: help)\n", cmd)
	}
	return false
}

func (a *Agent) printHelp() {
	fmt.Fprint(a.out, `Commands:
  task <role> <objective...>   delegate an objective to a subagent (roles: explore, worker, reviewer)
  tasks                        list running subagents
  asks                         show queued human-input requests
  answer <task_id> <text...>   answer a subagent's question
  cancel                       cancel all running subagents
  wait                         block until all subagents finish
  sys [cpu|memory]             host and agent health snapshot
  journal                      recent coordination events
  quit                         exit
`)
}

func (a *Agent) cmdTask(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(a.out, "usage: task <role> <objective...>")
		return
	}
	id, err := a.engine.Delegate(runner.DelegateRequest{
		Role:      args[0],
		Objective: strings.Join(args[1:], " "),
	})
	if err != nil {
		fmt.Fprintf(a.out, "delegate failed: %v\n", err)
		return
	}
	fmt.Fprintf(a.out, "started %s\n", id)
}

func (a *Agent) cmdTasks() {
	state := a.coord.ParallelTaskState()
	if len(state) == 0 {
		fmt.Fprintln(a.out, "no running subagents")
		return
	}
	for _, st := range state {
		fmt.Fprintf(a.out, "%s  %-12s %s\n", st.TaskID, st.Status, st.Description)
	}
}

func (a *Agent) cmdAsks() {
	status := a.coord.AskQueueStatus()
	if status.Size == 0 {
		fmt.Fprintln(a.out, "no pending questions")
		return
	}
	for _, e := range status.Entries {
		fmt.Fprintf(a.out, "%s  waiting %s\n", e.TaskID, e.WaitTime.Round(time.Second))
	}
	if status.ProcessingCount > 0 {
		fmt.Fprintf(a.out, "(%d being answered)\n", status.ProcessingCount)
	}
}

func (a *Agent) cmdAnswer(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(a.out, "usage: answer <task_id> <text...>")
		return
	}
	taskID := args[0]
	if !a.coord.BeginAskProcessing(taskID) {
		fmt.Fprintf(a.out, "%s is not next in the queue, or another answer is in progress\n", taskID)
		return
	}
	if err := a.engine.Answer(taskID, strings.Join(args[1:], " ")); err != nil {
		a.coord.EndAskProcessing(taskID)
		fmt.Fprintf(a.out, "answer failed: %v\n", err)
		return
	}
	fmt.Fprintln(a.out, "delivered")
}

func (a *Agent) cmdWait(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	if a.engine.Wait(waitCtx, nil) {
		fmt.Fprintln(a.out, "wait timed out; subagents still running")
		return
	}
	fmt.Fprintln(a.out, "all subagents finished")
}

func (a *Agent) cmdSys(ctx context.Context, args []string) {
	sortBy := monitor.SortByCPU
	if len(args) > 0 {
		sortBy = args[0]
	}
	snap := a.mon.Snapshot(ctx, sortBy)

	fmt.Fprintf(a.out, "platform %s, %d cores, cpu %.1f%%\n", snap.Platform, snap.CPUCores, snap.CPUUsage)
	if len(snap.LoadAverage) == 3 {
		fmt.Fprintf(a.out, "load %.2f %.2f %.2f\n", snap.LoadAverage[0], snap.LoadAverage[1], snap.LoadAverage[2])
	}
	fmt.Fprintf(a.out, "net rx %.0f B/s tx %.0f B/s\n", snap.NetworkSpeedReceived, snap.NetworkSpeedSent)
	fmt.Fprintf(a.out, "agent: %d goroutines, heap %d KiB, %d subagents running\n",
		snap.Goroutines, snap.HeapAllocated/1024, a.engine.ActiveCount())
	for i, p := range snap.Processes {
		if i >= 5 {
			break
		}
		fmt.Fprintf(a.out, "  %6d %-20s cpu %5.1f%% mem %d KiB\n", p.PID, p.Name, p.CPUPercent, p.MemoryBytes/1024)
	}
}

func (a *Agent) cmdJournal(ctx context.Context) {
	entries, err := a.store.Recent(ctx, 20)
	if err != nil {
		fmt.Fprintf(a.out, "journal read failed: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.out, "journal is empty")
		return
	}
	// Recent returns newest first; print oldest first for reading order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	for _, e := range entries {
		ts := time.UnixMilli(e.CreatedAtUnixMs).Format(time.TimeOnly)
		if e.TaskID != "" {
			fmt.Fprintf(a.out, "%s  %-18s %s\n", ts, e.Action, e.TaskID)
		} else {
			fmt.Fprintf(a.out, "%s  %s\n", ts, e.Action)
		}
	}
}

// --- logger ---

func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}

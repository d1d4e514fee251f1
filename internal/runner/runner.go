// Package runner is the task execution engine. It delegates objectives to
// subagent tasks, runs their provider turns, and honors the coordinator's
// cooperative cancellation flags at every suspension point.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/corvidlabs/corvid-agent/internal/config"
	"github.com/corvidlabs/corvid-agent/internal/coordinator"
	"github.com/corvidlabs/corvid-agent/internal/provider"
	"github.com/corvidlabs/corvid-agent/internal/task"
)

const (
	abortGracePeriod = 2 * time.Second
	waitPollInterval = 120 * time.Millisecond
)

type Options struct {
	Log         *slog.Logger
	Coordinator *coordinator.Coordinator
	Client      provider.Client
	Model       string
	Presets     map[string]config.RolePreset
	MaxParallel int
	MaxDepth    int
}

type Engine struct {
	log         *slog.Logger
	coord       *coordinator.Coordinator
	client      provider.Client
	model       string
	presets     map[string]config.RolePreset
	maxParallel int
	maxDepth    int

	mu     sync.Mutex
	active map[string]*execution
}

// execution tracks one delegated subagent while it runs.
type execution struct {
	task      *task.Task
	role      config.RolePreset
	objective string
	depth     int

	ctx    context.Context
	cancel context.CancelFunc
	input  chan string
}

func New(opts Options) (*Engine, error) {
	if opts.Coordinator == nil {
		return nil, errors.New("missing coordinator")
	}
	if opts.Client == nil {
		return nil, errors.New("missing provider client")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	presets := opts.Presets
	if len(presets) == 0 {
		presets = config.BuiltinRolePresets()
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 5
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &Engine{
		log:         log,
		coord:       opts.Coordinator,
		client:      opts.Client,
		model:       strings.TrimSpace(opts.Model),
		presets:     presets,
		maxParallel: maxParallel,
		maxDepth:    maxDepth,
		active:      map[string]*execution{},
	}, nil
}

type DelegateRequest struct {
	Objective string
	Role      string
	ParentID  string
	Depth     int
}

// Delegate starts a subagent for the objective and returns its task id. The
// subagent registers with the coordinator before any work begins, so a bulk
// cancel issued immediately after Delegate returns will cover it.
func (e *Engine) Delegate(req DelegateRequest) (string, error) {
	if e == nil {
		return "", errors.New("nil engine")
	}
	objective := strings.TrimSpace(req.Objective)
	if objective == "" {
		return "", errors.New("missing objective")
	}
	if req.Depth+1 > e.maxDepth {
		return "", errors.New("delegation depth limit reached")
	}
	if e.coord.ParallelCount() >= e.maxParallel {
		return "", errors.New("parallel subagent limit reached")
	}

	role := config.Role(e.presets, req.Role)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(role.TimeoutSec)*time.Second)
	exec := &execution{
		role:      role,
		objective: objective,
		depth:     req.Depth + 1,
		ctx:       ctx,
		cancel:    cancel,
		input:     make(chan string, 8),
	}
	exec.task = task.New(task.Options{
		ParentID:    strings.TrimSpace(req.ParentID),
		Parallel:    true,
		Description: objective,
		// The hook cancels the execution context and gives the run
		// goroutine a short grace period to reach StatusFinished. The
		// finished signal fires before the task reports its completion,
		// so a hook invoked from the completion path returns immediately.
		OnAbort: func(string) error {
			cancel()
			select {
			case <-exec.task.Done():
			case <-time.After(abortGracePeriod):
			}
			return nil
		},
	})

	e.mu.Lock()
	e.active[exec.task.TaskID()] = exec
	e.mu.Unlock()
	e.coord.Register(exec.task)

	go e.run(exec)
	return exec.task.TaskID(), nil
}

func (e *Engine) run(exec *execution) {
	defer exec.cancel()
	defer exec.task.SetStatus(task.StatusFinished)
	defer func() {
		e.mu.Lock()
		delete(e.active, exec.task.TaskID())
		e.mu.Unlock()
	}()

	t := exec.task
	if e.checkStop(exec, "before first turn") {
		return
	}

	t.SetStatus(task.StatusStreaming)
	result, err := e.completeTurn(exec, provider.TurnRequest{
		Model:  e.model,
		System: e.systemPrompt(exec),
		Prompt: exec.objective,
	})

	// Suspension point: the turn may have been in flight when cancellation hit.
	if e.checkStop(exec, "after turn") {
		return
	}

	if err != nil {
		t.SetStatus(task.StatusFinished)
		if errors.Is(err, context.DeadlineExceeded) {
			e.coord.Finish("subagent timed out", t, false)
			return
		}
		e.log.Warn("subagent turn failed", "task_id", t.TaskID(), "error", err)
		e.coord.Finish("subagent failed: "+err.Error(), t, false)
		return
	}

	t.SetStatus(task.StatusFinished)
	e.coord.Finish(strings.TrimSpace(result.Text), t, false)
}

// completeTurn runs the provider call in its own goroutine so the abort flag
// stays observable while the turn is in flight. On abort it cancels the
// execution context and keeps waiting for the provider to return.
func (e *Engine) completeTurn(exec *execution, req provider.TurnRequest) (provider.TurnResult, error) {
	type outcome struct {
		result provider.TurnResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := e.client.CompleteTurn(exec.ctx, req)
		ch <- outcome{result, err}
	}()

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case out := <-ch:
			return out.result, out.err
		case <-ticker.C:
			if exec.task.Aborted() || exec.task.Abandoned() {
				exec.cancel()
			}
		}
	}
}

// checkStop observes the cooperative cancellation flags. When the task was
// aborted, the engine only stops its own work; registry cleanup belongs to
// whichever cancellation path set the flag.
func (e *Engine) checkStop(exec *execution, where string) bool {
	t := exec.task
	if t.Aborted() || t.Abandoned() {
		e.log.Debug("subagent stopping on abort flag", "task_id", t.TaskID(), "at", where)
		t.SetStatus(task.StatusFinished)
		e.coord.Finish("", t, true)
		return true
	}
	if exec.ctx.Err() != nil && !errors.Is(exec.ctx.Err(), context.DeadlineExceeded) {
		t.SetStatus(task.StatusFinished)
		e.coord.Finish("", t, true)
		return true
	}
	return false
}

func (e *Engine) systemPrompt(exec *execution) string {
	mode := "Execute the objective with the tools you have."
	if exec.role.ReadOnly {
		mode = "You are read-only: investigate and report, change nothing."
	}
	return fmt.Sprintf("You are a %s subagent for a coding assistant. %s You have a budget of %d steps.",
		exec.role.Name, mode, exec.role.MaxSteps)
}

// Ask surfaces a human-input request for a running subagent and blocks until
// an answer arrives, the task is cancelled, or ctx ends. The enqueue itself
// never blocks; only the asking task waits.
func (e *Engine) Ask(ctx context.Context, taskID string, question string) (string, error) {
	if e == nil {
		return "", errors.New("nil engine")
	}
	exec := e.lookup(taskID)
	if exec == nil {
		return "", errors.New("unknown task " + taskID)
	}
	t := exec.task
	question = strings.TrimSpace(question)
	if question == "" {
		return "", errors.New("missing question")
	}

	t.SetStatus(task.StatusWaitingAsk)
	e.coord.AddAskRequest(t)
	e.log.Info("subagent waiting for input", "task_id", t.TaskID(), "question", question)

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case answer := <-exec.input:
			t.SetStatus(task.StatusRunning)
			return answer, nil
		case <-ctx.Done():
			e.coord.RemoveFromAskSet(t.TaskID())
			t.SetStatus(task.StatusRunning)
			return "", ctx.Err()
		case <-exec.ctx.Done():
			e.coord.RemoveFromAskSet(t.TaskID())
			return "", exec.ctx.Err()
		case <-ticker.C:
			// Cancellation is observed here, at the suspension point.
			if t.Aborted() || t.Abandoned() {
				e.coord.RemoveFromAskSet(t.TaskID())
				return "", errors.New("task cancelled while waiting for input")
			}
		}
	}
}

// Answer delivers the human's reply to a waiting subagent and releases the
// presentation slot.
func (e *Engine) Answer(taskID string, text string) error {
	if e == nil {
		return errors.New("nil engine")
	}
	exec := e.lookup(taskID)
	if exec == nil {
		return errors.New("unknown task " + taskID)
	}
	select {
	case exec.input <- text:
	default:
		return errors.New("subagent input queue is full")
	}
	e.coord.RemoveFromAskSet(taskID)
	e.coord.EndAskProcessing(taskID)
	return nil
}

// Wait blocks until the given subagents (or all, when ids is empty) reach a
// terminal state or ctx ends. Reports whether it timed out.
func (e *Engine) Wait(ctx context.Context, ids []string) bool {
	if e == nil {
		return false
	}
	want := map[string]struct{}{}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			want[id] = struct{}{}
		}
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		if !e.anyRunning(want) {
			return false
		}
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
		}
	}
}

func (e *Engine) anyRunning(want map[string]struct{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.active {
		if len(want) > 0 {
			if _, ok := want[id]; !ok {
				continue
			}
		}
		return true
	}
	return false
}

func (e *Engine) lookup(taskID string) *execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[strings.TrimSpace(taskID)]
}

// CancelAll aborts every running subagent and resumes the parent.
func (e *Engine) CancelAll(ctx context.Context) {
	if e == nil {
		return
	}
	e.coord.CancelAllSubagentsAndResumeParent(ctx)
}

func (e *Engine) ActiveCount() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corvidlabs/corvid-agent/internal/coordinator"
	"github.com/corvidlabs/corvid-agent/internal/provider"
)

// fakeClient is a scripted provider. When block is set, CompleteTurn stalls
// until the channel closes or the context ends.
type fakeClient struct {
	text  string
	err   error
	block chan struct{}
	calls atomic.Int64
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) CompleteTurn(ctx context.Context, req provider.TurnRequest) (provider.TurnResult, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return provider.TurnResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return provider.TurnResult{}, f.err
	}
	return provider.TurnResult{
		Text:  f.text,
		Usage: provider.TurnUsage{InputTokens: 7, OutputTokens: 3},
	}, nil
}

type resumeCall struct {
	message   string
	completed bool
}

type resumeCapture struct {
	mu    sync.Mutex
	calls []resumeCall
}

func (r *resumeCapture) fn(message string, completed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resumeCall{message: message, completed: completed})
}

func (r *resumeCapture) snapshot() []resumeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]resumeCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func newTestEngine(t *testing.T, client provider.Client, maxParallel int) (*Engine, *coordinator.Coordinator, *resumeCapture) {
	t.Helper()
	resume := &resumeCapture{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := coordinator.New(coordinator.Options{
		Log:           log,
		Resume:        resume.fn,
		CancelTimeout: 2 * time.Second,
	})
	e, err := New(Options{
		Log:         log,
		Coordinator: coord,
		Client:      client,
		Model:       "test-model",
		MaxParallel: maxParallel,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, coord, resume
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", d, what)
}

func TestDelegateCompletesAndResumesParent(t *testing.T) {
	t.Parallel()
	client := &fakeClient{text: "review complete, no issues found"}
	e, coord, resume := newTestEngine(t, client, 5)

	id, err := e.Delegate(DelegateRequest{Objective: "review the diff", Role: "reviewer"})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if id == "" {
		t.Fatal("Delegate returned empty task id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if timedOut := e.Wait(ctx, nil); timedOut {
		t.Fatal("Wait timed out")
	}
	waitFor(t, 2*time.Second, func() bool { return len(resume.snapshot()) == 1 }, "parent resume")

	calls := resume.snapshot()
	if !calls[0].completed {
		t.Error("resume reported completed=false for a natural completion")
	}
	if want := "Task " + id + ": review complete, no issues found"; calls[0].message != want {
		t.Errorf("resume message = %q, want %q", calls[0].message, want)
	}
	if got := coord.ParallelCount(); got != 0 {
		t.Errorf("ParallelCount after completion = %d, want 0", got)
	}
}

func TestDelegateAggregatesMultipleResults(t *testing.T) {
	t.Parallel()
	client := &fakeClient{text: "done"}
	e, _, resume := newTestEngine(t, client, 5)

	ids := make([]string, 0, 3)
	for range 3 {
		id, err := e.Delegate(DelegateRequest{Objective: "explore the module", Role: "explore"})
		if err != nil {
			t.Fatalf("Delegate: %v", err)
		}
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.Wait(ctx, ids) {
		t.Fatal("Wait timed out")
	}
	waitFor(t, 2*time.Second, func() bool { return len(resume.snapshot()) == 1 }, "single parent resume")

	msg := resume.snapshot()[0].message
	for _, id := range ids {
		if !strings.Contains(msg, "Task "+id+": done") {
			t.Errorf("aggregate message missing result for %s: %q", id, msg)
		}
	}
}

func TestDelegateRejectsOverDepthLimit(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, &fakeClient{text: "ok"}, 5)
	_, err := e.Delegate(DelegateRequest{Objective: "go deeper", Depth: 3})
	if err == nil || !strings.Contains(err.Error(), "depth limit") {
		t.Fatalf("Delegate over depth limit: err = %v, want depth limit error", err)
	}
}

func TestDelegateRejectsOverParallelLimit(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	client := &fakeClient{text: "ok", block: block}
	e, _, _ := newTestEngine(t, client, 1)

	if _, err := e.Delegate(DelegateRequest{Objective: "first"}); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	_, err := e.Delegate(DelegateRequest{Objective: "second"})
	if err == nil || !strings.Contains(err.Error(), "parallel subagent limit") {
		t.Fatalf("Delegate over parallel limit: err = %v, want limit error", err)
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.Wait(ctx, nil) {
		t.Fatal("Wait timed out after unblocking")
	}
}

func TestCancelAllStopsInflightTurns(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	client := &fakeClient{text: "never delivered", block: block}
	e, coord, resume := newTestEngine(t, client, 5)

	for range 2 {
		if _, err := e.Delegate(DelegateRequest{Objective: "long-running analysis"}); err != nil {
			t.Fatalf("Delegate: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return client.calls.Load() == 2 }, "both turns in flight")

	e.CancelAll(context.Background())

	if got := coord.ParallelCount(); got != 0 {
		t.Errorf("ParallelCount after cancel = %d, want 0", got)
	}
	waitFor(t, 2*time.Second, func() bool { return len(resume.snapshot()) == 1 }, "parent resume")
	call := resume.snapshot()[0]
	if call.completed {
		t.Error("resume reported completed=true for a user cancellation")
	}
	if call.message != coordinator.MassCancelMessage {
		t.Errorf("resume message = %q, want the mass-cancel message", call.message)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.Wait(ctx, nil) {
		t.Fatal("subagent goroutines did not drain after cancel")
	}
}

func TestProviderErrorReportedToParent(t *testing.T) {
	t.Parallel()
	client := &fakeClient{err: errors.New("upstream unavailable")}
	e, _, resume := newTestEngine(t, client, 5)

	if _, err := e.Delegate(DelegateRequest{Objective: "doomed"}); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.Wait(ctx, nil) {
		t.Fatal("Wait timed out")
	}
	waitFor(t, 2*time.Second, func() bool { return len(resume.snapshot()) == 1 }, "parent resume")

	msg := resume.snapshot()[0].message
	if !strings.Contains(msg, "subagent failed: upstream unavailable") {
		t.Errorf("resume message = %q, want provider failure report", msg)
	}
}

func TestAskAnswerRoundTrip(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	client := &fakeClient{text: "ok", block: block}
	e, coord, _ := newTestEngine(t, client, 5)

	id, err := e.Delegate(DelegateRequest{Objective: "migrate the schema"})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return client.calls.Load() == 1 }, "turn in flight")

	type askResult struct {
		answer string
		err    error
	}
	got := make(chan askResult, 1)
	go func() {
		answer, err := e.Ask(context.Background(), id, "drop the legacy table?")
		got <- askResult{answer, err}
	}()

	waitFor(t, 2*time.Second, func() bool { return coord.AskQueueStatus().Size == 1 }, "ask enqueued")
	if !coord.BeginAskProcessing(id) {
		t.Fatal("BeginAskProcessing refused the only queued ask")
	}
	if err := e.Answer(id, "yes, it was backed up"); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	select {
	case res := <-got:
		if res.err != nil {
			t.Fatalf("Ask: %v", res.err)
		}
		if res.answer != "yes, it was backed up" {
			t.Errorf("Ask answer = %q", res.answer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Ask did not return after Answer")
	}
	if got := coord.AskQueueStatus().Size; got != 0 {
		t.Errorf("ask queue size after answer = %d, want 0", got)
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.Wait(ctx, nil) {
		t.Fatal("Wait timed out after answering")
	}
}

func TestAskAbortedByCancelAll(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	client := &fakeClient{text: "ok", block: block}
	e, coord, _ := newTestEngine(t, client, 5)

	id, err := e.Delegate(DelegateRequest{Objective: "needs input"})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return client.calls.Load() == 1 }, "turn in flight")

	askErr := make(chan error, 1)
	go func() {
		_, err := e.Ask(context.Background(), id, "which branch?")
		askErr <- err
	}()
	waitFor(t, 2*time.Second, func() bool { return coord.AskQueueStatus().Size == 1 }, "ask enqueued")

	e.CancelAll(context.Background())

	select {
	case err := <-askErr:
		if err == nil {
			t.Fatal("Ask returned nil error after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Ask did not unblock after cancellation")
	}
	if got := coord.AskQueueStatus().Size; got != 0 {
		t.Errorf("ask queue size after cancel = %d, want 0", got)
	}
}

func TestWaitReportsTimeout(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	client := &fakeClient{text: "ok", block: block}
	e, _, _ := newTestEngine(t, client, 5)

	if _, err := e.Delegate(DelegateRequest{Objective: "slow"}); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if !e.Wait(ctx, nil) {
		t.Error("Wait returned before the subagent finished")
	}

	close(block)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if e.Wait(ctx2, nil) {
		t.Fatal("Wait timed out after unblocking")
	}
}

// Package task defines the unit of agentic execution tracked by the
// coordinator: the main task plus zero or more parallel subagent tasks.
package task

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	StatusRunning    = "running"
	StatusStreaming  = "streaming"
	StatusWaitingAsk = "waiting_ask"
	StatusFinished   = "finished"
)

// AbortFunc is a task's own cooperative-cancellation hook. It is invoked by the
// coordinator when the task is unregistered before it observed its abort flag.
// It may block on the task's outstanding I/O.
type AbortFunc func(reason string) error

type Options struct {
	TaskID      string
	ParentID    string
	Parallel    bool
	Description string
	OnAbort     AbortFunc
}

// Task is one running agent execution. The abort and abandoned flags are
// write-once-true: they are never reset while the task is registered, so any
// observer that sees true can trust the task is stopping.
type Task struct {
	id          string
	instanceID  string
	parentID    string
	parallel    bool
	description string
	createdAt   time.Time

	abort     atomic.Bool
	abandoned atomic.Bool

	mu      sync.RWMutex
	status  string
	onAbort AbortFunc

	doneCh    chan struct{}
	closeDone sync.Once
}

func New(opts Options) *Task {
	id := strings.TrimSpace(opts.TaskID)
	if id == "" {
		id = NewID()
	}
	return &Task{
		id:          id,
		instanceID:  uuid.NewString(),
		parentID:    strings.TrimSpace(opts.ParentID),
		parallel:    opts.Parallel,
		description: strings.TrimSpace(opts.Description),
		createdAt:   time.Now(),
		status:      StatusRunning,
		onAbort:     opts.OnAbort,
		doneCh:      make(chan struct{}),
	}
}

// NewID generates a random task id.
func NewID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "task_" + uuid.NewString()
	}
	return "task_" + base64.RawURLEncoding.EncodeToString(b)
}

func (t *Task) TaskID() string      { return t.id }
func (t *Task) InstanceID() string  { return t.instanceID }
func (t *Task) ParentID() string    { return t.parentID }
func (t *Task) IsParallel() bool    { return t.parallel }
func (t *Task) Description() string { return t.description }
func (t *Task) CreatedAt() time.Time {
	return t.createdAt
}

func (t *Task) Status() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) SetStatus(status string) {
	status = strings.TrimSpace(status)
	if status == "" {
		return
	}
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
	if status == StatusFinished {
		t.closeDone.Do(func() { close(t.doneCh) })
	}
}

// MarkAborted sets the cooperative abort flag. Never reset.
func (t *Task) MarkAborted() { t.abort.Store(true) }

// MarkAbandoned signals that nobody will consume this task's result. Never reset.
func (t *Task) MarkAbandoned() { t.abandoned.Store(true) }

func (t *Task) Aborted() bool   { return t.abort.Load() }
func (t *Task) Abandoned() bool { return t.abandoned.Load() }

// Abort runs the task's own abort hook. The coordinator calls this when the
// task has not yet observed its abort flag; the flag is set first so the hook
// and the running loop agree the task is stopping.
func (t *Task) Abort(reason string) error {
	t.abort.Store(true)
	t.mu.RLock()
	hook := t.onAbort
	t.mu.RUnlock()
	if hook == nil {
		return nil
	}
	return hook(reason)
}

// Done is closed when the task reaches StatusFinished.
func (t *Task) Done() <-chan struct{} { return t.doneCh }

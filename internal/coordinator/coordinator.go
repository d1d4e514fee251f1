// Package coordinator tracks every concurrently running agent task (the main
// task plus zero or more parallel subagents), cancels all of them on request
// with a bounded wall-clock budget, and arbitrates the single-consumer queue of
// human-input requests.
package coordinator

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// MassCancelMessage is passed to the parent resume hook when all subagents are
// torn down by user request.
const MassCancelMessage = "All subagent tasks have been cancelled by user request. Please ask the user what to do next. Do not try to resume, repeat the task."

// Task is the capability contract the coordinator requires from a running
// task. Implementations may be partially constructed; calls made during bulk
// cancellation are individually guarded so one broken task never takes the
// rest down with it.
type Task interface {
	TaskID() string
	InstanceID() string
	IsParallel() bool
	Description() string
	Status() string

	// MarkAborted and MarkAbandoned set the write-once cooperative
	// cancellation flags. They are never reset while the task is registered.
	MarkAborted()
	MarkAbandoned()
	Aborted() bool

	// Abort runs the task's own abort hook. It may block on outstanding I/O.
	Abort(reason string) error
}

// ResumeFunc re-enters the paused parent task. completed is false whenever the
// subagents were torn down by cancellation rather than finishing on their own.
type ResumeFunc func(message string, completed bool)

// Recorder receives lifecycle events for durable journaling. Implementations
// must not block; recording is best-effort.
type Recorder interface {
	Record(action string, taskID string, detail map[string]any)
}

// ParallelTaskStatus is one row of the UI-facing projection of the registry.
type ParallelTaskStatus struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type Options struct {
	Log      *slog.Logger
	Resume   ResumeFunc
	Recorder Recorder

	// CancelTimeout bounds the aggregate cleanup fan-out of
	// CancelAllSubagentsAndResumeParent. Defaults to DefaultCancelTimeout.
	CancelTimeout time.Duration
}

type Coordinator struct {
	log           *slog.Logger
	resume        ResumeFunc
	recorder      Recorder
	cancelTimeout time.Duration

	mu               sync.Mutex
	tasks            map[string]Task
	parallelOrder    []string
	parallelMessages map[string]string
	messageOrder     []string

	// hadParallel and resumed implement the edge-triggered "last one out
	// resumes the parent" rule: at most one resume per transition from at
	// least one subagent to zero.
	hadParallel bool
	resumed     bool

	ask *askQueue
}

func New(opts Options) *Coordinator {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.CancelTimeout
	if timeout <= 0 {
		timeout = DefaultCancelTimeout
	}
	return &Coordinator{
		log:              log,
		resume:           opts.Resume,
		recorder:         opts.Recorder,
		cancelTimeout:    timeout,
		tasks:            map[string]Task{},
		parallelMessages: map[string]string{},
		ask:              newAskQueue(log),
	}
}

// Register adds a task to the registry. Registering the same task id twice is
// a programmer error; it is logged and ignored.
func (c *Coordinator) Register(t Task) {
	if c == nil || t == nil {
		return
	}
	id := strings.TrimSpace(t.TaskID())
	if id == "" {
		c.log.Warn("register: missing task id")
		return
	}
	parallel := t.IsParallel()
	c.mu.Lock()
	if _, ok := c.tasks[id]; ok {
		c.mu.Unlock()
		c.log.Warn("register: task already registered", "task_id", id)
		return
	}
	c.tasks[id] = t
	if parallel {
		c.parallelOrder = append(c.parallelOrder, id)
		c.hadParallel = true
		c.resumed = false
	}
	c.mu.Unlock()
	c.record("task_registered", id, map[string]any{"parallel": parallel})
}

// Unregister removes a task from the registry. Idempotent: an absent task is a
// no-op. When the task's abort flag is not yet set, its abort hook runs first
// with reason "cancelled"; a hook failure is logged and never prevents removal.
func (c *Coordinator) Unregister(t Task) {
	if c == nil || t == nil {
		return
	}
	_ = c.unregister(t)
}

func (c *Coordinator) unregister(t Task) error {
	id := strings.TrimSpace(guardedTaskID(t))
	if id == "" {
		return nil
	}
	c.mu.Lock()
	_, present := c.tasks[id]
	c.mu.Unlock()
	if !present {
		return nil
	}

	var hookErr error
	if !c.guardedAborted(t, id) {
		hookErr = c.guardedAbort(t, id, "cancelled")
		if hookErr != nil {
			c.log.Warn("abort hook failed; removing task anyway", "task_id", id, "error", hookErr)
		}
	}

	c.mu.Lock()
	delete(c.tasks, id)
	c.removeParallelLocked(id)
	c.mu.Unlock()
	c.ask.remove(id)
	c.record("task_unregistered", id, nil)
	return hookErr
}

// Finish is the normal completion/cancellation hook. The message is stored for
// the parent only when the task was not cancelled by the user, the task is
// always unregistered, and the parent is resumed exactly once when the last
// outstanding subagent leaves the registry.
func (c *Coordinator) Finish(message string, t Task, cancelledByUser bool) {
	_ = c.finish(message, t, cancelledByUser)
}

func (c *Coordinator) finish(message string, t Task, cancelledByUser bool) error {
	if c == nil || t == nil {
		return nil
	}
	id := strings.TrimSpace(guardedTaskID(t))
	if id == "" {
		return nil
	}
	c.mu.Lock()
	_, present := c.tasks[id]
	c.mu.Unlock()
	if !present {
		// Already gone: a concurrent finish or a forced clear won the race.
		return nil
	}

	var hookErr error
	if !c.guardedAborted(t, id) {
		hookErr = c.guardedAbort(t, id, "cancelled")
		if hookErr != nil {
			c.log.Warn("abort hook failed; removing task anyway", "task_id", id, "error", hookErr)
		}
	}

	parallel := guardedIsParallel(t)
	var resume func()
	c.mu.Lock()
	if _, still := c.tasks[id]; still {
		delete(c.tasks, id)
		c.removeParallelLocked(id)
		if parallel && !cancelledByUser {
			if _, dup := c.parallelMessages[id]; !dup {
				c.messageOrder = append(c.messageOrder, id)
			}
			c.parallelMessages[id] = message
		}
	}
	if parallel {
		resume = c.maybeResumeLocked(cancelledByUser)
	}
	c.mu.Unlock()

	c.ask.remove(id)
	if resume != nil {
		resume()
	}
	c.record("task_finished", id, map[string]any{"cancelled": cancelledByUser})
	return hookErr
}

// maybeResumeLocked decides, inside the registry critical section, whether the
// parent must be resumed. The returned closure is invoked after the lock is
// released so a slow resume hook cannot stall registry mutation.
func (c *Coordinator) maybeResumeLocked(massCancel bool) func() {
	if len(c.parallelOrder) > 0 {
		return nil
	}
	if !c.hadParallel || c.resumed {
		return nil
	}
	c.resumed = true
	c.hadParallel = false
	c.parallelOrder = nil

	message := MassCancelMessage
	completed := false
	if !massCancel {
		message = c.aggregateMessagesLocked()
		completed = true
	}
	c.parallelMessages = map[string]string{}
	c.messageOrder = nil

	resume := c.resume
	log := c.log
	return func() {
		log.Info("resuming parent task", "mass_cancel", massCancel)
		if resume != nil {
			resume(message, completed)
		}
	}
}

func (c *Coordinator) aggregateMessagesLocked() string {
	parts := make([]string, 0, len(c.messageOrder))
	for _, id := range c.messageOrder {
		msg := strings.TrimSpace(c.parallelMessages[id])
		if msg == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("Task %s: %s", id, msg))
	}
	if len(parts) == 0 {
		return "All subagent tasks completed."
	}
	return strings.Join(parts, "\n")
}

func (c *Coordinator) removeParallelLocked(id string) {
	for i, existing := range c.parallelOrder {
		if existing == id {
			c.parallelOrder = append(c.parallelOrder[:i], c.parallelOrder[i+1:]...)
			return
		}
	}
}

// ParallelTaskState returns the ordered UI projection of the registry's
// subagents. A snapshot, not a live view.
func (c *Coordinator) ParallelTaskState() []ParallelTaskStatus {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ParallelTaskStatus, 0, len(c.parallelOrder))
	for _, id := range c.parallelOrder {
		t := c.tasks[id]
		if t == nil {
			continue
		}
		out = append(out, ParallelTaskStatus{
			TaskID:      id,
			Description: guardedDescription(t),
			Status:      guardedStatus(t),
		})
	}
	return out
}

// TaskMessage returns the stored completion message for a finished subagent.
func (c *Coordinator) TaskMessage(taskID string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.parallelMessages[strings.TrimSpace(taskID)]
	return msg, ok
}

// ActiveTask looks up a registered task by id.
func (c *Coordinator) ActiveTask(taskID string) (Task, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[strings.TrimSpace(taskID)]
	return t, ok
}

func (c *Coordinator) ActiveCount() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func (c *Coordinator) ParallelCount() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.parallelOrder)
}

func (c *Coordinator) record(action string, taskID string, detail map[string]any) {
	if c == nil || c.recorder == nil {
		return
	}
	c.recorder.Record(action, taskID, detail)
}

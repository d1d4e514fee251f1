package coordinator

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// askQueue is the deduplicated set of tasks currently waiting for human input.
// Producers enqueue freely at any time; presentation to the human is
// single-consumer, tracked by the processing marker set. The queue never
// blocks an enqueue on processing state.
type askQueue struct {
	log *slog.Logger
	now func() time.Time

	mu         sync.Mutex
	order      []string
	entries    map[string]time.Time
	processing map[string]struct{}
}

func newAskQueue(log *slog.Logger) *askQueue {
	if log == nil {
		log = slog.Default()
	}
	return &askQueue{
		log:        log,
		now:        time.Now,
		entries:    map[string]time.Time{},
		processing: map[string]struct{}{},
	}
}

// add enqueues a task id. A duplicate id is logged and ignored without
// touching the original timestamp or position.
func (q *askQueue) add(taskID string) bool {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return false
	}
	q.mu.Lock()
	if _, ok := q.entries[taskID]; ok {
		q.mu.Unlock()
		q.log.Warn("duplicate ask request ignored", "task_id", taskID)
		return false
	}
	q.entries[taskID] = q.now()
	q.order = append(q.order, taskID)
	q.mu.Unlock()
	return true
}

func (q *askQueue) remove(taskID string) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[taskID]; !ok {
		return
	}
	delete(q.entries, taskID)
	// A task cannot stay "processing" once it leaves the queue.
	delete(q.processing, taskID)
	for i, id := range q.order {
		if id == taskID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// beginProcessing marks a queued ask as being presented. At most one ask is
// presented at a time; the call fails when another ask is already active or
// the task is not queued.
func (q *askQueue) beginProcessing(taskID string) bool {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[taskID]; !ok {
		return false
	}
	if len(q.processing) > 0 {
		if _, already := q.processing[taskID]; !already {
			return false
		}
		return true
	}
	q.processing[taskID] = struct{}{}
	return true
}

func (q *askQueue) endProcessing(taskID string) {
	q.mu.Lock()
	delete(q.processing, strings.TrimSpace(taskID))
	q.mu.Unlock()
}

// next returns the oldest queued ask that is not yet being presented.
func (q *askQueue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		if _, busy := q.processing[id]; busy {
			continue
		}
		return id, true
	}
	return "", false
}

// AskEntryStatus describes one queued ask at snapshot time.
type AskEntryStatus struct {
	TaskID    string        `json:"task_id"`
	Timestamp time.Time     `json:"timestamp"`
	WaitTime  time.Duration `json:"wait_time"`
}

// AskQueueStatus is a point-in-time snapshot of the ask queue, not a live view.
type AskQueueStatus struct {
	Size            int              `json:"size"`
	Entries         []AskEntryStatus `json:"entries"`
	ProcessingCount int              `json:"processing_count"`
}

func (q *askQueue) status() AskQueueStatus {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	out := AskQueueStatus{
		Size:            len(q.order),
		Entries:         make([]AskEntryStatus, 0, len(q.order)),
		ProcessingCount: len(q.processing),
	}
	for _, id := range q.order {
		at := q.entries[id]
		out.Entries = append(out.Entries, AskEntryStatus{
			TaskID:    id,
			Timestamp: at,
			WaitTime:  now.Sub(at),
		})
	}
	return out
}

// AddAskRequest enqueues a human-input request for a task. Duplicate requests
// for the same task id are suppressed. Never blocks on processing state.
func (c *Coordinator) AddAskRequest(t Task) {
	if c == nil || t == nil {
		return
	}
	id := strings.TrimSpace(guardedTaskID(t))
	if id == "" {
		return
	}
	if c.ask.add(id) {
		c.record("ask_enqueued", id, nil)
	}
}

// RemoveFromAskSet dequeues a task's pending ask; no-op when absent.
func (c *Coordinator) RemoveFromAskSet(taskID string) {
	if c == nil {
		return
	}
	c.ask.remove(taskID)
}

// AskQueueStatus returns a snapshot of the ask queue for diagnostics and
// rendering.
func (c *Coordinator) AskQueueStatus() AskQueueStatus {
	if c == nil {
		return AskQueueStatus{}
	}
	return c.ask.status()
}

// BeginAskProcessing claims the single presentation slot for a queued ask.
func (c *Coordinator) BeginAskProcessing(taskID string) bool {
	if c == nil {
		return false
	}
	return c.ask.beginProcessing(taskID)
}

// EndAskProcessing releases the presentation slot once the ask is answered.
func (c *Coordinator) EndAskProcessing(taskID string) {
	if c == nil {
		return
	}
	c.ask.endProcessing(taskID)
}

// NextAsk returns the oldest ask not currently being presented.
func (c *Coordinator) NextAsk() (string, bool) {
	if c == nil {
		return "", false
	}
	return c.ask.next()
}

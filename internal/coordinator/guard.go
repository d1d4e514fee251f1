package coordinator

import "fmt"

// Task implementations arriving from the execution engine can be partially
// constructed (the engine builds them from loosely validated tool arguments).
// Every call that the cancellation path makes into such an object is wrapped
// so a panicking implementation degrades to a logged, isolated failure.

func guardedTaskID(t Task) (id string) {
	defer func() {
		if recover() != nil {
			id = ""
		}
	}()
	return t.TaskID()
}

func guardedIsParallel(t Task) (parallel bool) {
	defer func() {
		if recover() != nil {
			parallel = false
		}
	}()
	return t.IsParallel()
}

func guardedDescription(t Task) (desc string) {
	defer func() {
		if recover() != nil {
			desc = ""
		}
	}()
	return t.Description()
}

func guardedStatus(t Task) (status string) {
	defer func() {
		if recover() != nil {
			status = ""
		}
	}()
	return t.Status()
}

// guardedAborted reads the abort flag. When even the read panics the task is
// treated as already stopping so no further hook is invoked on it.
func (c *Coordinator) guardedAborted(t Task, id string) (aborted bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("task abort flag unreadable", "task_id", id, "panic", fmt.Sprint(r))
			aborted = true
		}
	}()
	return t.Aborted()
}

func (c *Coordinator) guardedAbort(t Task, id string, reason string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("abort hook panicked: %v", r)
		}
	}()
	return t.Abort(reason)
}

// guardedFlag sets both cooperative-cancellation flags on one task. Reports
// whether the writes landed.
func (c *Coordinator) guardedFlag(t Task) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("failed to flag subagent for abort", "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	t.MarkAborted()
	t.MarkAbandoned()
	return true
}

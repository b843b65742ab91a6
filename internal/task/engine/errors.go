package engine

import (
	"fmt"

	"ctrlsched/internal/task/scheduler"
)

// PanicError is handed to the fatal handler when a task body panics.
type PanicError struct {
	Task  string
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}

func newPanicError(t *scheduler.Task, v any, stack []byte) *PanicError {
	return &PanicError{Task: t.String(), Value: v, Stack: string(stack)}
}

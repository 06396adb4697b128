package orchestrator

import "nova/internal/domain/task"

// EventType names a board lifecycle event.
type EventType string

const (
	EventPlanCreated       EventType = "plan_created"
	EventTaskStarted       EventType = "task_started"
	EventTaskProgress      EventType = "task_progress"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventCheckpointReached EventType = "checkpoint_reached"
	EventCheckpointResumed EventType = "checkpoint_resumed"
	EventReplanTriggered   EventType = "replan_triggered"
	EventBoardCompleted    EventType = "board_completed"
	EventBoardFailed       EventType = "board_failed"
)

// Event is one entry of the orchestrator's event stream. Events for a board
// are emitted in the order they are generated.
type Event struct {
	Type        EventType   `json:"type"`
	Board       *task.Board `json:"board,omitempty"`
	Task        *task.Task  `json:"task,omitempty"`
	Message     string      `json:"message,omitempty"`
	WillRetry   bool        `json:"will_retry,omitempty"`
	FinalOutput string      `json:"final_output,omitempty"`
}

// Callback receives events. A panicking callback is logged and ignored.
type Callback func(Event)

func (o *Orchestrator) emit(event Event) {
	o.mu.Lock()
	callbacks := make([]Callback, len(o.callbacks))
	copy(callbacks, o.callbacks)
	o.mu.Unlock()

	for _, cb := range callbacks {
		o.safeInvoke(cb, event)
	}
}

func (o *Orchestrator) safeInvoke(cb Callback, event Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("event callback panicked on %s: %v", event.Type, r)
		}
	}()
	cb(event)
}

package router

import (
	"fmt"

	"github.com/joshuavictorchen/claodex/internal/model"
)

// PaneDeadError is returned when a send is attempted against a target whose
// pane no longer accepts input.
type PaneDeadError struct {
	Target model.Agent
}

func (e *PaneDeadError) Error() string {
	return fmt.Sprintf("router: pane dead for %s", e.Target)
}

// InterferenceError is returned when a wait detects an out-of-band user row
// in claude's log that is not the echoed anchor.
type InterferenceError struct {
	Target model.Agent
}

func (e *InterferenceError) Error() string {
	return fmt.Sprintf("router: interference detected for %s", e.Target)
}

// TimeoutError is returned when wait_for_response exceeds its deadline
// without an extractable turn-end.
type TimeoutError struct {
	Target model.Agent
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("SMOKE SIGNAL: %s", e.Target)
}

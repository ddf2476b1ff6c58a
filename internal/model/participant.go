package model

import "time"

// Participant is the registration record created by the agent-side
// registration step and read by the core. All paths are absolute;
// RegisteredAt carries timezone.
type Participant struct {
	Agent        Agent     `json:"agent"`
	SessionFile  string    `json:"session_file"`
	SessionID    string    `json:"session_id"`
	PaneHandle   string    `json:"pane_handle"`
	CWD          string    `json:"cwd"`
	RegisteredAt time.Time `json:"registered_at"`
}

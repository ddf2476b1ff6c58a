package model

// Convergence tracks the single-agent latch: an agent emitting [CONVERGED]
// sets the latch to itself; collaboration terminates only when the peer of
// the latched agent signals on the very next turn.
type Convergence struct {
	agent *Agent
}

// Pending reports the agent currently holding the convergence latch, if any.
func (c Convergence) Pending() (Agent, bool) {
	if c.agent == nil {
		return "", false
	}
	return *c.agent, true
}

// Set latches the convergence signal to agent a.
func (c *Convergence) Set(a Agent) {
	v := a
	c.agent = &v
}

// Clear drops the latch (used whenever a turn does not signal).
func (c *Convergence) Clear() {
	c.agent = nil
}

// StopReason enumerates collab termination triggers.
type StopReason string

const (
	StopConverged    StopReason = "converged"
	StopTurnsReached StopReason = "turns_reached"
	StopUserHalt     StopReason = "user_halt"
	StopTimeout      StopReason = "timeout"
	StopInterference StopReason = "interference"
	StopPaneDead     StopReason = "pane_dead"
)

// CollabRequest constructs the seed of an orchestrator run, from either a
// /collab command or detection of a trailing [COLLAB] marker in a normal-mode
// response.
type CollabRequest struct {
	Starter         Agent
	Turns           int
	InitialMessage  string
	SeededResponse  string // non-empty for the agent-initiated [COLLAB] path
	SeededBlocks    Blocks // PendingSend.blocks preserved for exchange-log continuity
	AgentInitiated  bool
}

// CollabSession is the orchestrator's live state for one collaboration run.
type CollabSession struct {
	Starter                   Agent
	TurnsRemaining            int
	TurnsCompleted            int
	Interjections             []RoomEvent // queued UserText awaiting the next routed send
	ReplayedLast              []RoomEvent // interjections replayed once more to the following agent
	PendingConverge           Convergence
	HaltRequested             bool
	LastUnroutedResponseAgent *Agent
}

// NewCollabSession seeds state for a CollabRequest.
func NewCollabSession(req CollabRequest) *CollabSession {
	return &CollabSession{
		Starter:        req.Starter,
		TurnsRemaining: req.Turns,
	}
}

// SetUnrouted records the agent whose response is in hand but not yet routed.
func (s *CollabSession) SetUnrouted(a Agent) {
	v := a
	s.LastUnroutedResponseAgent = &v
}

// ClearUnrouted clears the unrouted-response marker once routing succeeds.
func (s *CollabSession) ClearUnrouted() {
	s.LastUnroutedResponseAgent = nil
}

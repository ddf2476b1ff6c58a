package model

import "time"

// PendingSend is the router's outstanding expectation that target will
// respond. At most one exists per target at any wall-clock instant.
type PendingSend struct {
	SentAt     time.Time
	Target     Agent
	AnchorText string // normalized final --- user --- block of the composed payload
	Blocks     Blocks // composed payload, retained for exchange-log fidelity
	ReadAtSend Cursor // read[target] at send time: the scan window's lower bound
}

// Supersede replaces an in-flight watch with a newer send to the same
// target. The new watch inherits the earliest SentAt and concatenates
// Blocks so exchange-log fidelity survives watch replacement.
func (p *PendingSend) Supersede(next PendingSend) PendingSend {
	if p == nil {
		return next
	}
	merged := next
	merged.SentAt = p.SentAt
	merged.Blocks = append(append(Blocks{}, p.Blocks...), next.Blocks...)
	return merged
}

// Package store implements the state store: cursor files and participant
// records. All writes are single-writer and use write-temp + atomic
// rename, following the session package's persistence pattern.
package store

import "fmt"

// RetreatError is returned when a caller attempts to persist a cursor value
// smaller than what is already on disk. This is always a programming
// error, never a recoverable runtime condition.
type RetreatError struct {
	Path string
	Old  int
	New  int
}

func (e *RetreatError) Error() string {
	return fmt.Sprintf("store: refusing to retreat cursor %s from %d to %d", e.Path, e.Old, e.New)
}

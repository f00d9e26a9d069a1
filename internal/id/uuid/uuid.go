// Package uuid issues and validates run identifiers.
package uuid

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunID identifies one command invocation. It is a UUID v7, so ids sort by
// start time and the start time can be read back from the id.
type RunID struct {
	id uuid.UUID
}

// NewRunID returns a fresh RunID.
func NewRunID() (RunID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return RunID{}, fmt.Errorf("generate run id: %w", err)
	}
	return RunID{id: id}, nil
}

// ParseRunID accepts a run id supplied by the operator, e.g. to correlate a
// resumed crawl with the logs of the interrupted one.
func ParseRunID(s string) (RunID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return RunID{}, fmt.Errorf("parse run id %q: %w", s, err)
	}
	if id.Version() != 7 {
		return RunID{}, fmt.Errorf("run id %q: want uuid version 7, got %d", s, id.Version())
	}
	return RunID{id: id}, nil
}

func (r RunID) String() string {
	return r.id.String()
}

// Started is the millisecond timestamp embedded in the id.
func (r RunID) Started() time.Time {
	var ms [8]byte
	copy(ms[2:], r.id[:6])
	return time.UnixMilli(int64(binary.BigEndian.Uint64(ms[:]))).UTC()
}

// IsZero reports whether r was never issued.
func (r RunID) IsZero() bool {
	return r.id == uuid.Nil
}

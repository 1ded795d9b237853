// ABOUTME: Store interface and data types for the dispatch audit log
// ABOUTME: Defines DispatchRecord and OutcomeRecord and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateDispatch is returned when a dispatch with the same ID was already recorded
var ErrDuplicateDispatch = errors.New("dispatch already recorded")

// Outcome statuses as stored.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// DispatchRecord is one operator command and its per-agent outcomes.
type DispatchRecord struct {
	ID         string
	Verb       string
	Args       []string
	Selector   string // "all" or a comma-separated id list
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []OutcomeRecord // sorted by AgentID
}

// OutcomeRecord is how a dispatch ended on one agent. Payloads are not stored.
type OutcomeRecord struct {
	AgentID  string
	Status   string
	Reason   string
	Location string
	Bytes    int64
}

// Counts tallies the record's outcomes by status.
func (r *DispatchRecord) Counts() (succeeded, failed, timedOut int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusSuccess:
			succeeded++
		case StatusFailed:
			failed++
		case StatusTimeout:
			timedOut++
		}
	}
	return succeeded, failed, timedOut
}

// DispatchFilter narrows ListDispatches.
type DispatchFilter struct {
	Verb    string    // empty matches every verb
	AgentID string    // only dispatches that targeted this agent
	Since   time.Time // zero matches everything
	Limit   int       // default 50, max 500
}

// Store persists the dispatch audit log.
type Store interface {
	SaveDispatch(ctx context.Context, rec *DispatchRecord) error
	GetDispatch(ctx context.Context, id string) (*DispatchRecord, error)
	// ListDispatches returns matching dispatches, newest first.
	ListDispatches(ctx context.Context, f DispatchFilter) ([]*DispatchRecord, error)
	Close() error
}

// normalizeLimit applies the default (50) and cap (500) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

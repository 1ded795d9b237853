// ABOUTME: Per-target outcomes and the aggregated Result of one dispatch.

package dispatch

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status is how a command ended on one target.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// Outcome is the result of a command on one agent.
type Outcome struct {
	Status Status
	// Payload is the agent's output or the received bytes when kept in memory.
	Payload []byte
	Reason  string
	// Location is where a received file was written, when written to disk.
	Location string
	// Bytes is how many payload bytes moved in either direction.
	Bytes int64
}

// Success builds a SUCCESS outcome carrying payload.
func Success(payload []byte) Outcome {
	return Outcome{Status: StatusSuccess, Payload: payload, Bytes: int64(len(payload))}
}

// Failed builds a FAILED outcome.
func Failed(reason string) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason}
}

// Timeout builds a TIMEOUT outcome.
func Timeout() Outcome {
	return Outcome{Status: StatusTimeout, Reason: "deadline exceeded"}
}

// Result aggregates a command's outcomes. Outcomes has exactly one entry per
// resolved target.
type Result struct {
	CommandID  uuid.UUID
	Verb       Verb
	Outcomes   map[string]Outcome
	StartedAt  time.Time
	FinishedAt time.Time
}

// AgentIDs returns the ids in Outcomes, sorted.
func (r *Result) AgentIDs() []string {
	ids := make([]string, 0, len(r.Outcomes))
	for id := range r.Outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Counts tallies outcomes by status.
func (r *Result) Counts() (succeeded, failed, timedOut int) {
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

// Duration is how long the dispatch took.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

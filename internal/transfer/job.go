// ABOUTME: Per-target bookkeeping for one chunked transfer.
// ABOUTME: Tracks progress and rejects chunks once the transfer has been finalized.

package transfer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/protocol"
)

// ErrJobFinalized is returned by Accept for any frame after CHUNK_END or a failure.
var ErrJobFinalized = errors.New("transfer already finalized")

// Direction is which way the bytes flow.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// JobStatus is a transfer's lifecycle position.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobActive   JobStatus = "active"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// Job is one transfer between the server and one agent.
type Job struct {
	CommandID uuid.UUID
	AgentID   string
	Direction Direction
	// TotalBytes is -1 when the size is not known up front.
	TotalBytes int64

	mu     sync.Mutex
	status JobStatus
	chunks int
	bytes  int64
	err    error
	sink   Sink
}

// NewJob creates a pending job. sink receives inbound chunks and may be nil
// for uploads.
func NewJob(commandID uuid.UUID, agentID string, dir Direction, total int64, sink Sink) *Job {
	return &Job{
		CommandID:  commandID,
		AgentID:    agentID,
		Direction:  dir,
		TotalBytes: total,
		status:     JobPending,
		sink:       sink,
	}
}

// Accept appends an inbound chunk. It returns true once CHUNK_END was accepted.
func (j *Job) Accept(f protocol.Frame) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status == JobComplete || j.status == JobFailed {
		return false, ErrJobFinalized
	}
	if !f.IsChunk() {
		return false, fmt.Errorf("unexpected %s frame in transfer", f.Kind)
	}
	if j.sink == nil {
		return false, errors.New("transfer has no sink")
	}
	if _, err := j.sink.Write(f.Payload); err != nil {
		j.failLocked(err)
		return false, err
	}

	j.status = JobActive
	j.chunks++
	j.bytes += int64(len(f.Payload))
	if f.Kind == protocol.KindChunkEnd {
		j.status = JobComplete
		return true, nil
	}
	return false, nil
}

// sent records an outbound chunk that was written to the agent.
func (j *Job) sent(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = JobActive
	j.chunks++
	j.bytes += int64(n)
}

// complete marks an upload finished.
func (j *Job) complete() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != JobFailed {
		j.status = JobComplete
	}
}

// Fail finalizes the job with err and discards partial inbound content.
func (j *Job) Fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failLocked(err)
}

func (j *Job) failLocked(err error) {
	if j.status == JobComplete || j.status == JobFailed {
		return
	}
	j.status = JobFailed
	j.err = err
	if j.sink != nil {
		_ = j.sink.Abort()
	}
}

// Status returns the job's current status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// ChunksAcked returns how many chunks were sent (upload) or accepted (download).
func (j *Job) ChunksAcked() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.chunks
}

// Bytes returns how many payload bytes moved so far.
func (j *Job) Bytes() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.bytes
}

// Err returns why the job failed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// ABOUTME: Unit tests for Job progress tracking and the buffer and file sinks.

package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/protocol"
)

func chunk(id uuid.UUID, kind protocol.Kind, payload string) protocol.Frame {
	return protocol.Frame{Kind: kind, CommandID: id, Payload: []byte(payload)}
}

func TestJob_Accept(t *testing.T) {
	id := uuid.New()
	sink := &BufferSink{}
	job := NewJob(id, "agent-1", DirectionDownload, -1, sink)
	assert.Equal(t, JobPending, job.Status())

	done, err := job.Accept(chunk(id, protocol.KindChunk, "hello "))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, JobActive, job.Status())

	done, err = job.Accept(chunk(id, protocol.KindChunkEnd, "world"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, JobComplete, job.Status())
	assert.Equal(t, 2, job.ChunksAcked())
	assert.Equal(t, int64(11), job.Bytes())
	assert.Equal(t, "hello world", string(sink.Bytes()))
}

func TestJob_RejectsChunksAfterEnd(t *testing.T) {
	id := uuid.New()
	sink := &BufferSink{}
	job := NewJob(id, "agent-1", DirectionDownload, -1, sink)

	_, err := job.Accept(chunk(id, protocol.KindChunkEnd, "all"))
	require.NoError(t, err)

	for _, kind := range []protocol.Kind{protocol.KindChunk, protocol.KindChunkEnd} {
		_, err = job.Accept(chunk(id, kind, "more"))
		assert.ErrorIs(t, err, ErrJobFinalized)
	}
	assert.Equal(t, "all", string(sink.Bytes()))
	assert.Equal(t, 1, job.ChunksAcked())
}

func TestJob_FailDiscardsAndFinalizes(t *testing.T) {
	id := uuid.New()
	sink := &BufferSink{}
	job := NewJob(id, "agent-1", DirectionDownload, -1, sink)

	_, err := job.Accept(chunk(id, protocol.KindChunk, "partial"))
	require.NoError(t, err)

	job.Fail(assert.AnError)
	assert.Equal(t, JobFailed, job.Status())
	assert.ErrorIs(t, job.Err(), assert.AnError)
	assert.Empty(t, sink.Bytes())

	_, err = job.Accept(chunk(id, protocol.KindChunkEnd, "late"))
	assert.ErrorIs(t, err, ErrJobFinalized)
}

func TestJob_RejectsControlFrames(t *testing.T) {
	id := uuid.New()
	job := NewJob(id, "agent-1", DirectionDownload, -1, &BufferSink{})

	_, err := job.Accept(protocol.Frame{Kind: protocol.KindControl, CommandID: id})
	assert.Error(t, err)
	assert.Equal(t, JobPending, job.Status())
}

func TestFileSink_CommitSniffsExtension(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		ext     string
	}{
		{"png", pngHeader, ".png"},
		{"text", []byte("just some text\n"), ".txt"},
		{"binary", []byte{0x00, 0x01, 0x02, 0xfe, 0xff}, ""},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			id := uuid.New()
			sink, err := NewFileSink(dir, id, "download_agent")
			require.NoError(t, err)

			// Write in two pieces to exercise the sniff buffer.
			half := len(tt.content) / 2
			_, err = sink.Write(tt.content[:half])
			require.NoError(t, err)
			_, err = sink.Write(tt.content[half:])
			require.NoError(t, err)

			loc, err := sink.Commit()
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, id.String(), "download_agent"+tt.ext), loc)

			got, err := os.ReadFile(loc)
			require.NoError(t, err)
			assert.Equal(t, len(tt.content), len(got))

			_, err = os.Stat(filepath.Join(dir, id.String(), "download_agent.part"))
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestFileSink_Abort(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()
	sink, err := NewFileSink(dir, id, "screenshot_agent")
	require.NoError(t, err)

	_, err = sink.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, sink.Abort())
	require.NoError(t, sink.Abort())

	entries, err := os.ReadDir(filepath.Join(dir, id.String()))
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = sink.Write([]byte("more"))
	assert.Error(t, err)
}

// ABOUTME: Chunked upload, download and screenshot handlers for the dispatcher.
// ABOUTME: Streams files in fixed-size CHUNK frames and reassembles inbound ones into sinks.

package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/protocol"
)

// Config configures an Engine.
type Config struct {
	// ChunkSize is the payload size of outbound chunks.
	ChunkSize int
	// DownloadDir receives downloads and screenshots. When empty, inbound
	// content is returned in the Outcome payload instead.
	DownloadDir string
	Logger      *slog.Logger
}

// Engine implements dispatch.Handler for the transfer verbs.
type Engine struct {
	chunkSize   int
	downloadDir string
	logger      *slog.Logger
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = protocol.DefaultChunkSize
	}
	return &Engine{
		chunkSize:   chunkSize,
		downloadDir: cfg.DownloadDir,
		logger:      logger.With("component", "transfer"),
	}
}

// Register installs the engine for upload, download and screenshot.
func (e *Engine) Register(d *dispatch.Dispatcher) {
	d.Register(dispatch.VerbUpload, e)
	d.Register(dispatch.VerbDownload, e)
	d.Register(dispatch.VerbScreenshot, e)
}

// Handle implements dispatch.Handler.
func (e *Engine) Handle(ctx context.Context, s *agent.Session, cmd *dispatch.Command) dispatch.Outcome {
	switch cmd.Verb {
	case dispatch.VerbUpload:
		return e.upload(ctx, s, cmd)
	case dispatch.VerbDownload, dispatch.VerbScreenshot:
		return e.receive(ctx, s, cmd)
	default:
		return dispatch.Failed(fmt.Sprintf("transfer engine cannot handle %s", cmd.Verb))
	}
}

// openSource returns the upload content and its size.
func openSource(cmd *dispatch.Command) (io.ReadCloser, int64, error) {
	if cmd.Attachment != nil {
		return io.NopCloser(bytes.NewReader(cmd.Attachment)), int64(len(cmd.Attachment)), nil
	}
	f, err := os.Open(cmd.Args[0])
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (e *Engine) upload(ctx context.Context, s *agent.Session, cmd *dispatch.Command) dispatch.Outcome {
	src, size, err := openSource(cmd)
	if err != nil {
		return dispatch.Failed(fmt.Sprintf("open local file: %v", err))
	}
	defer src.Close()

	remote := cmd.Args[1]
	job := NewJob(cmd.ID, s.ID, DirectionUpload, size, nil)
	logger := e.logger.With("command_id", cmd.ID, "agent_id", s.ID)

	f, err := protocol.CommandFrame(cmd.ID, string(cmd.Verb), []string{remote})
	if err != nil {
		return dispatch.Failed(err.Error())
	}
	if err := s.Send(f); err != nil {
		return dispatch.OutcomeFromError(err)
	}

	if err := e.sendChunks(ctx, s, job, src); err != nil {
		job.Fail(err)
		logger.Warn("upload aborted",
			"remote", remote,
			"sent", humanize.Bytes(uint64(job.Bytes())),
			"chunks", job.ChunksAcked(),
			"error", err,
		)
		return dispatch.OutcomeFromError(err)
	}

	reply, err := dispatch.AwaitReply(ctx, s)
	if err != nil {
		job.Fail(err)
		return dispatch.OutcomeFromError(err)
	}
	if reply.Status == protocol.StatusError {
		job.Fail(errors.New(reply.Error))
		return dispatch.Failed(reply.Error)
	}
	job.complete()

	logger.Info("upload complete",
		"remote", remote,
		"size", humanize.Bytes(uint64(job.Bytes())),
		"chunks", job.ChunksAcked(),
	)
	return dispatch.Outcome{
		Status:   dispatch.StatusSuccess,
		Payload:  reply.Output,
		Location: remote,
		Bytes:    job.Bytes(),
	}
}

// sendChunks streams r as CHUNK frames. It reads one chunk ahead so the last
// one goes out as CHUNK_END; an empty source is a single empty CHUNK_END.
func (e *Engine) sendChunks(ctx context.Context, s *agent.Session, job *Job, r io.Reader) error {
	cur := make([]byte, e.chunkSize)
	next := make([]byte, e.chunkSize)

	n, err := readChunk(r, cur)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := readChunk(r, next)
		if err != nil {
			return err
		}

		kind := protocol.KindChunk
		if m == 0 {
			kind = protocol.KindChunkEnd
		}
		if err := s.Send(protocol.Frame{Kind: kind, CommandID: job.CommandID, Payload: cur[:n]}); err != nil {
			return err
		}
		job.sent(n)

		if kind == protocol.KindChunkEnd {
			return nil
		}
		cur, next = next, cur
		n = m
	}
}

// readChunk fills buf as far as r allows. A short read at end of input is not an error.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("read local file: %w", err)
	}
	return n, nil
}

func (e *Engine) newSink(s *agent.Session, cmd *dispatch.Command) (Sink, error) {
	if e.downloadDir == "" {
		return &BufferSink{}, nil
	}
	return NewFileSink(e.downloadDir, cmd.ID, string(cmd.Verb)+"_"+s.ID)
}

func (e *Engine) receive(ctx context.Context, s *agent.Session, cmd *dispatch.Command) dispatch.Outcome {
	sink, err := e.newSink(s, cmd)
	if err != nil {
		return dispatch.Failed(err.Error())
	}
	job := NewJob(cmd.ID, s.ID, DirectionDownload, -1, sink)
	logger := e.logger.With("command_id", cmd.ID, "agent_id", s.ID, "verb", string(cmd.Verb))

	f, err := protocol.CommandFrame(cmd.ID, string(cmd.Verb), cmd.Args)
	if err != nil {
		job.Fail(err)
		return dispatch.Failed(err.Error())
	}
	if err := s.Send(f); err != nil {
		job.Fail(err)
		return dispatch.OutcomeFromError(err)
	}

	for {
		f, err := s.NextFrame(ctx)
		if err != nil {
			job.Fail(err)
			logger.Warn("transfer aborted",
				"received", humanize.Bytes(uint64(job.Bytes())),
				"chunks", job.ChunksAcked(),
				"error", err,
			)
			return dispatch.OutcomeFromError(err)
		}

		if f.Kind == protocol.KindControl {
			msg, err := protocol.UnmarshalControl(f.Payload)
			if err != nil {
				job.Fail(err)
				return dispatch.Failed(err.Error())
			}
			if msg.Type == protocol.TypeReply && msg.Status == protocol.StatusError {
				job.Fail(errors.New(msg.Error))
				return dispatch.Failed(msg.Error)
			}
			logger.Debug("ignoring control message during transfer", "type", msg.Type)
			continue
		}

		done, err := job.Accept(f)
		if err != nil {
			job.Fail(err)
			return dispatch.Failed(err.Error())
		}
		if done {
			break
		}
	}

	location, err := sink.Commit()
	if err != nil {
		return dispatch.Failed(err.Error())
	}

	out := dispatch.Outcome{
		Status:   dispatch.StatusSuccess,
		Location: location,
		Bytes:    job.Bytes(),
	}
	if buf, ok := sink.(*BufferSink); ok {
		out.Payload = buf.Bytes()
	}

	logger.Info("transfer complete",
		"size", humanize.Bytes(uint64(job.Bytes())),
		"chunks", job.ChunksAcked(),
		"location", location,
	)
	return out
}

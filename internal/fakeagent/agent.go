// ABOUTME: Scriptable agent peer that speaks the dispatch wire protocol.
// ABOUTME: Used by package tests over net.Pipe and by the fake-agent binary over TCP.

package fakeagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/protocol"
)

// ErrExit is returned by Serve after the agent acknowledged an exit command.
var ErrExit = errors.New("exit requested")

// Config controls how the fake agent answers commands.
type Config struct {
	Hostname string
	OS       string
	Version  string

	// ChunkSize is the payload size used when streaming downloads and screenshots.
	ChunkSize int
	// Heartbeat sends a heartbeat at this interval when positive.
	Heartbeat time.Duration
	// Delay is applied before answering any command.
	Delay time.Duration

	// Shell produces the output of a shell command. Defaults to echoing the line.
	Shell func(line string) ([]byte, error)
	// Files are served to download commands, keyed by remote path. Uploads are
	// stored here too.
	Files map[string][]byte
	// Screenshot is returned for screenshot commands.
	Screenshot []byte
	// Hang lists verbs the agent accepts but never answers.
	Hang []string
	// DropOn lists verbs that make the agent drop the connection instead of answering.
	DropOn []string

	Logger *slog.Logger
}

// Agent is one fake agent. An Agent serves one connection at a time.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	files     map[string][]byte
	chunks    map[string][]int
	commands  []string
	sessionID string

	writeMu sync.Mutex
}

// upload is an in-progress inbound file.
type upload struct {
	path  string
	buf   bytes.Buffer
	sizes []int
}

// New creates a fake agent.
func New(cfg Config) *Agent {
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if cfg.OS == "" {
		cfg.OS = runtime.GOOS
	}
	if cfg.Version == "" {
		cfg.Version = "fake"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = protocol.DefaultChunkSize
	}
	if cfg.Shell == nil {
		cfg.Shell = func(line string) ([]byte, error) { return []byte(line), nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	files := make(map[string][]byte, len(cfg.Files))
	for k, v := range cfg.Files {
		files[k] = v
	}
	return &Agent{
		cfg:    cfg,
		logger: logger.With("component", "fakeagent"),
		files:  files,
		chunks: make(map[string][]int),
	}
}

// File returns the content stored under path, including uploaded files.
func (a *Agent) File(path string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.files[path]
	return b, ok
}

// UploadChunks returns the payload size of every frame received for the
// upload to path.
func (a *Agent) UploadChunks(path string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.chunks[path]...)
}

// Commands returns the verbs received so far, in order.
func (a *Agent) Commands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.commands...)
}

// SessionID returns the id assigned by the server in its welcome.
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Serve performs the handshake on conn and answers commands until the
// connection ends, ctx is cancelled, or an exit command arrives. conn is
// always closed on return.
func (a *Agent) Serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := a.handshake(conn); err != nil {
		return err
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	if a.cfg.Heartbeat > 0 {
		go a.heartbeat(hbCtx, conn)
	}

	uploads := make(map[uuid.UUID]*upload)
	for {
		f, err := protocol.ReadFrame(conn, protocol.MaxPayload)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		switch f.Kind {
		case protocol.KindControl:
			err = a.handleControl(conn, f, uploads)
		default:
			err = a.handleChunk(conn, f, uploads)
		}
		if err != nil {
			return err
		}
	}
}

func (a *Agent) handshake(conn net.Conn) error {
	hello, err := protocol.ControlFrame(uuid.Nil, &protocol.Control{
		Type:     protocol.TypeHello,
		Hostname: a.cfg.Hostname,
		OS:       a.cfg.OS,
		Version:  a.cfg.Version,
	})
	if err != nil {
		return err
	}
	if err := a.write(conn, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	f, err := protocol.ReadFrame(conn, protocol.MaxPayload)
	if err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	msg, err := protocol.UnmarshalControl(f.Payload)
	if err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	if msg.Type != protocol.TypeWelcome {
		return fmt.Errorf("expected welcome, got %s", msg.Type)
	}

	a.mu.Lock()
	a.sessionID = msg.SessionID
	a.mu.Unlock()
	a.logger.Info("registered", "session_id", msg.SessionID)
	return nil
}

func (a *Agent) heartbeat(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f, err := protocol.ControlFrame(uuid.Nil, &protocol.Control{Type: protocol.TypeHeartbeat})
			if err != nil {
				return
			}
			if err := a.write(conn, f); err != nil {
				return
			}
		}
	}
}

func (a *Agent) handleControl(conn net.Conn, f protocol.Frame, uploads map[uuid.UUID]*upload) error {
	msg, err := protocol.UnmarshalControl(f.Payload)
	if err != nil {
		a.logger.Warn("bad control frame", "error", err)
		return nil
	}
	if msg.Type != protocol.TypeCommand {
		return nil
	}

	a.mu.Lock()
	a.commands = append(a.commands, msg.Verb)
	a.mu.Unlock()
	a.logger.Debug("command received", "command_id", f.CommandID, "verb", msg.Verb)

	if slices.Contains(a.cfg.DropOn, msg.Verb) {
		_ = conn.Close()
		return nil
	}
	if msg.Verb == "upload" {
		// The reply comes after the last chunk.
		path := ""
		if len(msg.Args) > 0 {
			path = msg.Args[0]
		}
		uploads[f.CommandID] = &upload{path: path}
		return nil
	}
	if slices.Contains(a.cfg.Hang, msg.Verb) {
		return nil
	}
	a.pause()

	switch msg.Verb {
	case "shell":
		out, err := a.cfg.Shell(strings.Join(msg.Args, " "))
		return a.reply(conn, f.CommandID, out, err)
	case "exit":
		if err := a.reply(conn, f.CommandID, nil, nil); err != nil {
			return err
		}
		return ErrExit
	case "download":
		if len(msg.Args) == 0 {
			return a.reply(conn, f.CommandID, nil, errors.New("missing path"))
		}
		data, ok := a.File(msg.Args[0])
		if !ok {
			return a.reply(conn, f.CommandID, nil, fmt.Errorf("%s: no such file", msg.Args[0]))
		}
		return a.stream(conn, f.CommandID, data)
	case "screenshot":
		if a.cfg.Screenshot == nil {
			return a.reply(conn, f.CommandID, nil, errors.New("screenshot unavailable"))
		}
		return a.stream(conn, f.CommandID, a.cfg.Screenshot)
	default:
		return a.reply(conn, f.CommandID, nil, fmt.Errorf("unknown verb %q", msg.Verb))
	}
}

func (a *Agent) handleChunk(conn net.Conn, f protocol.Frame, uploads map[uuid.UUID]*upload) error {
	up, ok := uploads[f.CommandID]
	if !ok {
		a.logger.Warn("chunk for unknown upload", "command_id", f.CommandID)
		return nil
	}
	up.buf.Write(f.Payload)
	up.sizes = append(up.sizes, len(f.Payload))
	if f.Kind != protocol.KindChunkEnd {
		return nil
	}

	delete(uploads, f.CommandID)
	a.mu.Lock()
	a.files[up.path] = up.buf.Bytes()
	a.chunks[up.path] = up.sizes
	a.mu.Unlock()

	if slices.Contains(a.cfg.Hang, "upload") {
		return nil
	}
	a.pause()
	return a.reply(conn, f.CommandID, nil, nil)
}

// stream sends data as CHUNK frames with the final one as CHUNK_END.
func (a *Agent) stream(conn net.Conn, id uuid.UUID, data []byte) error {
	size := a.cfg.ChunkSize
	for {
		n := min(len(data), size)
		kind := protocol.KindChunk
		if n == len(data) {
			kind = protocol.KindChunkEnd
		}
		if err := a.write(conn, protocol.Frame{Kind: kind, CommandID: id, Payload: data[:n]}); err != nil {
			return fmt.Errorf("send chunk: %w", err)
		}
		data = data[n:]
		if kind == protocol.KindChunkEnd {
			return nil
		}
	}
}

func (a *Agent) reply(conn net.Conn, id uuid.UUID, out []byte, cmdErr error) error {
	f, err := protocol.ReplyFrame(id, out, cmdErr)
	if err != nil {
		return err
	}
	if err := a.write(conn, f); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (a *Agent) write(conn net.Conn, f protocol.Frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return protocol.WriteFrame(conn, f)
}

func (a *Agent) pause() {
	if a.cfg.Delay > 0 {
		time.Sleep(a.cfg.Delay)
	}
}

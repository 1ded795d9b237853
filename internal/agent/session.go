// ABOUTME: Represents a single connected agent and owns its connection lifecycle.
// ABOUTME: Runs the read loop, serializes writes, and routes frames to the in-flight command.

package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/dedupe"
	"github.com/2389/coven-dispatch/internal/protocol"
)

// Session errors.
var (
	// ErrSessionClosed is returned by operations on a session that is not live.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotReady is returned when work is assigned before the handshake completed.
	ErrSessionNotReady = errors.New("session not ready")
	// ErrNoCommand is returned by NextFrame when no command is in flight.
	ErrNoCommand = errors.New("no command in flight")
	// ErrHandshake wraps failures while waiting for the agent's hello.
	ErrHandshake = errors.New("handshake failed")
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 30 * time.Second

// frameBuffer is how many frames the read loop may queue ahead of the command
// consuming them before it blocks, applying backpressure to the agent.
const frameBuffer = 16

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateBusy
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Live reports whether a session in this state can carry commands.
func (s State) Live() bool {
	return s == StateReady || s == StateBusy
}

// Metadata is what the agent reported about itself in its hello message.
type Metadata struct {
	Hostname string
	OS       string
	Version  string
}

// SessionParams holds the parameters for creating a new Session.
type SessionParams struct {
	ID           string // generated when empty
	Conn         net.Conn
	Logger       *slog.Logger
	MaxPayload   int
	WriteTimeout time.Duration
	// Finished remembers recently released command ids so late frames for them
	// are dropped quietly. Optional.
	Finished *dedupe.Cache[uuid.UUID]
}

// request is the bookkeeping for the single command a session is working on.
type request struct {
	id       uuid.UUID
	frames   chan protocol.Frame
	released chan struct{}
}

// Session is one agent connection.
type Session struct {
	ID   string
	Addr string

	conn         net.Conn
	reader       *bufio.Reader
	maxPayload   int
	writeTimeout time.Duration
	finished     *dedupe.Cache[uuid.UUID]
	logger       *slog.Logger
	now          func() time.Time

	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	meta         Metadata
	closeReason  error
	inflight     *request
	observer     func(s *Session, from, to State)

	// slot holds one token while the session is BUSY.
	slot      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps an accepted connection. The session starts CONNECTING.
func NewSession(p SessionParams) *Session {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	writeTimeout := p.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	s := &Session{
		ID:           id,
		conn:         p.Conn,
		reader:       bufio.NewReader(p.Conn),
		maxPayload:   p.MaxPayload,
		writeTimeout: writeTimeout,
		finished:     p.Finished,
		now:          time.Now,
		state:        StateConnecting,
		slot:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	if addr := p.Conn.RemoteAddr(); addr != nil {
		s.Addr = addr.String()
	}
	s.lastActivity = s.now()
	s.logger = logger.With("agent_id", id, "addr", s.Addr)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns when a frame was last received from or sent to the agent.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Metadata returns what the agent reported during the handshake.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Done is closed once the session is DISCONNECTED.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session disconnected, or nil while it is live or after a
// clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

func (s *Session) setObserver(fn func(*Session, State, State)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// transition moves the session to a new state and reports it to the observer.
// DISCONNECTED is terminal.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	if from == StateDisconnected || from == to {
		s.mu.Unlock()
		return false
	}
	s.state = to
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(s, from, to)
	}
	return true
}

// Serve performs the handshake and then runs the read loop until the connection
// ends or ctx is cancelled. The session is always closed when Serve returns.
func (s *Session) Serve(ctx context.Context, handshakeTimeout time.Duration) error {
	stop := context.AfterFunc(ctx, func() { s.closeWith(ctx.Err()) })
	defer stop()

	if err := s.handshake(handshakeTimeout); err != nil {
		s.closeWith(err)
		return err
	}

	for {
		f, err := protocol.ReadFrame(s.reader, s.maxPayload)
		if err != nil {
			select {
			case <-s.done:
				// Closed locally; the read error is just the fallout.
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				s.closeWith(nil)
				return nil
			}
			s.closeWith(err)
			return err
		}
		s.route(f)
	}
}

func (s *Session) handshake(timeout time.Duration) error {
	if timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	f, err := protocol.ReadFrame(s.reader, s.maxPayload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if f.Kind != protocol.KindControl {
		return fmt.Errorf("%w: expected control frame, got %s", ErrHandshake, f.Kind)
	}
	msg, err := protocol.UnmarshalControl(f.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if msg.Type != protocol.TypeHello {
		return fmt.Errorf("%w: expected hello, got %s", ErrHandshake, msg.Type)
	}

	_ = s.conn.SetReadDeadline(time.Time{})

	s.mu.Lock()
	s.meta = Metadata{Hostname: msg.Hostname, OS: msg.OS, Version: msg.Version}
	s.lastActivity = s.now()
	s.mu.Unlock()

	welcome, err := protocol.ControlFrame(uuid.Nil, &protocol.Control{
		Type:      protocol.TypeWelcome,
		SessionID: s.ID,
	})
	if err != nil {
		return err
	}
	if err := s.write(welcome); err != nil {
		return fmt.Errorf("%w: sending welcome: %w", ErrHandshake, err)
	}

	if !s.transition(StateReady) {
		return ErrSessionClosed
	}
	s.logger.Info("agent ready", "hostname", msg.Hostname, "os", msg.OS)
	return nil
}

// route hands a decoded frame to whoever is waiting for it.
func (s *Session) route(f protocol.Frame) {
	s.touch()

	if f.CommandID == uuid.Nil {
		s.handleSessionControl(f)
		return
	}

	s.mu.Lock()
	req := s.inflight
	s.mu.Unlock()

	if req == nil || req.id != f.CommandID {
		s.discard(f)
		return
	}

	select {
	case req.frames <- f:
	case <-req.released:
		s.discard(f)
	case <-s.done:
	}
}

func (s *Session) handleSessionControl(f protocol.Frame) {
	if f.Kind != protocol.KindControl {
		s.logger.Warn("dropping chunk without command id", "kind", f.Kind.String())
		return
	}
	msg, err := protocol.UnmarshalControl(f.Payload)
	if err != nil {
		s.logger.Warn("dropping undecodable control frame", "error", err)
		return
	}
	switch msg.Type {
	case protocol.TypeHeartbeat:
		s.logger.Debug("heartbeat")
	default:
		s.logger.Warn("unexpected session control message", "type", msg.Type)
	}
}

func (s *Session) discard(f protocol.Frame) {
	if s.finished != nil && s.finished.Seen(f.CommandID) {
		s.logger.Debug("discarding late frame for finished command",
			"command_id", f.CommandID,
			"kind", f.Kind.String(),
		)
		return
	}
	s.logger.Warn("discarding frame for unknown command",
		"command_id", f.CommandID,
		"kind", f.Kind.String(),
	)
}

// Acquire assigns command id to this session, moving it to BUSY. If another
// command holds the session, Acquire waits until it is released or ctx ends.
func (s *Session) Acquire(ctx context.Context, id uuid.UUID) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.slot <- struct{}{}:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	if s.state != StateReady {
		st := s.state
		s.mu.Unlock()
		<-s.slot
		if st == StateDisconnected {
			return ErrSessionClosed
		}
		return ErrSessionNotReady
	}
	s.inflight = &request{
		id:       id,
		frames:   make(chan protocol.Frame, frameBuffer),
		released: make(chan struct{}),
	}
	s.mu.Unlock()

	s.transition(StateBusy)
	return nil
}

// Release ends command id's hold on the session. The session returns to READY
// if it is still connected; frames for id that arrive later are discarded.
func (s *Session) Release(id uuid.UUID) {
	s.mu.Lock()
	req := s.inflight
	if req == nil || req.id != id {
		s.mu.Unlock()
		return
	}
	s.inflight = nil
	close(req.released)
	s.mu.Unlock()

	if s.finished != nil {
		s.finished.Mark(id)
	}
	s.transition(StateReady)
	<-s.slot
}

// InFlight returns the id of the command holding the session, if any.
func (s *Session) InFlight() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == nil {
		return uuid.Nil, false
	}
	return s.inflight.id, true
}

// NextFrame waits for the next frame addressed to the in-flight command.
// Frames already queued are still delivered after the connection drops.
func (s *Session) NextFrame(ctx context.Context) (protocol.Frame, error) {
	s.mu.Lock()
	req := s.inflight
	s.mu.Unlock()
	if req == nil {
		return protocol.Frame{}, ErrNoCommand
	}

	select {
	case f := <-req.frames:
		return f, nil
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case <-s.done:
		select {
		case f := <-req.frames:
			return f, nil
		default:
		}
		return protocol.Frame{}, ErrSessionClosed
	}
}

// Send writes a frame to the agent. It fails with ErrSessionClosed unless the
// session is READY or BUSY; a write error closes the session.
func (s *Session) Send(f protocol.Frame) error {
	if !s.State().Live() {
		return ErrSessionClosed
	}
	if err := s.write(f); err != nil {
		s.closeWith(err)
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	s.touch()
	return nil
}

func (s *Session) write(f protocol.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return protocol.WriteFrame(s.conn, f)
}

// Close disconnects the session. It is idempotent and always releases the
// underlying connection.
func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}

func (s *Session) closeWith(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		from := s.state
		s.state = StateDisconnected
		s.closeReason = reason
		observer := s.observer
		s.mu.Unlock()

		close(s.done)
		_ = s.conn.Close()
		if observer != nil {
			observer(s, from, StateDisconnected)
		}

		if reason != nil && !errors.Is(reason, context.Canceled) {
			s.logger.Warn("agent disconnected", "reason", reason)
		} else {
			s.logger.Info("agent disconnected")
		}
	})
}

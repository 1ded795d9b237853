// ABOUTME: Tests for Session handshake, command correlation, and disconnect handling.
// ABOUTME: Drives sessions against the fake agent over net.Pipe.

package agent

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/fakeagent"
	"github.com/2389/coven-dispatch/internal/protocol"
)

func newTestRegistry(t *testing.T, inactivity time.Duration) *Registry {
	t.Helper()
	reg := NewRegistry(RegistryConfig{InactivityTimeout: inactivity})
	t.Cleanup(reg.Close)
	return reg
}

// startSession connects a fake agent to a new registered session and waits for READY.
func startSession(t *testing.T, reg *Registry, id string, cfg fakeagent.Config) (*Session, *fakeagent.Agent) {
	t.Helper()

	server, client := net.Pipe()
	s := NewSession(SessionParams{ID: id, Conn: server, Finished: reg.Finished()})
	require.NoError(t, reg.Register(s))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = s.Serve(ctx, time.Second) }()
	fa := fakeagent.New(cfg)
	go func() { _ = fa.Serve(ctx, client) }()

	require.Eventually(t, func() bool { return s.State() == StateReady }, 2*time.Second, 5*time.Millisecond)
	return s, fa
}

// rawHandshake plays the agent side of the handshake by hand.
func rawHandshake(t *testing.T, conn net.Conn) {
	t.Helper()
	hello, err := protocol.ControlFrame(uuid.Nil, &protocol.Control{Type: protocol.TypeHello, Hostname: "raw"})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, hello))

	f, err := protocol.ReadFrame(conn, 0)
	require.NoError(t, err)
	msg, err := protocol.UnmarshalControl(f.Payload)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeWelcome, msg.Type)
}

func TestSession_Handshake(t *testing.T) {
	reg := newTestRegistry(t, 0)
	s, fa := startSession(t, reg, "", fakeagent.Config{Hostname: "box-1", OS: "linux", Version: "1.2.3"})

	assert.Equal(t, s.ID, fa.SessionID())
	assert.Equal(t, Metadata{Hostname: "box-1", OS: "linux", Version: "1.2.3"}, s.Metadata())
	assert.True(t, s.State().Live())
}

func TestSession_HandshakeRejectsNonHello(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	s := NewSession(SessionParams{Conn: server})

	go func() {
		_ = protocol.WriteFrame(client, protocol.Frame{Kind: protocol.KindChunk, CommandID: uuid.New()})
	}()

	err := s.Serve(context.Background(), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_HandshakeTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	s := NewSession(SessionParams{Conn: server})

	err := s.Serve(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_CommandRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, 0)
	s, _ := startSession(t, reg, "", fakeagent.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id := uuid.New()
	require.NoError(t, s.Acquire(ctx, id))
	assert.Equal(t, StateBusy, s.State())
	inflight, ok := s.InFlight()
	require.True(t, ok)
	assert.Equal(t, id, inflight)

	cmd, err := protocol.CommandFrame(id, "shell", []string{"echo", "hi"})
	require.NoError(t, err)
	require.NoError(t, s.Send(cmd))

	f, err := s.NextFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, f.CommandID)
	msg, err := protocol.UnmarshalControl(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, msg.Status)
	assert.Equal(t, "echo hi", string(msg.Output))

	s.Release(id)
	assert.Equal(t, StateReady, s.State())
	_, ok = s.InFlight()
	assert.False(t, ok)
}

func TestSession_AcquireSerializes(t *testing.T) {
	reg := newTestRegistry(t, 0)
	s, _ := startSession(t, reg, "", fakeagent.Config{})

	first := uuid.New()
	require.NoError(t, s.Acquire(context.Background(), first))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Acquire(ctx, uuid.New())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The waiter gets the slot as soon as it is released.
	acquired := make(chan error, 1)
	second := uuid.New()
	go func() { acquired <- s.Acquire(context.Background(), second) }()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("second command acquired a busy session")
	default:
	}

	s.Release(first)
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second command never acquired the session")
	}
	inflight, _ := s.InFlight()
	assert.Equal(t, second, inflight)
	s.Release(second)
}

func TestSession_ReleaseIgnoresOtherIDs(t *testing.T) {
	reg := newTestRegistry(t, 0)
	s, _ := startSession(t, reg, "", fakeagent.Config{})

	id := uuid.New()
	require.NoError(t, s.Acquire(context.Background(), id))
	s.Release(uuid.New())
	assert.Equal(t, StateBusy, s.State())
	s.Release(id)
	assert.Equal(t, StateReady, s.State())
}

func TestSession_LateReplyDiscarded(t *testing.T) {
	reg := newTestRegistry(t, 0)
	s, _ := startSession(t, reg, "", fakeagent.Config{Delay: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stale := uuid.New()
	require.NoError(t, s.Acquire(ctx, stale))
	cmd, err := protocol.CommandFrame(stale, "shell", []string{"first"})
	require.NoError(t, err)
	require.NoError(t, s.Send(cmd))
	s.Release(stale)
	assert.True(t, reg.Finished().Seen(stale))

	current := uuid.New()
	require.NoError(t, s.Acquire(ctx, current))
	cmd, err = protocol.CommandFrame(current, "shell", []string{"second"})
	require.NoError(t, err)
	require.NoError(t, s.Send(cmd))

	f, err := s.NextFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, current, f.CommandID)
	msg, err := protocol.UnmarshalControl(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, "second", string(msg.Output))
	s.Release(current)
}

func TestSession_NextFrameWithoutCommand(t *testing.T) {
	reg := newTestRegistry(t, 0)
	s, _ := startSession(t, reg, "", fakeagent.Config{})

	_, err := s.NextFrame(context.Background())
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestSession_PeerDropMidCommand(t *testing.T) {
	reg := newTestRegistry(t, 0)
	s, _ := startSession(t, reg, "", fakeagent.Config{DropOn: []string{"shell"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id := uuid.New()
	require.NoError(t, s.Acquire(ctx, id))
	cmd, err := protocol.CommandFrame(id, "shell", []string{"boom"})
	require.NoError(t, err)
	require.NoError(t, s.Send(cmd))

	_, err = s.NextFrame(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
	s.Release(id)

	assert.Equal(t, StateDisconnected, s.State())
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSession_ProtocolErrorDisconnects(t *testing.T) {
	reg := newTestRegistry(t, 0)
	server, client := net.Pipe()
	defer client.Close()

	s := NewSession(SessionParams{Conn: server, Finished: reg.Finished()})
	require.NoError(t, reg.Register(s))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(context.Background(), time.Second) }()

	rawHandshake(t, client)
	// Kind 0x7f is not a valid frame kind.
	bad := make([]byte, protocol.HeaderSize)
	bad[0] = 0x7f
	_, err := client.Write(bad)
	require.NoError(t, err)

	select {
	case err := <-errCh:
		var fe *protocol.FrameError
		require.True(t, errors.As(err, &fe))
		assert.ErrorIs(t, err, protocol.ErrUnknownKind)
	case <-time.After(time.Second):
		t.Fatal("session did not stop on protocol error")
	}
	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.Err(), protocol.ErrUnknownKind)
	assert.Equal(t, 0, reg.Len())
}

func TestSession_SendAfterClose(t *testing.T) {
	reg := newTestRegistry(t, 0)
	s, _ := startSession(t, reg, "", fakeagent.Config{})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.Send(protocol.Frame{Kind: protocol.KindChunk, CommandID: uuid.New()})
	assert.ErrorIs(t, err, ErrSessionClosed)

	err = s.Acquire(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrSessionClosed)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	assert.NoError(t, s.Err())
}

func TestSession_HeartbeatTouchesActivity(t *testing.T) {
	reg := newTestRegistry(t, 0)
	s, _ := startSession(t, reg, "", fakeagent.Config{Heartbeat: 10 * time.Millisecond})

	before := s.LastActivity()
	assert.Eventually(t, func() bool { return s.LastActivity().After(before) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateReady, s.State())
}

func TestSession_ServeStopsOnCancel(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	s := NewSession(SessionParams{Conn: server})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, time.Second) }()
	rawHandshake(t, client)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.Err(), context.Canceled)
}

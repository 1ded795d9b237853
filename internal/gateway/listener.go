// ABOUTME: Accept loop that turns inbound agent connections into registered sessions
// ABOUTME: Closing the listener stops accepting and disconnects every session

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-dispatch/internal/agent"
)

// acceptBackoff bounds the retry delay after a temporary accept error.
const acceptBackoff = time.Second

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Registry         *agent.Registry
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxPayload       int
	// Farewell runs after the accept socket is closed and before the
	// remaining sessions are disconnected.
	Farewell func()
	Logger   *slog.Logger
}

// Listener accepts agent connections and hands each one to the registry.
type Listener struct {
	ln               net.Listener
	registry         *agent.Registry
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	maxPayload       int
	logger           *slog.Logger
	sessionLogger    *slog.Logger
	farewell         func()

	accepting atomic.Bool
	wg        sync.WaitGroup
}

// NewListener wraps ln. Nothing is accepted until Serve is called.
func NewListener(ln net.Listener, cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		ln:               ln,
		registry:         cfg.Registry,
		handshakeTimeout: cfg.HandshakeTimeout,
		writeTimeout:     cfg.WriteTimeout,
		maxPayload:       cfg.MaxPayload,
		logger:           logger.With("component", "listener"),
		sessionLogger:    logger.With("component", "session"),
		farewell:         cfg.Farewell,
	}
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accepting reports whether Serve is running.
func (l *Listener) Accepting() bool {
	return l.accepting.Load()
}

// Serve accepts connections until ctx is cancelled or the listener is closed.
// Before returning it closes every session and waits for their read loops.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()

	l.accepting.Store(true)
	defer l.shutdown()

	l.logger.Info("agent listener started", "addr", l.ln.Addr().String())

	var delay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(2*delay, 5*time.Millisecond), acceptBackoff)
				l.logger.Warn("accept failed, retrying", "error", err, "delay", delay)
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("accepting agent connection: %w", err)
		}
		delay = 0
		l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	s := agent.NewSession(agent.SessionParams{
		Conn:         conn,
		Logger:       l.sessionLogger,
		MaxPayload:   l.maxPayload,
		WriteTimeout: l.writeTimeout,
		Finished:     l.registry.Finished(),
	})
	if err := l.registry.Register(s); err != nil {
		l.logger.Error("rejecting agent connection", "addr", s.Addr, "error", err)
		_ = s.Close()
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := s.Serve(ctx, l.handshakeTimeout); err != nil {
			l.logger.Debug("session ended with error", "agent_id", s.ID, "error", err)
		}
	}()
}

func (l *Listener) shutdown() {
	l.accepting.Store(false)
	_ = l.ln.Close()
	if l.farewell != nil {
		l.farewell()
	}
	l.registry.CloseAll()
	l.wg.Wait()
	l.logger.Info("agent listener stopped")
}

// Close stops accepting. Serve returns once every session has been torn down.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

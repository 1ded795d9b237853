// ABOUTME: Thread-safe registry of connected agent sessions keyed by session id.
// ABOUTME: Provides snapshots for dispatch and sweeps sessions that went quiet.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/dedupe"
)

// ErrSessionAlreadyRegistered indicates a session with the same ID is already registered.
var ErrSessionAlreadyRegistered = errors.New("session already registered")

// ErrSessionNotFound indicates the specified session was not found.
var ErrSessionNotFound = errors.New("session not found")

// Defaults for the finished-command cache shared by all sessions.
const (
	finishedTTL  = 10 * time.Minute
	finishedSize = 4096
)

// Info is a point-in-time copy of a session's public fields.
type Info struct {
	ID           string
	Addr         string
	State        State
	LastActivity time.Time
	Hostname     string
	OS           string
	Version      string
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// InactivityTimeout is how long a session may go without traffic before the
	// sweeper disconnects it. Zero disables sweeping.
	InactivityTimeout time.Duration
	Logger            *slog.Logger
}

// Registry tracks every connected session. All methods are safe for
// concurrent use by the listener, session read loops and the dispatcher.
type Registry struct {
	sessions   map[string]*Session
	mu         sync.RWMutex
	inactivity time.Duration
	finished   *dedupe.Cache[uuid.UUID]
	logger     *slog.Logger
	now        func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		inactivity: cfg.InactivityTimeout,
		finished:   dedupe.New[uuid.UUID](finishedTTL, finishedSize),
		logger:     logger.With("component", "registry"),
		now:        time.Now,
	}
}

// Finished returns the cache of recently released command ids. Sessions created
// for this registry should share it.
func (r *Registry) Finished() *dedupe.Cache[uuid.UUID] {
	return r.finished
}

// Register adds a session. The registry observes its state transitions from
// now on and drops it when it disconnects.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	if _, exists := r.sessions[s.ID]; exists {
		r.mu.Unlock()
		return ErrSessionAlreadyRegistered
	}
	r.sessions[s.ID] = s
	total := len(r.sessions)
	r.mu.Unlock()

	s.setObserver(r.observe)

	// A session that died before the observer was attached would never report it.
	if s.State() == StateDisconnected {
		r.remove(s)
		return ErrSessionClosed
	}

	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", s.ID,
		"addr", s.Addr,
		"total_agents", total,
	)
	return nil
}

// Unregister removes a session and closes it.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	total := len(r.sessions)
	r.mu.Unlock()

	if ok {
		_ = s.Close()
		r.logDisconnected(s, total)
	}
}

// remove deletes s if it is still the session registered under its id.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	cur, ok := r.sessions[s.ID]
	if ok && cur == s {
		delete(r.sessions, s.ID)
	}
	total := len(r.sessions)
	r.mu.Unlock()

	if ok && cur == s {
		r.logDisconnected(s, total)
	}
}

func (r *Registry) logDisconnected(s *Session, total int) {
	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", s.ID,
		"addr", s.Addr,
		"total_agents", total,
	)
}

func (r *Registry) observe(s *Session, from, to State) {
	r.logger.Debug("session state changed",
		"agent_id", s.ID,
		"from", from.String(),
		"to", to.String(),
	)
	if to == StateDisconnected {
		r.remove(s)
	}
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ListReady returns a sorted snapshot of the ids of READY sessions.
func (r *Registry) ListReady() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.State() == StateReady {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Live returns a snapshot of the sessions that can carry commands (READY or
// BUSY). The map is a copy; later connects and disconnects do not change it.
func (r *Registry) Live() map[string]*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live := make(map[string]*Session, len(r.sessions))
	for id, s := range r.sessions {
		if s.State().Live() {
			live[id] = s
		}
	}
	return live
}

// List returns information about every registered session, sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		infos = append(infos, Info{
			ID:           s.ID,
			Addr:         s.Addr,
			State:        s.state,
			LastActivity: s.lastActivity,
			Hostname:     s.meta.Hostname,
			OS:           s.meta.OS,
			Version:      s.meta.Version,
		})
		s.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Len returns the number of registered sessions in any state.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep disconnects every session whose last activity is older than the
// inactivity timeout and returns their ids.
func (r *Registry) Sweep(now time.Time) []string {
	if r.inactivity <= 0 {
		return nil
	}

	r.mu.RLock()
	var stale []*Session
	for _, s := range r.sessions {
		if now.Sub(s.LastActivity()) > r.inactivity {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	ids := make([]string, 0, len(stale))
	for _, s := range stale {
		r.logger.Info("sweeping inactive agent",
			"agent_id", s.ID,
			"idle", now.Sub(s.LastActivity()).Round(time.Second).String(),
		)
		s.closeWith(errInactive)
		r.remove(s)
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

var errInactive = errors.New("inactivity timeout")

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if r.inactivity <= 0 || interval <= 0 {
		return
	}

	r.logger.Info("starting inactivity sweeper",
		"threshold", r.inactivity.String(),
		"interval", interval.String(),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept := r.Sweep(r.now()); len(swept) > 0 {
				r.logger.Info("inactivity sweep", "swept", len(swept), "remaining", r.Len())
			}
		}
	}
}

// CloseAll disconnects and unregisters every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	total := len(r.sessions)
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
		r.logDisconnected(s, total)
	}
}

// Close releases the registry's background resources after closing all sessions.
func (r *Registry) Close() {
	r.CloseAll()
	r.finished.Close()
}

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/burrownet/burrow/internal/auth"
	"github.com/burrownet/burrow/internal/identity"
	"github.com/burrownet/burrow/internal/logging"
	"github.com/burrownet/burrow/internal/protocol"
	"github.com/burrownet/burrow/internal/registry"
	"github.com/burrownet/burrow/internal/transport"
)

// Events are lifecycle hooks, invoked synchronously from the session task.
// Keep them fast; heavy consumers should hand off.
type Events struct {
	OnConnected     func(*Session)
	OnAuthenticated func(*Session)
	OnClosed        func(*Session, error)
	OnEvicted       func(count int)
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Arbitrator *auth.Arbitrator
	Registry   *registry.Registry
	Dispatcher StreamDispatcher

	// Session carries per-session tuning (drain deadline, keepalives).
	Session Config

	// AuthTimeout bounds accepting the control stream plus the handshake.
	AuthTimeout time.Duration

	Events Events
	Logger *slog.Logger
}

// Manager owns every live session task. One misbehaving peer is isolated to
// its own task; nothing here is process-fatal.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[identity.SessionID]*Session

	logger *slog.Logger
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Arbitrator == nil {
		return nil, fmt.Errorf("manager requires an arbitrator")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("manager requires a registry")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("manager requires a dispatcher")
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Session.Logger = cfg.Logger

	return &Manager{
		cfg:      cfg,
		sessions: make(map[identity.SessionID]*Session),
		logger:   cfg.Logger,
	}, nil
}

// HandleSession is the top-level per-session task: authenticate, register,
// serve, clean up. It blocks until the session closes; run it in its own
// goroutine per accepted connection.
func (m *Manager) HandleSession(ctx context.Context, conn transport.SessionConn) {
	s := New(conn, m.cfg.Session)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
	}()

	m.logger.Info("session connected",
		logging.KeySession, s.ID().ShortString(),
		logging.KeyRemoteAddr, remoteString(s),
		logging.KeyTransport, conn.Kind())
	if m.cfg.Events.OnConnected != nil {
		m.cfg.Events.OnConnected(s)
	}

	if err := m.authenticate(ctx, s); err != nil {
		m.logger.Info("session rejected",
			logging.KeySession, s.ID().ShortString(),
			logging.KeyError, err)
		s.Close(err)
		m.finish(s)
		return
	}

	evicted, err := m.register(s)
	if err != nil {
		m.logger.Info("session registration refused",
			logging.KeySession, s.ID().ShortString(),
			logging.KeyError, err)
		s.Reject(protocol.ReasonForbidden, err.Error())
		m.finish(s)
		return
	}
	for _, loser := range evicted {
		loser.Handle.Drain(protocol.ReasonEvicted, "service name reclaimed")
	}
	if len(evicted) > 0 && m.cfg.Events.OnEvicted != nil {
		m.cfg.Events.OnEvicted(len(evicted))
	}

	if err := s.Activate(m.cfg.Dispatcher); err != nil {
		m.cfg.Registry.Remove(s.ID())
		s.Close(err)
		m.finish(s)
		return
	}

	m.logger.Info("session active",
		logging.KeySession, s.ID().ShortString(),
		logging.KeyPrincipal, s.Principal().Name,
		"services", s.Services())
	if m.cfg.Events.OnAuthenticated != nil {
		m.cfg.Events.OnAuthenticated(s)
	}

	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Drain(protocol.ReasonShutdown, "broker shutting down")
		select {
		case <-s.Done():
		case <-time.After(m.cfg.Session.DrainDeadline + time.Second):
			s.Close(ctx.Err())
		}
	}

	m.cfg.Registry.Remove(s.ID())
	m.finish(s)
}

// authenticate runs the handshake under the configured timeout.
func (m *Manager) authenticate(ctx context.Context, s *Session) error {
	authCtx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	defer cancel()
	return s.Authenticate(authCtx, m.cfg.Arbitrator)
}

// register checks the principal may expose its declared services and
// installs the registry entry, draining any evicted previous owners.
func (m *Manager) register(s *Session) ([]*registry.Entry, error) {
	for _, name := range s.Services() {
		if !s.Principal().AllowsService(name) {
			return nil, fmt.Errorf("principal %q may not expose %q",
				s.Principal().Name, name)
		}
	}

	return m.cfg.Registry.Insert(&registry.Entry{
		SessionID:    s.ID(),
		Handle:       s,
		Principal:    s.Principal(),
		Services:     s.Services(),
		RegisteredAt: s.CreatedAt(),
	})
}

// finish reports the session's end to the log and hooks.
func (m *Manager) finish(s *Session) {
	err := s.Err()
	if err != nil {
		m.logger.Info("session closed",
			logging.KeySession, s.ID().ShortString(),
			logging.KeyError, err)
	} else {
		m.logger.Info("session closed", logging.KeySession, s.ID().ShortString())
	}
	if m.cfg.Events.OnClosed != nil {
		m.cfg.Events.OnClosed(s, err)
	}
}

// Get returns a live session by ID.
func (m *Manager) Get(id identity.SessionID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns the live sessions ordered by creation time.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// DrainSession starts an administrative drain of one session.
func (m *Manager) DrainSession(id identity.SessionID) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	s.Drain(protocol.ReasonShutdown, "administrative drain")
	return true
}

// CloseAll drains every session for broker shutdown and waits up to the
// drain deadline for them to finish.
func (m *Manager) CloseAll() {
	for _, s := range m.Sessions() {
		s.Drain(protocol.ReasonShutdown, "broker shutting down")
	}

	deadline := time.After(m.cfg.Session.DrainDeadline + time.Second)
	for _, s := range m.Sessions() {
		select {
		case <-s.Done():
		case <-deadline:
			s.Close(nil)
		}
	}
}

func remoteString(s *Session) string {
	if addr := s.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

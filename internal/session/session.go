// Package session drives the per-tunnel state machine and owns every task
// derived from a tunnel: its control stream, its logical streams, and the
// routes it participates in.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/burrownet/burrow/internal/auth"
	"github.com/burrownet/burrow/internal/identity"
	"github.com/burrownet/burrow/internal/logging"
	"github.com/burrownet/burrow/internal/protocol"
	"github.com/burrownet/burrow/internal/transport"
)

// Session errors.
var (
	ErrSessionNotActive = errors.New("session not active")
	ErrSessionClosed    = errors.New("session closed")
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateDraining
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// OpenRequest is one inbound stream-open carried to the dispatcher.
type OpenRequest struct {
	Service   string
	Token     uint64
	Principal *auth.Principal
	Stream    transport.Stream
	Session   *Session
}

// StreamDispatcher receives each stream-open request read by the session's
// mux loop. The dispatcher owns responding on the stream and closing it.
type StreamDispatcher interface {
	Dispatch(ctx context.Context, req *OpenRequest)
}

// Config tunes one session's behavior.
type Config struct {
	// DrainDeadline bounds how long a draining session waits for its
	// routes before force-closing.
	DrainDeadline time.Duration

	// KeepaliveInterval is the Ping cadence on the control stream after
	// authentication. Zero disables keepalives.
	KeepaliveInterval time.Duration

	// MissedPongLimit is how many keepalive intervals may elapse without a
	// Pong before the session is drained.
	MissedPongLimit int

	// OpenRequestTimeout bounds the wait for the first frame on a new
	// logical stream.
	OpenRequestTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns session defaults.
func DefaultConfig() Config {
	return Config{
		DrainDeadline:      30 * time.Second,
		KeepaliveInterval:  20 * time.Second,
		MissedPongLimit:    3,
		OpenRequestTimeout: 10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = d.DrainDeadline
	}
	if c.MissedPongLimit <= 0 {
		c.MissedPongLimit = d.MissedPongLimit
	}
	if c.OpenRequestTimeout <= 0 {
		c.OpenRequestTimeout = d.OpenRequestTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is one physical tunnel connection and the state hanging off it.
// All state here is owned by the session's lifecycle task; other components
// interact through the registry handle methods (OpenStream, Drain) and
// read-only accessors.
type Session struct {
	id   identity.SessionID
	conn transport.SessionConn
	cfg  Config

	state atomic.Int32

	// Set once during authentication, immutable afterwards.
	principal *auth.Principal
	services  []string

	controlStream transport.Stream
	writer        *protocol.FrameWriter
	writeMu       sync.Mutex

	createdAt    time.Time
	lastPong     atomic.Int64
	activeRoutes atomic.Int64
	streamsSeen  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	drainOnce  sync.Once
	drainTimer *time.Timer

	dispatcher StreamDispatcher
	logger     *slog.Logger
}

// New wraps an accepted transport connection in a Connecting session.
func New(conn transport.SessionConn, cfg Config) *Session {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:        identity.MustNewSessionID(),
		conn:      conn,
		cfg:       cfg,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	s.logger = cfg.Logger.With(logging.KeySession, s.id.ShortString())
	return s
}

// ID returns the session identifier.
func (s *Session) ID() identity.SessionID { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Principal returns the authenticated identity, nil before authentication.
func (s *Session) Principal() *auth.Principal { return s.principal }

// Services returns the service names declared in the peer's Hello.
func (s *Session) Services() []string { return s.services }

// CreatedAt returns when the transport connection was accepted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// RemoteAddr returns the peer's address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// TransportKind returns the underlying transport protocol kind.
func (s *Session) TransportKind() transport.Kind { return s.conn.Kind() }

// ActiveRoutes returns the number of routes this session participates in.
func (s *Session) ActiveRoutes() int64 { return s.activeRoutes.Load() }

// StreamsSeen returns how many logical streams the peer has opened.
func (s *Session) StreamsSeen() uint64 { return s.streamsSeen.Load() }

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err returns the terminal error, nil for a clean close. Valid after Done.
func (s *Session) Err() error { return s.closeErr }

// Context is cancelled when the session closes; every task derived from the
// session runs under it.
func (s *Session) Context() context.Context { return s.ctx }

// Authenticate runs the handshake on the control stream. The broker is the
// accepting side, so the peer opens the control stream and speaks first.
func (s *Session) Authenticate(ctx context.Context, arb *auth.Arbitrator) error {
	if !s.transition(StateConnecting, StateAuthenticating) {
		return fmt.Errorf("cannot authenticate from state %s", s.State())
	}

	stream, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("failed to accept control stream: %w", err)
	}
	s.controlStream = stream
	s.writer = protocol.NewFrameWriter(stream)

	result, err := arb.NewHandshake(stream).Run(ctx)
	if err != nil {
		return err
	}

	s.principal = result.Principal
	s.services = result.Hello.Services
	return nil
}

// Activate moves the session to Active and starts its control, keepalive,
// and mux loops. Call after the registry entry is installed.
func (s *Session) Activate(dispatcher StreamDispatcher) error {
	if !s.transition(StateAuthenticating, StateActive) {
		return fmt.Errorf("cannot activate from state %s", s.State())
	}
	s.dispatcher = dispatcher
	s.lastPong.Store(time.Now().UnixNano())

	go s.controlLoop()
	go s.muxLoop()
	if s.cfg.KeepaliveInterval > 0 {
		go s.keepaliveLoop()
	}
	return nil
}

// transition CASes between lifecycle states.
func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// writeControl serializes writers on the control stream.
func (s *Session) writeControl(frame *protocol.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writer == nil {
		return ErrSessionClosed
	}
	return s.writer.Write(frame)
}

// OpenStream opens a logical stream toward the peer. Only Active sessions
// are routable.
func (s *Session) OpenStream(ctx context.Context) (transport.Stream, error) {
	if s.State() != StateActive {
		return nil, fmt.Errorf("%w: state %s", ErrSessionNotActive, s.State())
	}
	return s.conn.OpenStream(ctx)
}

// Drain moves the session to Draining: no new routes form, existing routes
// get the drain deadline to finish, and the peer is told to reconnect
// elsewhere via Goaway. An eviction can land while the loser is still
// Authenticating (registered but not yet activated), so that state drains
// too; Activate then fails and the manager tears the session down.
func (s *Session) Drain(reason uint16, message string) {
	if !s.transition(StateActive, StateDraining) &&
		!s.transition(StateAuthenticating, StateDraining) {
		return
	}

	s.drainOnce.Do(func() {
		s.logger.Info("session draining",
			logging.KeyReason, protocol.ReasonName(reason),
			"routes", s.activeRoutes.Load())

		goaway := &protocol.Goaway{Reason: reason, Message: message}
		if err := s.writeControl(&protocol.Frame{
			Type:    protocol.FrameGoaway,
			Payload: goaway.Encode(),
		}); err != nil {
			s.logger.Debug("failed to send goaway", logging.KeyError, err)
		}

		if s.activeRoutes.Load() == 0 {
			s.Close(nil)
			return
		}
		s.drainTimer = time.AfterFunc(s.cfg.DrainDeadline, func() {
			s.Close(nil)
		})
	})
}

// Reject notifies the peer and closes immediately, for sessions refused
// after authentication (for example a registration denial). Unlike Drain it
// does not wait for routes; none can exist yet.
func (s *Session) Reject(reason uint16, message string) {
	goaway := &protocol.Goaway{Reason: reason, Message: message}
	if err := s.writeControl(&protocol.Frame{
		Type:    protocol.FrameGoaway,
		Payload: goaway.Encode(),
	}); err != nil {
		s.logger.Debug("failed to send goaway", logging.KeyError, err)
	}
	s.Close(errors.New(message))
}

// RouteStarted records this session's participation in a new route.
func (s *Session) RouteStarted() {
	s.activeRoutes.Add(1)
}

// RouteDone records a route ending. A draining session with no routes left
// closes immediately instead of waiting out the deadline.
func (s *Session) RouteDone() {
	if s.activeRoutes.Add(-1) == 0 && s.State() == StateDraining {
		s.Close(nil)
	}
}

// Close terminates the session: cancels every derived task, closes the
// transport connection, and transitions to Closed. Idempotent.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		s.state.Store(int32(StateClosed))
		if s.drainTimer != nil {
			s.drainTimer.Stop()
		}
		s.cancel()
		s.conn.Close()
		close(s.closed)
	})
}

// controlLoop reads the control stream after authentication. A malformed
// frame here is fatal to the session, unlike on logical streams.
func (s *Session) controlLoop() {
	reader := protocol.NewFrameReader(s.controlStream)

	for {
		frame, err := reader.Read()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.Close(fmt.Errorf("control stream read failed: %w", err))
			}
			return
		}

		switch frame.Type {
		case protocol.FramePing:
			ping, err := protocol.DecodePing(frame.Payload)
			if err != nil {
				s.Close(fmt.Errorf("malformed ping: %w", err))
				return
			}
			pong := &protocol.Ping{Timestamp: ping.Timestamp}
			if err := s.writeControl(&protocol.Frame{
				Type:    protocol.FramePong,
				Payload: pong.Encode(),
			}); err != nil {
				s.Close(fmt.Errorf("failed to send pong: %w", err))
				return
			}

		case protocol.FramePong:
			s.lastPong.Store(time.Now().UnixNano())

		case protocol.FrameGoaway:
			goaway, err := protocol.DecodeGoaway(frame.Payload)
			if err != nil {
				s.Close(fmt.Errorf("malformed goaway: %w", err))
				return
			}
			s.logger.Info("peer sent goaway",
				logging.KeyReason, protocol.ReasonName(goaway.Reason),
				"message", goaway.Message)
			s.Drain(goaway.Reason, "")
			return

		default:
			s.Close(fmt.Errorf("unexpected %s on control stream",
				protocol.FrameTypeName(frame.Type)))
			return
		}
	}
}

// keepaliveLoop pings the peer and drains the session when pongs stop.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	deadline := time.Duration(s.cfg.MissedPongLimit) * s.cfg.KeepaliveInterval

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}

		if s.State() != StateActive {
			return
		}

		silent := time.Since(time.Unix(0, s.lastPong.Load()))
		if silent > deadline {
			s.logger.Warn("keepalive timeout", "silent", silent)
			s.Drain(protocol.ReasonDraining, "keepalive timeout")
			return
		}

		ping := &protocol.Ping{Timestamp: uint64(time.Now().UnixNano())}
		if err := s.writeControl(&protocol.Frame{
			Type:    protocol.FramePing,
			Payload: ping.Encode(),
		}); err != nil {
			s.Close(fmt.Errorf("keepalive write failed: %w", err))
			return
		}
	}
}

// muxLoop accepts logical streams from the transport for as long as the
// session lives. Each stream gets its own handler task; a bad stream never
// takes the session down.
func (s *Session) muxLoop() {
	for {
		stream, err := s.conn.AcceptStream(s.ctx)
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.Close(fmt.Errorf("stream accept failed: %w", err))
			}
			return
		}
		go s.handleStream(stream)
	}
}

// handleStream reads exactly one StreamOpenRequest from a new logical
// stream and hands it to the dispatcher. Malformed or oversized input closes
// this stream only.
func (s *Session) handleStream(stream transport.Stream) {
	s.streamsSeen.Add(1)
	stream.SetReadDeadline(time.Now().Add(s.cfg.OpenRequestTimeout))

	reader := protocol.NewFrameReader(stream)
	frame, err := reader.Read()
	if err != nil {
		s.logger.Debug("failed to read open request", logging.KeyError, err)
		stream.Close()
		return
	}
	stream.SetReadDeadline(time.Time{})

	if frame.Type != protocol.FrameStreamOpenRequest {
		s.logger.Debug("unexpected first frame on stream",
			"type", protocol.FrameTypeName(frame.Type))
		stream.Close()
		return
	}

	req, err := protocol.DecodeStreamOpenRequest(frame.Payload)
	if err != nil {
		s.logger.Debug("malformed open request", logging.KeyError, err)
		stream.Close()
		return
	}

	if s.State() != StateActive {
		respondReject(stream, req.Token, protocol.ReasonDraining, "session draining")
		stream.Close()
		return
	}

	s.dispatcher.Dispatch(s.ctx, &OpenRequest{
		Service:   req.ServiceName,
		Token:     req.Token,
		Principal: s.principal,
		Stream:    stream,
		Session:   s,
	})
}

// respondReject writes a refusal StreamOpenResponse. Best effort.
func respondReject(stream transport.Stream, token uint64, reason uint16, message string) {
	resp := &protocol.StreamOpenResponse{
		Token:    token,
		Accepted: false,
		Reason:   reason,
		Message:  message,
	}
	frame := &protocol.Frame{
		Type:    protocol.FrameStreamOpenResponse,
		Payload: resp.Encode(),
	}
	protocol.NewFrameWriter(stream).Write(frame)
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/burrownet/burrow/internal/protocol"
)

// Default negotiation limits.
const (
	DefaultMaxRounds = 4
	DefaultTimeout   = 10 * time.Second
)

// Authenticator is one pluggable handshake variant. The arbitrator is
// agnostic to which variant handles a session; adding a new authenticator
// means adding an implementation, and listing it in the configured set.
type Authenticator interface {
	// Kind returns the stable kind tag matched against Hello.AuthKind.
	Kind() string

	// Challenge produces the challenge payload for a new round.
	Challenge() ([]byte, error)

	// Verify checks a response against a previously issued challenge. On
	// success it returns the authenticated Principal. Returning a non-nil
	// next challenge with a nil Principal asks the arbitrator for another
	// round, subject to its round limit.
	Verify(ctx context.Context, challenge, response []byte, hello *protocol.Hello) (*Principal, []byte, error)
}

// Result is the outcome of a successful handshake.
type Result struct {
	Principal *Principal
	Hello     *protocol.Hello
}

// Arbitrator runs the handshake state machine on each new session's control
// stream. Construct once from configuration; safe for concurrent use across
// sessions.
type Arbitrator struct {
	authenticators []Authenticator
	byKind         map[string]Authenticator
	maxRounds      int
	timeout        time.Duration
	logger         *slog.Logger
}

// NewArbitrator creates an arbitrator over the given ordered authenticator
// set. The first authenticator registered for a kind wins.
func NewArbitrator(authenticators []Authenticator, maxRounds int, timeout time.Duration, logger *slog.Logger) *Arbitrator {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	byKind := make(map[string]Authenticator, len(authenticators))
	for _, a := range authenticators {
		if _, exists := byKind[a.Kind()]; !exists {
			byKind[a.Kind()] = a
		}
	}

	return &Arbitrator{
		authenticators: authenticators,
		byKind:         byKind,
		maxRounds:      maxRounds,
		timeout:        timeout,
		logger:         logger,
	}
}

// Handshake is one session's pass through the state machine.
type Handshake struct {
	arb    *Arbitrator
	state  atomic.Int32
	reader *protocol.FrameReader
	writer *protocol.FrameWriter
	rw     io.ReadWriter
}

// NewHandshake prepares a handshake over a control stream.
func (a *Arbitrator) NewHandshake(rw io.ReadWriter) *Handshake {
	return &Handshake{
		arb:    a,
		reader: protocol.NewFrameReader(rw),
		writer: protocol.NewFrameWriter(rw),
		rw:     rw,
	}
}

// State returns the handshake's current state.
func (h *Handshake) State() State {
	return State(h.state.Load())
}

func (h *Handshake) setState(s State) {
	h.state.Store(int32(s))
}

// Run drives the handshake to completion. On rejection it sends
// AuthResult{accepted:false} with the mapped reason before returning the
// error; the caller closes the session. Retrying within the same session is
// not supported.
func (h *Handshake) Run(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, h.arb.timeout)
	defer cancel()

	// Bound blocking reads on streams that support deadlines. io.Pipe-style
	// test streams rely on the round limit instead.
	if ds, ok := h.rw.(interface{ SetDeadline(time.Time) error }); ok {
		deadline := time.Now().Add(h.arb.timeout)
		ds.SetDeadline(deadline)
		defer ds.SetDeadline(time.Time{})
	}

	result, err := h.run(ctx)
	if err != nil {
		h.setState(StateRejected)
		h.reject(err)
		return nil, err
	}

	h.setState(StateAuthenticated)
	if err := h.writer.Write(&protocol.Frame{
		Type:    protocol.FrameAuthResult,
		Payload: (&protocol.AuthResult{Accepted: true}).Encode(),
	}); err != nil {
		return nil, fmt.Errorf("failed to send AuthResult: %w", err)
	}

	return result, nil
}

func (h *Handshake) run(ctx context.Context) (*Result, error) {
	h.setState(StateAwaitingHello)

	frame, err := h.readFrame(ctx)
	if err != nil {
		return nil, err
	}
	if frame.Type != protocol.FrameHello {
		return nil, fmt.Errorf("%w: expected Hello, got %s", ErrProtocolViolation, protocol.FrameTypeName(frame.Type))
	}

	hello, err := protocol.DecodeHello(frame.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if hello.Version != protocol.ProtocolVersion {
		return nil, fmt.Errorf("%w: peer version %d, local version %d",
			ErrVersionMismatch, hello.Version, protocol.ProtocolVersion)
	}

	authenticator, ok := h.arb.byKind[hello.AuthKind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAuthenticator, hello.AuthKind)
	}

	h.setState(StateNegotiating)

	challenge, err := authenticator.Challenge()
	if err != nil {
		return nil, fmt.Errorf("challenge generation failed: %w", err)
	}

	for round := 0; round < h.arb.maxRounds; round++ {
		if err := h.writer.Write(&protocol.Frame{
			Type:    protocol.FrameAuthChallenge,
			Payload: (&protocol.AuthChallenge{Data: challenge}).Encode(),
		}); err != nil {
			return nil, fmt.Errorf("failed to send AuthChallenge: %w", err)
		}

		frame, err := h.readFrame(ctx)
		if err != nil {
			return nil, err
		}
		if frame.Type != protocol.FrameAuthResponse {
			return nil, fmt.Errorf("%w: expected AuthResponse, got %s", ErrProtocolViolation, protocol.FrameTypeName(frame.Type))
		}
		response, err := protocol.DecodeAuthResponse(frame.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}

		h.setState(StateVerifying)
		principal, next, err := authenticator.Verify(ctx, challenge, response.Data, hello)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrNegotiationTimeout
			}
			return nil, err
		}
		if principal != nil {
			return &Result{Principal: principal, Hello: hello}, nil
		}
		if next == nil {
			return nil, ErrRejected
		}

		h.setState(StateNegotiating)
		challenge = next
	}

	return nil, fmt.Errorf("%w: round limit %d exceeded", ErrNegotiationTimeout, h.arb.maxRounds)
}

// readFrame reads one frame, translating context expiry and read failures
// into handshake errors.
func (h *Handshake) readFrame(ctx context.Context) (*protocol.Frame, error) {
	frame, err := h.reader.Read()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrNegotiationTimeout
		}
		if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
			return nil, ErrNegotiationTimeout
		}
		return nil, fmt.Errorf("handshake read failed: %w", err)
	}
	return frame, nil
}

// reject sends the terminal AuthResult{accepted:false}. Best effort; the
// session closes either way.
func (h *Handshake) reject(cause error) {
	result := &protocol.AuthResult{
		Accepted: false,
		Reason:   RejectionReason(cause),
		Message:  cause.Error(),
	}
	if err := h.writer.Write(&protocol.Frame{
		Type:    protocol.FrameAuthResult,
		Payload: result.Encode(),
	}); err != nil {
		h.arb.logger.Debug("failed to send rejection", "error", err)
	}
}

// RejectionReason maps a handshake error to its wire reason code.
func RejectionReason(err error) uint16 {
	switch {
	case errors.Is(err, ErrUnsupportedAuthenticator):
		return protocol.ReasonUnsupportedAuthenticator
	case errors.Is(err, ErrNegotiationTimeout):
		return protocol.ReasonNegotiationTimeout
	case errors.Is(err, ErrProtocolViolation):
		return protocol.ReasonProtocolViolation
	case errors.Is(err, ErrVersionMismatch):
		return protocol.ReasonVersionMismatch
	default:
		return protocol.ReasonRejected
	}
}

// Responder is the client side of an authenticator's exchange.
type Responder interface {
	// Kind returns the authenticator kind announced in Hello.
	Kind() string

	// Respond answers one challenge.
	Respond(challenge []byte) ([]byte, error)
}

// ClientHandshake runs the peer side of the handshake: send Hello, answer
// challenges, and return the final AuthResult.
func ClientHandshake(ctx context.Context, rw io.ReadWriter, hello *protocol.Hello, responder Responder) (*protocol.AuthResult, error) {
	reader := protocol.NewFrameReader(rw)
	writer := protocol.NewFrameWriter(rw)

	hello.AuthKind = responder.Kind()
	if hello.Version == 0 {
		hello.Version = protocol.ProtocolVersion
	}

	if err := writer.Write(&protocol.Frame{
		Type:    protocol.FrameHello,
		Payload: hello.Encode(),
	}); err != nil {
		return nil, fmt.Errorf("failed to send Hello: %w", err)
	}

	for {
		frame, err := reader.Read()
		if err != nil {
			return nil, fmt.Errorf("handshake read failed: %w", err)
		}

		switch frame.Type {
		case protocol.FrameAuthChallenge:
			challenge, err := protocol.DecodeAuthChallenge(frame.Payload)
			if err != nil {
				return nil, fmt.Errorf("malformed challenge: %w", err)
			}
			response, err := responder.Respond(challenge.Data)
			if err != nil {
				return nil, fmt.Errorf("responder failed: %w", err)
			}
			if err := writer.Write(&protocol.Frame{
				Type:    protocol.FrameAuthResponse,
				Payload: (&protocol.AuthResponse{Data: response}).Encode(),
			}); err != nil {
				return nil, fmt.Errorf("failed to send AuthResponse: %w", err)
			}

		case protocol.FrameAuthResult:
			result, err := protocol.DecodeAuthResult(frame.Payload)
			if err != nil {
				return nil, fmt.Errorf("malformed AuthResult: %w", err)
			}
			return result, nil

		default:
			return nil, fmt.Errorf("%w: got %s", ErrProtocolViolation, protocol.FrameTypeName(frame.Type))
		}
	}
}

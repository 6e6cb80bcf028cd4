// Package auth implements the authentication arbitrator and the pluggable
// authenticators it selects between.
//
// Each session runs exactly one handshake on its control stream. The peer's
// Hello names an authenticator kind; the arbitrator picks the matching
// authenticator from its configured, ordered set and drives the
// challenge/response exchange until it yields a Principal or a terminal
// rejection. Rejection is final for the session; a reconnecting peer starts
// a fresh handshake.
package auth

import (
	"errors"
	"path"
)

// Handshake errors. Each maps to a reason code in the AuthResult frame sent
// before the session closes.
var (
	ErrUnsupportedAuthenticator = errors.New("no authenticator for requested kind")
	ErrRejected                 = errors.New("authentication rejected")
	ErrNegotiationTimeout       = errors.New("authentication negotiation timed out")
	ErrProtocolViolation        = errors.New("unexpected frame during handshake")
	ErrVersionMismatch          = errors.New("protocol version mismatch")
)

// Principal is the verified identity of a tunnel. Immutable once created and
// attached to exactly one session.
type Principal struct {
	// Name is the identity string, e.g. a key name or an identity reported
	// by an external verifier.
	Name string

	// Kind is the authenticator kind that produced this principal.
	Kind string

	// Scopes are the service names or patterns this principal may expose
	// or request. Patterns use path.Match syntax ("db-*").
	Scopes []string
}

// AllowsService reports whether the principal's scopes permit exposing or
// requesting the named service.
func (p *Principal) AllowsService(name string) bool {
	if p == nil {
		return false
	}
	for _, scope := range p.Scopes {
		if scope == name {
			return true
		}
		if ok, err := path.Match(scope, name); err == nil && ok {
			return true
		}
	}
	return false
}

// State is the arbitrator's position in the handshake state machine.
type State int32

const (
	StateAwaitingHello State = iota
	StateNegotiating
	StateVerifying
	StateAuthenticated
	StateRejected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateNegotiating:
		return "negotiating"
	case StateVerifying:
		return "verifying"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

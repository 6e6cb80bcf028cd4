package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/burrownet/burrow/internal/protocol"
)

func TestPrincipalAllowsService(t *testing.T) {
	p := &Principal{
		Name:   "edge-7",
		Kind:   PSKKind,
		Scopes: []string{"db-1", "ssh-*"},
	}

	cases := []struct {
		service string
		want    bool
	}{
		{"db-1", true},
		{"ssh-backend-7", true},
		{"db-2", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := p.AllowsService(tc.service); got != tc.want {
			t.Errorf("AllowsService(%q) = %v, want %v", tc.service, got, tc.want)
		}
	}

	var nilP *Principal
	if nilP.AllowsService("db-1") {
		t.Error("nil principal should allow nothing")
	}
}

// runHandshake drives both ends of a handshake over an in-memory pipe and
// returns the server and client outcomes.
func runHandshake(t *testing.T, arb *Arbitrator, hello *protocol.Hello, responder Responder) (*Result, error, *protocol.AuthResult, error) {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type serverOutcome struct {
		result *Result
		err    error
	}
	serverCh := make(chan serverOutcome, 1)
	go func() {
		result, err := arb.NewHandshake(serverConn).Run(ctx)
		serverCh <- serverOutcome{result, err}
	}()

	clientResult, clientErr := ClientHandshake(ctx, clientConn, hello, responder)

	select {
	case s := <-serverCh:
		return s.result, s.err, clientResult, clientErr
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server handshake")
		return nil, nil, nil, nil
	}
}

func newTestArbitrator(t *testing.T, maxRounds int) *Arbitrator {
	t.Helper()
	psk, err := NewPSKAuthenticator([]PSKCredential{
		{Name: "edge-7", Secret: "super-secret", Scopes: []string{"db-*"}},
		{Name: "edge-9", Secret: "other-secret", Scopes: []string{"ssh-backend-7"}},
	})
	if err != nil {
		t.Fatalf("NewPSKAuthenticator failed: %v", err)
	}
	return NewArbitrator([]Authenticator{psk}, maxRounds, 5*time.Second, nil)
}

func TestPSKHandshakeSuccess(t *testing.T) {
	arb := newTestArbitrator(t, 0)

	responder, err := NewPSKResponder("super-secret")
	if err != nil {
		t.Fatalf("NewPSKResponder failed: %v", err)
	}

	hello := &protocol.Hello{Services: []string{"db-1"}}
	result, serverErr, clientResult, clientErr := runHandshake(t, arb, hello, responder)

	if serverErr != nil {
		t.Fatalf("Server handshake failed: %v", serverErr)
	}
	if clientErr != nil {
		t.Fatalf("Client handshake failed: %v", clientErr)
	}
	if !clientResult.Accepted {
		t.Errorf("Client got rejection: %s", clientResult.Message)
	}
	if result.Principal.Name != "edge-7" {
		t.Errorf("Principal name = %q, want %q", result.Principal.Name, "edge-7")
	}
	if result.Principal.Kind != PSKKind {
		t.Errorf("Principal kind = %q, want %q", result.Principal.Kind, PSKKind)
	}
	if !result.Principal.AllowsService("db-1") {
		t.Error("Principal should be scoped for db-1")
	}
	if len(result.Hello.Services) != 1 || result.Hello.Services[0] != "db-1" {
		t.Errorf("Hello services = %v, want [db-1]", result.Hello.Services)
	}
}

func TestPSKHandshakeWrongSecret(t *testing.T) {
	arb := newTestArbitrator(t, 0)

	responder, err := NewPSKResponder("wrong-secret")
	if err != nil {
		t.Fatalf("NewPSKResponder failed: %v", err)
	}

	_, serverErr, clientResult, clientErr := runHandshake(t, arb, &protocol.Hello{}, responder)

	if !errors.Is(serverErr, ErrRejected) {
		t.Errorf("Expected ErrRejected, got %v", serverErr)
	}
	if clientErr != nil {
		t.Fatalf("Client handshake failed: %v", clientErr)
	}
	if clientResult.Accepted {
		t.Error("Client should have been rejected")
	}
	if clientResult.Reason != protocol.ReasonRejected {
		t.Errorf("Reason = %d, want %d", clientResult.Reason, protocol.ReasonRejected)
	}
}

// kindResponder announces an arbitrary kind; the server should reject it
// before issuing any challenge.
type kindResponder struct{ kind string }

func (r *kindResponder) Kind() string                   { return r.kind }
func (r *kindResponder) Respond([]byte) ([]byte, error) { return nil, nil }

func TestUnsupportedAuthenticatorKind(t *testing.T) {
	arb := newTestArbitrator(t, 0)

	_, serverErr, clientResult, clientErr := runHandshake(t, arb, &protocol.Hello{}, &kindResponder{kind: "x509"})

	if !errors.Is(serverErr, ErrUnsupportedAuthenticator) {
		t.Errorf("Expected ErrUnsupportedAuthenticator, got %v", serverErr)
	}
	if clientErr != nil {
		t.Fatalf("Client handshake failed: %v", clientErr)
	}
	if clientResult.Accepted {
		t.Error("Client should have been rejected")
	}
	if clientResult.Reason != protocol.ReasonUnsupportedAuthenticator {
		t.Errorf("Reason = %d, want %d", clientResult.Reason, protocol.ReasonUnsupportedAuthenticator)
	}
}

func TestVersionMismatch(t *testing.T) {
	arb := newTestArbitrator(t, 0)

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := arb.NewHandshake(serverConn).Run(ctx)
		errCh <- err
	}()

	writer := protocol.NewFrameWriter(clientConn)
	hello := &protocol.Hello{Version: 99, AuthKind: PSKKind}
	if err := writer.Write(&protocol.Frame{Type: protocol.FrameHello, Payload: hello.Encode()}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	reader := protocol.NewFrameReader(clientConn)
	frame, err := reader.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	result, err := protocol.DecodeAuthResult(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeAuthResult failed: %v", err)
	}
	if result.Accepted || result.Reason != protocol.ReasonVersionMismatch {
		t.Errorf("Expected version-mismatch rejection, got %+v", result)
	}

	if err := <-errCh; !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("Expected ErrVersionMismatch, got %v", err)
	}
}

func TestHandshakeProtocolViolation(t *testing.T) {
	arb := newTestArbitrator(t, 0)

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := arb.NewHandshake(serverConn).Run(ctx)
		errCh <- err
	}()

	// A Ping where Hello is expected is a violation.
	writer := protocol.NewFrameWriter(clientConn)
	if err := writer.Write(&protocol.Frame{
		Type:    protocol.FramePing,
		Payload: (&protocol.Ping{Timestamp: 1}).Encode(),
	}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	reader := protocol.NewFrameReader(clientConn)
	if _, err := reader.Read(); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if err := <-errCh; !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Expected ErrProtocolViolation, got %v", err)
	}
}

// chainAuthenticator needs a fixed number of rounds; round index rides in the
// first challenge byte.
type chainAuthenticator struct {
	kind   string
	rounds byte
}

func (a *chainAuthenticator) Kind() string { return a.kind }

func (a *chainAuthenticator) Challenge() ([]byte, error) {
	return []byte{1}, nil
}

func (a *chainAuthenticator) Verify(ctx context.Context, challenge, response []byte, hello *protocol.Hello) (*Principal, []byte, error) {
	round := challenge[0]
	if round >= a.rounds {
		return &Principal{Name: "chained", Kind: a.kind}, nil, nil
	}
	return nil, []byte{round + 1}, nil
}

// echoResponder answers every challenge with its own bytes.
type echoResponder struct{ kind string }

func (r *echoResponder) Kind() string { return r.kind }
func (r *echoResponder) Respond(challenge []byte) ([]byte, error) {
	return challenge, nil
}

func TestMultiRoundHandshake(t *testing.T) {
	chain := &chainAuthenticator{kind: "chain", rounds: 3}
	arb := NewArbitrator([]Authenticator{chain}, 4, 5*time.Second, nil)

	result, serverErr, clientResult, clientErr := runHandshake(t, arb, &protocol.Hello{}, &echoResponder{kind: "chain"})

	if serverErr != nil {
		t.Fatalf("Server handshake failed: %v", serverErr)
	}
	if clientErr != nil {
		t.Fatalf("Client handshake failed: %v", clientErr)
	}
	if !clientResult.Accepted {
		t.Error("Client should have been accepted")
	}
	if result.Principal.Name != "chained" {
		t.Errorf("Principal name = %q, want %q", result.Principal.Name, "chained")
	}
}

func TestRoundLimitExceeded(t *testing.T) {
	// Needs more rounds than the arbitrator allows.
	chain := &chainAuthenticator{kind: "chain", rounds: 10}
	arb := NewArbitrator([]Authenticator{chain}, 2, 5*time.Second, nil)

	_, serverErr, clientResult, clientErr := runHandshake(t, arb, &protocol.Hello{}, &echoResponder{kind: "chain"})

	if !errors.Is(serverErr, ErrNegotiationTimeout) {
		t.Errorf("Expected ErrNegotiationTimeout, got %v", serverErr)
	}
	if clientErr != nil {
		t.Fatalf("Client handshake failed: %v", clientErr)
	}
	if clientResult.Accepted {
		t.Error("Client should have been rejected")
	}
	if clientResult.Reason != protocol.ReasonNegotiationTimeout {
		t.Errorf("Reason = %d, want %d", clientResult.Reason, protocol.ReasonNegotiationTimeout)
	}
}

func TestVerifierAuthenticator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"allow":true,"principal":"external-id","scopes":["db-1"]}`))
	}))
	defer srv.Close()

	verifier, err := NewVerifierAuthenticator(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewVerifierAuthenticator failed: %v", err)
	}
	arb := NewArbitrator([]Authenticator{verifier}, 0, 5*time.Second, nil)

	result, serverErr, clientResult, clientErr := runHandshake(t, arb, &protocol.Hello{}, NewTokenResponder("opaque-token"))

	if serverErr != nil {
		t.Fatalf("Server handshake failed: %v", serverErr)
	}
	if clientErr != nil {
		t.Fatalf("Client handshake failed: %v", clientErr)
	}
	if !clientResult.Accepted {
		t.Error("Client should have been accepted")
	}
	if result.Principal.Name != "external-id" || result.Principal.Kind != VerifierKind {
		t.Errorf("Unexpected principal %+v", result.Principal)
	}
	if !result.Principal.AllowsService("db-1") {
		t.Error("Principal should be scoped for db-1")
	}
}

func TestVerifierAuthenticatorDeny(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"allow":false,"message":"token expired"}`))
	}))
	defer srv.Close()

	verifier, err := NewVerifierAuthenticator(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewVerifierAuthenticator failed: %v", err)
	}
	arb := NewArbitrator([]Authenticator{verifier}, 0, 5*time.Second, nil)

	_, serverErr, clientResult, clientErr := runHandshake(t, arb, &protocol.Hello{}, NewTokenResponder("stale-token"))

	if !errors.Is(serverErr, ErrRejected) {
		t.Errorf("Expected ErrRejected, got %v", serverErr)
	}
	if clientErr != nil {
		t.Fatalf("Client handshake failed: %v", clientErr)
	}
	if clientResult.Accepted {
		t.Error("Client should have been rejected")
	}
}

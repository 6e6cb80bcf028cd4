package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/burrownet/burrow/internal/protocol"
)

const (
	// VerifierKind is the authenticator kind tag for external verification.
	VerifierKind = "verifier"

	verifierChallengeSize  = 16
	defaultVerifierTimeout = 5 * time.Second
)

// VerifierAuthenticator delegates the accept/reject decision to an external
// HTTPS endpoint. The peer's response is an opaque token (for example a
// bearer credential) forwarded verbatim; the endpoint replies with the
// principal identity and granted scopes.
type VerifierAuthenticator struct {
	url    string
	client *http.Client
}

// NewVerifierAuthenticator creates an authenticator backed by the endpoint
// at url. A nil client gets a default with a short timeout.
func NewVerifierAuthenticator(url string, client *http.Client) (*VerifierAuthenticator, error) {
	if url == "" {
		return nil, fmt.Errorf("verifier authenticator requires an endpoint URL")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultVerifierTimeout}
	}
	return &VerifierAuthenticator{url: url, client: client}, nil
}

// Kind returns the authenticator kind tag.
func (a *VerifierAuthenticator) Kind() string {
	return VerifierKind
}

// Challenge returns a random nonce binding the response to this session.
func (a *VerifierAuthenticator) Challenge() ([]byte, error) {
	nonce := make([]byte, verifierChallengeSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return nonce, nil
}

// verifyRequest is the JSON body posted to the verification endpoint.
type verifyRequest struct {
	Challenge string   `json:"challenge"`
	Response  string   `json:"response"`
	Services  []string `json:"services,omitempty"`
}

// verifyReply is the endpoint's verdict.
type verifyReply struct {
	Allow     bool     `json:"allow"`
	Principal string   `json:"principal"`
	Scopes    []string `json:"scopes"`
	Message   string   `json:"message"`
}

// Verify posts the peer's token to the endpoint and maps its verdict to a
// Principal or a rejection.
func (a *VerifierAuthenticator) Verify(ctx context.Context, challenge, response []byte, hello *protocol.Hello) (*Principal, []byte, error) {
	body, err := json.Marshal(verifyRequest{
		Challenge: base64.StdEncoding.EncodeToString(challenge),
		Response:  base64.StdEncoding.EncodeToString(response),
		Services:  hello.Services,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("verifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("%w: verifier returned status %d", ErrRejected, resp.StatusCode)
	}

	var reply verifyReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, nil, fmt.Errorf("malformed verifier reply: %w", err)
	}

	if !reply.Allow {
		if reply.Message != "" {
			return nil, nil, fmt.Errorf("%w: %s", ErrRejected, reply.Message)
		}
		return nil, nil, ErrRejected
	}
	if reply.Principal == "" {
		return nil, nil, fmt.Errorf("verifier allowed but named no principal")
	}

	return &Principal{
		Name:   reply.Principal,
		Kind:   VerifierKind,
		Scopes: reply.Scopes,
	}, nil, nil
}

// TokenResponder is the client side of the verifier exchange: it presents a
// static opaque token regardless of the challenge.
type TokenResponder struct {
	token []byte
}

// NewTokenResponder wraps a credential token.
func NewTokenResponder(token string) *TokenResponder {
	return &TokenResponder{token: []byte(token)}
}

// Kind returns the authenticator kind tag.
func (r *TokenResponder) Kind() string {
	return VerifierKind
}

// Respond presents the token.
func (r *TokenResponder) Respond(challenge []byte) ([]byte, error) {
	return r.token, nil
}

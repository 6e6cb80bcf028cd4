package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/burrownet/burrow/internal/protocol"
)

const (
	// PSKKind is the authenticator kind tag for pre-shared keys.
	PSKKind = "psk"

	// pskInfo is the HKDF context string. Changing it invalidates every
	// deployed key.
	pskInfo = "burrow-psk-v1"

	pskChallengeSize = 32
	pskKeySize       = 32
)

// PSKCredential is one named pre-shared key with its granted scopes.
type PSKCredential struct {
	Name   string
	Secret string
	Scopes []string
}

// PSKAuthenticator authenticates peers by HMAC over a random challenge,
// keyed by HKDF-SHA256 of a pre-shared secret. Several credentials may be
// configured; the responder is identified by which key verifies.
type PSKAuthenticator struct {
	credentials []pskEntry
}

type pskEntry struct {
	name   string
	key    []byte
	scopes []string
}

// NewPSKAuthenticator derives per-credential MAC keys up front.
func NewPSKAuthenticator(credentials []PSKCredential) (*PSKAuthenticator, error) {
	if len(credentials) == 0 {
		return nil, fmt.Errorf("psk authenticator requires at least one credential")
	}

	entries := make([]pskEntry, 0, len(credentials))
	for _, c := range credentials {
		if c.Name == "" {
			return nil, fmt.Errorf("psk credential missing name")
		}
		if c.Secret == "" {
			return nil, fmt.Errorf("psk credential %q missing secret", c.Name)
		}
		key, err := derivePSKKey(c.Secret)
		if err != nil {
			return nil, fmt.Errorf("psk credential %q: %w", c.Name, err)
		}
		entries = append(entries, pskEntry{name: c.Name, key: key, scopes: c.Scopes})
	}

	return &PSKAuthenticator{credentials: entries}, nil
}

// Kind returns the authenticator kind tag.
func (a *PSKAuthenticator) Kind() string {
	return PSKKind
}

// Challenge returns a fresh random nonce.
func (a *PSKAuthenticator) Challenge() ([]byte, error) {
	nonce := make([]byte, pskChallengeSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return nonce, nil
}

// Verify checks the response MAC against every configured credential. The
// comparison is constant-time per credential.
func (a *PSKAuthenticator) Verify(ctx context.Context, challenge, response []byte, hello *protocol.Hello) (*Principal, []byte, error) {
	for _, entry := range a.credentials {
		expected := pskMAC(entry.key, challenge)
		if hmac.Equal(expected, response) {
			return &Principal{
				Name:   entry.name,
				Kind:   PSKKind,
				Scopes: entry.scopes,
			}, nil, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: no matching key", ErrRejected)
}

// PSKResponder is the client side of the PSK exchange.
type PSKResponder struct {
	key []byte
}

// NewPSKResponder derives the MAC key from the shared secret.
func NewPSKResponder(secret string) (*PSKResponder, error) {
	key, err := derivePSKKey(secret)
	if err != nil {
		return nil, err
	}
	return &PSKResponder{key: key}, nil
}

// Kind returns the authenticator kind tag.
func (r *PSKResponder) Kind() string {
	return PSKKind
}

// Respond answers a challenge with its MAC.
func (r *PSKResponder) Respond(challenge []byte) ([]byte, error) {
	return pskMAC(r.key, challenge), nil
}

// derivePSKKey stretches a shared secret into a MAC key with HKDF-SHA256.
func derivePSKKey(secret string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(pskInfo))
	key := make([]byte, pskKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

func pskMAC(key, challenge []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(challenge)
	return mac.Sum(nil)
}

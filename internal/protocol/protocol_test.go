package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFrameEncodeDecode(t *testing.T) {
	f := &Frame{
		Type:    FrameHello,
		Payload: []byte("hello payload"),
	}

	encoded, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Type != f.Type {
		t.Errorf("Type mismatch: got %d, want %d", decoded.Type, f.Type)
	}
	if !bytes.Equal(decoded.Payload, f.Payload) {
		t.Errorf("Payload mismatch: got %v, want %v", decoded.Payload, f.Payload)
	}
}

func TestFrameTooLarge(t *testing.T) {
	f := &Frame{
		Type:    FrameAuthResponse,
		Payload: make([]byte, MaxPayloadSize+1),
	}
	if _, err := f.Encode(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeHeaderOversized(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = FrameHello
	buf[1] = 0xFF
	buf[2] = 0xFF
	buf[3] = 0xFF
	buf[4] = 0xFF

	if _, _, err := DecodeHeader(buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 0x7F // not a defined frame type

	if _, _, err := DecodeHeader(buf); !errors.Is(err, ErrUnknownFrameType) {
		t.Errorf("Expected ErrUnknownFrameType, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	// Truncated header
	if _, err := Decode([]byte{FrameHello, 0}); !errors.Is(err, ErrInvalidFrame) {
		t.Error("Decode of truncated header should fail with ErrInvalidFrame")
	}

	// Header claims payload that isn't there
	f := &Frame{Type: FramePing, Payload: (&Ping{Timestamp: 42}).Encode()}
	encoded, _ := f.Encode()
	if _, err := Decode(encoded[:len(encoded)-3]); !errors.Is(err, ErrInvalidFrame) {
		t.Error("Decode of truncated payload should fail with ErrInvalidFrame")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	h := &Hello{
		Version:  ProtocolVersion,
		AuthKind: "psk",
		Services: []string{"db-1", "ssh-backend-7"},
	}

	decoded, err := DecodeHello(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHello failed: %v", err)
	}

	if decoded.Version != h.Version {
		t.Errorf("Version mismatch: got %d, want %d", decoded.Version, h.Version)
	}
	if decoded.AuthKind != h.AuthKind {
		t.Errorf("AuthKind mismatch: got %q, want %q", decoded.AuthKind, h.AuthKind)
	}
	if len(decoded.Services) != len(h.Services) {
		t.Fatalf("Services length mismatch: got %d, want %d", len(decoded.Services), len(h.Services))
	}
	for i := range h.Services {
		if decoded.Services[i] != h.Services[i] {
			t.Errorf("Service %d mismatch: got %q, want %q", i, decoded.Services[i], h.Services[i])
		}
	}
}

func TestHelloNoServices(t *testing.T) {
	h := &Hello{Version: ProtocolVersion, AuthKind: "anonymous"}
	decoded, err := DecodeHello(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHello failed: %v", err)
	}
	if len(decoded.Services) != 0 {
		t.Errorf("Expected no services, got %d", len(decoded.Services))
	}
}

func TestHelloTruncated(t *testing.T) {
	h := &Hello{Version: 1, AuthKind: "psk", Services: []string{"svc-x"}}
	encoded := h.Encode()
	for i := 1; i < len(encoded); i++ {
		if _, err := DecodeHello(encoded[:i]); err == nil {
			t.Errorf("DecodeHello should fail on %d-byte prefix", i)
		}
	}
}

func TestHelloOversizedFieldsTruncate(t *testing.T) {
	long := strings.Repeat("k", 300)
	services := make([]string, MaxServices+10)
	for i := range services {
		services[i] = "svc"
	}
	services[0] = long

	h := &Hello{Version: ProtocolVersion, AuthKind: long, Services: services}
	decoded, err := DecodeHello(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHello failed: %v", err)
	}

	if decoded.AuthKind != long[:255] {
		t.Errorf("AuthKind not truncated to 255 bytes, got %d", len(decoded.AuthKind))
	}
	if len(decoded.Services) != MaxServices {
		t.Errorf("Services not capped at %d, got %d", MaxServices, len(decoded.Services))
	}
	if decoded.Services[0] != long[:255] {
		t.Errorf("Service name not truncated to 255 bytes, got %d", len(decoded.Services[0]))
	}
}

func TestAuthChallengeResponseRoundTrip(t *testing.T) {
	c := &AuthChallenge{Data: []byte{0xde, 0xad, 0xbe, 0xef}}
	decodedC, err := DecodeAuthChallenge(c.Encode())
	if err != nil {
		t.Fatalf("DecodeAuthChallenge failed: %v", err)
	}
	if !bytes.Equal(decodedC.Data, c.Data) {
		t.Error("AuthChallenge data mismatch")
	}

	r := &AuthResponse{Data: []byte("response-token")}
	decodedR, err := DecodeAuthResponse(r.Encode())
	if err != nil {
		t.Fatalf("DecodeAuthResponse failed: %v", err)
	}
	if !bytes.Equal(decodedR.Data, r.Data) {
		t.Error("AuthResponse data mismatch")
	}
}

func TestAuthResultRoundTrip(t *testing.T) {
	a := &AuthResult{
		Accepted: false,
		Reason:   ReasonUnsupportedAuthenticator,
		Message:  "no authenticator for kind",
	}

	decoded, err := DecodeAuthResult(a.Encode())
	if err != nil {
		t.Fatalf("DecodeAuthResult failed: %v", err)
	}

	if decoded.Accepted != a.Accepted {
		t.Error("Accepted mismatch")
	}
	if decoded.Reason != a.Reason {
		t.Errorf("Reason mismatch: got %d, want %d", decoded.Reason, a.Reason)
	}
	if decoded.Message != a.Message {
		t.Errorf("Message mismatch: got %q, want %q", decoded.Message, a.Message)
	}
}

func TestStreamOpenRequestRoundTrip(t *testing.T) {
	req := &StreamOpenRequest{
		ServiceName: "db-1",
		Token:       0xCAFEBABE,
	}

	decoded, err := DecodeStreamOpenRequest(req.Encode())
	if err != nil {
		t.Fatalf("DecodeStreamOpenRequest failed: %v", err)
	}

	if decoded.ServiceName != req.ServiceName {
		t.Errorf("ServiceName mismatch: got %q, want %q", decoded.ServiceName, req.ServiceName)
	}
	if decoded.Token != req.Token {
		t.Errorf("Token mismatch: got %d, want %d", decoded.Token, req.Token)
	}
}

func TestStreamOpenRequestOversizedNameTruncates(t *testing.T) {
	long := strings.Repeat("n", 400)
	req := &StreamOpenRequest{ServiceName: long, Token: 9}

	decoded, err := DecodeStreamOpenRequest(req.Encode())
	if err != nil {
		t.Fatalf("DecodeStreamOpenRequest failed: %v", err)
	}
	if decoded.ServiceName != long[:255] {
		t.Errorf("ServiceName not truncated to 255 bytes, got %d", len(decoded.ServiceName))
	}
	if decoded.Token != req.Token {
		t.Errorf("Token mismatch: got %d, want %d", decoded.Token, req.Token)
	}
}

func TestStreamOpenResponseRoundTrip(t *testing.T) {
	resp := &StreamOpenResponse{
		Token:    7,
		Accepted: false,
		Reason:   ReasonNoSuchService,
		Message:  "no tunnel declares db-9",
	}

	decoded, err := DecodeStreamOpenResponse(resp.Encode())
	if err != nil {
		t.Fatalf("DecodeStreamOpenResponse failed: %v", err)
	}

	if decoded.Token != resp.Token || decoded.Accepted != resp.Accepted ||
		decoded.Reason != resp.Reason || decoded.Message != resp.Message {
		t.Errorf("Round-trip mismatch: got %+v, want %+v", decoded, resp)
	}
}

func TestGoawayRoundTrip(t *testing.T) {
	g := &Goaway{Reason: ReasonEvicted, Message: "service name reclaimed"}
	decoded, err := DecodeGoaway(g.Encode())
	if err != nil {
		t.Fatalf("DecodeGoaway failed: %v", err)
	}
	if decoded.Reason != g.Reason || decoded.Message != g.Message {
		t.Errorf("Round-trip mismatch: got %+v, want %+v", decoded, g)
	}
}

func TestFrameReaderWriter(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFrameWriter(&buf)
	reader := NewFrameReader(&buf)

	frames := []*Frame{
		{Type: FrameHello, Payload: (&Hello{Version: 1, AuthKind: "psk"}).Encode()},
		{Type: FrameAuthChallenge, Payload: (&AuthChallenge{Data: []byte{1, 2, 3}}).Encode()},
		{Type: FramePing, Payload: (&Ping{Timestamp: 99}).Encode()},
	}

	for _, f := range frames {
		if err := writer.Write(f); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	for i, want := range frames {
		got, err := reader.Read()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("Frame %d mismatch: got %s, want %s", i, got, want)
		}
	}

	if _, err := reader.Read(); err != io.EOF {
		t.Errorf("Expected EOF after last frame, got %v", err)
	}
}

func TestFrameReaderTruncatedStream(t *testing.T) {
	f := &Frame{Type: FrameAuthResult, Payload: (&AuthResult{Accepted: true}).Encode()}
	encoded, _ := f.Encode()

	reader := NewFrameReader(bytes.NewReader(encoded[:HeaderSize+1]))
	if _, err := reader.Read(); err == nil {
		t.Error("Read of truncated stream should fail")
	}
}

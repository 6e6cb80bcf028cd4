package identity

import (
	"strings"
	"testing"
)

func TestNewSessionID(t *testing.T) {
	id1, err := NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID failed: %v", err)
	}
	if id1.IsZero() {
		t.Error("Generated ID should not be zero")
	}

	id2, err := NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID failed: %v", err)
	}
	if id1 == id2 {
		t.Error("Two generated IDs should not collide")
	}
}

func TestParseSessionID(t *testing.T) {
	id, err := NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID failed: %v", err)
	}

	parsed, err := ParseSessionID(id.String())
	if err != nil {
		t.Fatalf("ParseSessionID failed: %v", err)
	}
	if parsed != id {
		t.Errorf("Round-trip mismatch: got %s, want %s", parsed, id)
	}

	// With 0x prefix and whitespace
	parsed, err = ParseSessionID("  0x" + id.String() + " ")
	if err != nil {
		t.Fatalf("ParseSessionID with prefix failed: %v", err)
	}
	if parsed != id {
		t.Errorf("Prefixed round-trip mismatch: got %s, want %s", parsed, id)
	}
}

func TestParseSessionID_Invalid(t *testing.T) {
	cases := []string{
		"",
		"abcd",
		strings.Repeat("z", IDSize*2),
		strings.Repeat("ab", IDSize+1),
	}
	for _, c := range cases {
		if _, err := ParseSessionID(c); err == nil {
			t.Errorf("ParseSessionID(%q) should fail", c)
		}
	}
}

func TestFromBytes(t *testing.T) {
	id, _ := NewSessionID()
	got, err := FromBytes(id.Bytes())
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}
	if got != id {
		t.Error("FromBytes round-trip mismatch")
	}

	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("FromBytes with short slice should fail")
	}
}

func TestShortString(t *testing.T) {
	id, _ := NewSessionID()
	short := id.ShortString()
	if len(short) != 8 {
		t.Errorf("ShortString length = %d, want 8", len(short))
	}
	if !strings.HasPrefix(id.String(), short) {
		t.Error("ShortString should be a prefix of String")
	}
}

func TestTextMarshalling(t *testing.T) {
	id, _ := NewSessionID()
	text, err := id.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}

	var decoded SessionID
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if decoded != id {
		t.Error("Text round-trip mismatch")
	}
}

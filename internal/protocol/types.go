// Package protocol defines the wire protocol spoken on Burrow logical streams.
//
// Every logical stream carries a short framed preamble before raw payload
// bytes begin flowing: the control stream carries the authentication
// handshake, and every service stream carries exactly one open-request /
// open-response exchange.
package protocol

// Frame type constants
const (
	// Handshake frames (control stream only)
	FrameHello         uint8 = 0x01 // Peer introduction and authenticator selection
	FrameAuthChallenge uint8 = 0x02 // Authenticator-issued challenge
	FrameAuthResponse  uint8 = 0x03 // Peer's answer to a challenge
	FrameAuthResult    uint8 = 0x04 // Terminal handshake verdict

	// Service stream frames
	FrameStreamOpenRequest  uint8 = 0x10 // Request to reach a named service
	FrameStreamOpenResponse uint8 = 0x11 // Accept/reject for an open request

	// Session control frames (control stream, post-authentication)
	FramePing   uint8 = 0x20 // Liveness probe
	FramePong   uint8 = 0x21 // Liveness response
	FrameGoaway uint8 = 0x22 // Broker is evicting or draining this session
)

// Reject reason codes carried in AUTH_RESULT and STREAM_OPEN_RESPONSE frames.
const (
	// Authentication reasons
	ReasonUnsupportedAuthenticator uint16 = 1
	ReasonRejected                 uint16 = 2
	ReasonNegotiationTimeout       uint16 = 3
	ReasonProtocolViolation        uint16 = 4
	ReasonVersionMismatch          uint16 = 5

	// Routing reasons
	ReasonNoSuchService     uint16 = 10
	ReasonForbidden         uint16 = 11
	ReasonTargetUnavailable uint16 = 12
	ReasonDraining          uint16 = 13

	// Goaway reasons
	ReasonEvicted  uint16 = 20
	ReasonShutdown uint16 = 21
)

// Protocol constants
const (
	// ProtocolVersion is the current protocol version
	ProtocolVersion uint16 = 1

	// HeaderSize is the size of a frame header in bytes:
	// Type [1 byte] + Length [4 bytes big-endian]
	HeaderSize = 5

	// MaxPayloadSize is the maximum frame payload size (16 KB).
	// Guards against unbounded buffering from a misbehaving peer.
	MaxPayloadSize = 16384

	// MaxFrameSize is the maximum total frame size
	MaxFrameSize = HeaderSize + MaxPayloadSize

	// MaxServices is the maximum number of service declarations in a HELLO
	MaxServices = 255
)

// FrameTypeName returns a human-readable name for a frame type.
func FrameTypeName(t uint8) string {
	switch t {
	case FrameHello:
		return "HELLO"
	case FrameAuthChallenge:
		return "AUTH_CHALLENGE"
	case FrameAuthResponse:
		return "AUTH_RESPONSE"
	case FrameAuthResult:
		return "AUTH_RESULT"
	case FrameStreamOpenRequest:
		return "STREAM_OPEN_REQUEST"
	case FrameStreamOpenResponse:
		return "STREAM_OPEN_RESPONSE"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameGoaway:
		return "GOAWAY"
	default:
		return "UNKNOWN"
	}
}

// ReasonName returns a human-readable name for a reject reason code.
func ReasonName(code uint16) string {
	switch code {
	case ReasonUnsupportedAuthenticator:
		return "UNSUPPORTED_AUTHENTICATOR"
	case ReasonRejected:
		return "REJECTED"
	case ReasonNegotiationTimeout:
		return "NEGOTIATION_TIMEOUT"
	case ReasonProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case ReasonVersionMismatch:
		return "VERSION_MISMATCH"
	case ReasonNoSuchService:
		return "NO_SUCH_SERVICE"
	case ReasonForbidden:
		return "FORBIDDEN"
	case ReasonTargetUnavailable:
		return "TARGET_UNAVAILABLE"
	case ReasonDraining:
		return "DRAINING"
	case ReasonEvicted:
		return "EVICTED"
	case ReasonShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// IsHandshakeFrame returns true if the frame type belongs to the
// authentication handshake.
func IsHandshakeFrame(t uint8) bool {
	return t >= FrameHello && t <= FrameAuthResult
}

// IsStreamFrame returns true if the frame type belongs to the service
// stream open exchange.
func IsStreamFrame(t uint8) bool {
	return t == FrameStreamOpenRequest || t == FrameStreamOpenResponse
}

// IsControlFrame returns true if the frame type is a post-handshake
// session control frame.
func IsControlFrame(t uint8) bool {
	return t >= FramePing && t <= FrameGoaway
}

// validFrameType reports whether t is a known frame type tag.
func validFrameType(t uint8) bool {
	return IsHandshakeFrame(t) || IsStreamFrame(t) || IsControlFrame(t)
}

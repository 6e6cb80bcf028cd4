package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrUnknownFrameType is returned for unrecognized frame type tags
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// Frame represents a wire protocol frame.
// Header format (5 bytes):
//
//	Type   [1 byte]  - Frame type
//	Length [4 bytes] - Payload length (big-endian)
type Frame struct {
	Type    uint8
	Payload []byte
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	if !validFrameType(f.Type) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, f.Type)
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// DecodeHeader decodes a frame header from bytes.
func DecodeHeader(buf []byte) (frameType uint8, length uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	frameType = buf[0]
	length = binary.BigEndian.Uint32(buf[1:5])

	if !validFrameType(frameType) {
		return 0, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, frameType)
	}
	if length > MaxPayloadSize {
		return 0, 0, ErrFrameTooLarge
	}

	return frameType, length, nil
}

// Decode deserializes a frame from bytes.
func Decode(buf []byte) (*Frame, error) {
	frameType, length, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}

	if len(buf) < HeaderSize+int(length) {
		return nil, fmt.Errorf("%w: buffer too short for payload", ErrInvalidFrame)
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:HeaderSize+length])

	return &Frame{
		Type:    frameType,
		Payload: payload,
	}, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, PayloadLen=%d}", FrameTypeName(f.Type), len(f.Payload))
}

// ============================================================================
// Payload structures
// ============================================================================

// Hello is the payload for HELLO frames. It is the first frame a peer sends
// on its control stream: protocol version, the authenticator kind it intends
// to negotiate with, and the service names it declares it can serve.
type Hello struct {
	Version  uint16
	AuthKind string
	Services []string
}

// Encode serializes Hello to bytes. Fields wider than their length prefix
// are truncated, matching the other variable-length payloads.
func (h *Hello) Encode() []byte {
	kind := h.AuthKind
	if len(kind) > 255 {
		kind = kind[:255]
	}
	services := h.Services
	if len(services) > MaxServices {
		services = services[:MaxServices]
	}

	size := 2 + 1 + len(kind) + 1
	for _, svc := range services {
		if len(svc) > 255 {
			svc = svc[:255]
		}
		size += 1 + len(svc)
	}

	buf := make([]byte, size)
	offset := 0

	binary.BigEndian.PutUint16(buf[offset:], h.Version)
	offset += 2

	buf[offset] = uint8(len(kind))
	offset++
	copy(buf[offset:], kind)
	offset += len(kind)

	buf[offset] = uint8(len(services))
	offset++

	for _, svc := range services {
		if len(svc) > 255 {
			svc = svc[:255]
		}
		buf[offset] = uint8(len(svc))
		offset++
		copy(buf[offset:], svc)
		offset += len(svc)
	}

	return buf
}

// DecodeHello deserializes Hello from bytes.
func DecodeHello(buf []byte) (*Hello, error) {
	if len(buf) < 4 { // version + kindLen + count
		return nil, fmt.Errorf("%w: Hello too short", ErrInvalidFrame)
	}

	h := &Hello{}
	offset := 0

	h.Version = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	kindLen := int(buf[offset])
	offset++
	if offset+kindLen > len(buf) {
		return nil, fmt.Errorf("%w: Hello authenticator kind truncated", ErrInvalidFrame)
	}
	h.AuthKind = string(buf[offset : offset+kindLen])
	offset += kindLen

	if offset >= len(buf) {
		return nil, fmt.Errorf("%w: Hello service count missing", ErrInvalidFrame)
	}
	count := int(buf[offset])
	offset++

	h.Services = make([]string, 0, count)
	for i := 0; i < count; i++ {
		if offset >= len(buf) {
			return nil, fmt.Errorf("%w: Hello services truncated", ErrInvalidFrame)
		}
		strLen := int(buf[offset])
		offset++
		if offset+strLen > len(buf) {
			return nil, fmt.Errorf("%w: Hello service name truncated", ErrInvalidFrame)
		}
		h.Services = append(h.Services, string(buf[offset:offset+strLen]))
		offset += strLen
	}

	return h, nil
}

// AuthChallenge is the payload for AUTH_CHALLENGE frames. The bytes are
// opaque to the codec; their meaning belongs to the selected authenticator.
type AuthChallenge struct {
	Data []byte
}

// Encode serializes AuthChallenge to bytes.
func (a *AuthChallenge) Encode() []byte {
	buf := make([]byte, 2+len(a.Data))
	binary.BigEndian.PutUint16(buf, uint16(len(a.Data)))
	copy(buf[2:], a.Data)
	return buf
}

// DecodeAuthChallenge deserializes AuthChallenge from bytes.
func DecodeAuthChallenge(buf []byte) (*AuthChallenge, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: AuthChallenge too short", ErrInvalidFrame)
	}
	dataLen := int(binary.BigEndian.Uint16(buf))
	if 2+dataLen > len(buf) {
		return nil, fmt.Errorf("%w: AuthChallenge data truncated", ErrInvalidFrame)
	}
	data := make([]byte, dataLen)
	copy(data, buf[2:2+dataLen])
	return &AuthChallenge{Data: data}, nil
}

// AuthResponse is the payload for AUTH_RESPONSE frames.
type AuthResponse struct {
	Data []byte
}

// Encode serializes AuthResponse to bytes.
func (a *AuthResponse) Encode() []byte {
	buf := make([]byte, 2+len(a.Data))
	binary.BigEndian.PutUint16(buf, uint16(len(a.Data)))
	copy(buf[2:], a.Data)
	return buf
}

// DecodeAuthResponse deserializes AuthResponse from bytes.
func DecodeAuthResponse(buf []byte) (*AuthResponse, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: AuthResponse too short", ErrInvalidFrame)
	}
	dataLen := int(binary.BigEndian.Uint16(buf))
	if 2+dataLen > len(buf) {
		return nil, fmt.Errorf("%w: AuthResponse data truncated", ErrInvalidFrame)
	}
	data := make([]byte, dataLen)
	copy(data, buf[2:2+dataLen])
	return &AuthResponse{Data: data}, nil
}

// AuthResult is the payload for AUTH_RESULT frames. It is terminal: after a
// rejection the session closes and no retry happens on the same session.
type AuthResult struct {
	Accepted bool
	Reason   uint16
	Message  string
}

// Encode serializes AuthResult to bytes.
func (a *AuthResult) Encode() []byte {
	msg := []byte(a.Message)
	if len(msg) > 255 {
		msg = msg[:255]
	}

	buf := make([]byte, 1+2+1+len(msg))
	offset := 0

	if a.Accepted {
		buf[offset] = 1
	}
	offset++

	binary.BigEndian.PutUint16(buf[offset:], a.Reason)
	offset += 2

	buf[offset] = uint8(len(msg))
	offset++
	copy(buf[offset:], msg)

	return buf
}

// DecodeAuthResult deserializes AuthResult from bytes.
func DecodeAuthResult(buf []byte) (*AuthResult, error) {
	if len(buf) < 4 { // accepted + reason + msgLen
		return nil, fmt.Errorf("%w: AuthResult too short", ErrInvalidFrame)
	}

	a := &AuthResult{}
	offset := 0

	a.Accepted = buf[offset] == 1
	offset++

	a.Reason = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	msgLen := int(buf[offset])
	offset++
	if offset+msgLen > len(buf) {
		return nil, fmt.Errorf("%w: AuthResult message truncated", ErrInvalidFrame)
	}
	a.Message = string(buf[offset : offset+msgLen])

	return a, nil
}

// StreamOpenRequest is the payload for STREAM_OPEN_REQUEST frames. It is the
// first and only control frame on a service stream; raw payload bytes follow
// the broker's STREAM_OPEN_RESPONSE.
type StreamOpenRequest struct {
	ServiceName string
	Token       uint64 // correlation token, echoed in the response
}

// Encode serializes StreamOpenRequest to bytes. A service name longer than
// its one-byte length prefix allows is truncated.
func (s *StreamOpenRequest) Encode() []byte {
	name := s.ServiceName
	if len(name) > 255 {
		name = name[:255]
	}

	buf := make([]byte, 8+1+len(name))
	offset := 0

	binary.BigEndian.PutUint64(buf[offset:], s.Token)
	offset += 8

	buf[offset] = uint8(len(name))
	offset++
	copy(buf[offset:], name)

	return buf
}

// DecodeStreamOpenRequest deserializes StreamOpenRequest from bytes.
func DecodeStreamOpenRequest(buf []byte) (*StreamOpenRequest, error) {
	if len(buf) < 9 { // token + nameLen
		return nil, fmt.Errorf("%w: StreamOpenRequest too short", ErrInvalidFrame)
	}

	s := &StreamOpenRequest{}
	offset := 0

	s.Token = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	nameLen := int(buf[offset])
	offset++
	if offset+nameLen > len(buf) {
		return nil, fmt.Errorf("%w: StreamOpenRequest service name truncated", ErrInvalidFrame)
	}
	s.ServiceName = string(buf[offset : offset+nameLen])

	return s, nil
}

// StreamOpenResponse is the payload for STREAM_OPEN_RESPONSE frames.
type StreamOpenResponse struct {
	Token    uint64
	Accepted bool
	Reason   uint16
	Message  string
}

// Encode serializes StreamOpenResponse to bytes.
func (s *StreamOpenResponse) Encode() []byte {
	msg := []byte(s.Message)
	if len(msg) > 255 {
		msg = msg[:255]
	}

	buf := make([]byte, 8+1+2+1+len(msg))
	offset := 0

	binary.BigEndian.PutUint64(buf[offset:], s.Token)
	offset += 8

	if s.Accepted {
		buf[offset] = 1
	}
	offset++

	binary.BigEndian.PutUint16(buf[offset:], s.Reason)
	offset += 2

	buf[offset] = uint8(len(msg))
	offset++
	copy(buf[offset:], msg)

	return buf
}

// DecodeStreamOpenResponse deserializes StreamOpenResponse from bytes.
func DecodeStreamOpenResponse(buf []byte) (*StreamOpenResponse, error) {
	if len(buf) < 12 { // token + accepted + reason + msgLen
		return nil, fmt.Errorf("%w: StreamOpenResponse too short", ErrInvalidFrame)
	}

	s := &StreamOpenResponse{}
	offset := 0

	s.Token = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	s.Accepted = buf[offset] == 1
	offset++

	s.Reason = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	msgLen := int(buf[offset])
	offset++
	if offset+msgLen > len(buf) {
		return nil, fmt.Errorf("%w: StreamOpenResponse message truncated", ErrInvalidFrame)
	}
	s.Message = string(buf[offset : offset+msgLen])

	return s, nil
}

// Ping is the payload for PING and PONG frames.
type Ping struct {
	Timestamp uint64
}

// Encode serializes Ping to bytes.
func (p *Ping) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, p.Timestamp)
	return buf
}

// DecodePing deserializes Ping from bytes.
func DecodePing(buf []byte) (*Ping, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: Ping too short", ErrInvalidFrame)
	}
	return &Ping{Timestamp: binary.BigEndian.Uint64(buf)}, nil
}

// Goaway is the payload for GOAWAY frames. The broker sends it on the control
// stream before draining a session, so the peer can reconnect cleanly.
type Goaway struct {
	Reason  uint16
	Message string
}

// Encode serializes Goaway to bytes.
func (g *Goaway) Encode() []byte {
	msg := []byte(g.Message)
	if len(msg) > 255 {
		msg = msg[:255]
	}

	buf := make([]byte, 2+1+len(msg))
	binary.BigEndian.PutUint16(buf, g.Reason)
	buf[2] = uint8(len(msg))
	copy(buf[3:], msg)
	return buf
}

// DecodeGoaway deserializes Goaway from bytes.
func DecodeGoaway(buf []byte) (*Goaway, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("%w: Goaway too short", ErrInvalidFrame)
	}
	g := &Goaway{}
	g.Reason = binary.BigEndian.Uint16(buf)
	msgLen := int(buf[2])
	if 3+msgLen > len(buf) {
		return nil, fmt.Errorf("%w: Goaway message truncated", ErrInvalidFrame)
	}
	g.Message = string(buf[3 : 3+msgLen])
	return g, nil
}

// ============================================================================
// Frame Reader/Writer
// ============================================================================

// FrameReader reads frames from an io.Reader.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads the next frame.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	frameType, length, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{
		Type:    frameType,
		Payload: payload,
	}, nil
}

// FrameWriter writes frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a frame.
func (fw *FrameWriter) Write(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// WriteFrame is a convenience method to write a frame with the given parameters.
func (fw *FrameWriter) WriteFrame(frameType uint8, payload []byte) error {
	return fw.Write(&Frame{
		Type:    frameType,
		Payload: payload,
	})
}

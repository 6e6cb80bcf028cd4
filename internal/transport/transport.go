// Package transport provides the secure-transport adapter for Burrow.
//
// The broker never interprets payload bytes at this layer; it only needs
// session accept, stream accept, and stream open as cancellable operations
// returning opaque duplex byte channels.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// Kind identifies the transport protocol.
type Kind string

const (
	KindQUIC      Kind = "quic"
	KindWebSocket Kind = "ws"
)

// Transport creates and accepts tunnel sessions.
type Transport interface {
	// Dial connects to a remote broker or peer.
	Dial(ctx context.Context, addr string, opts DialOptions) (SessionConn, error)

	// Listen creates a listener for incoming sessions.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Kind returns the transport kind identifier.
	Kind() Kind

	// Close shuts down the transport.
	Close() error
}

// Listener accepts incoming tunnel sessions.
type Listener interface {
	// Accept waits for and returns the next session.
	Accept(ctx context.Context) (SessionConn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// SessionConn is one physical secure-transport connection to a peer,
// multiplexing many logical streams.
type SessionConn interface {
	// OpenStream creates a new outgoing logical stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for an incoming logical stream. Returns a
	// terminal error once the session is closed.
	AcceptStream(ctx context.Context) (Stream, error)

	// Close terminates the session and every stream multiplexed on it.
	Close() error

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote address.
	RemoteAddr() net.Addr

	// IsDialer returns true if this side initiated the session.
	IsDialer() bool

	// Kind returns the transport protocol kind.
	Kind() Kind
}

// Stream is a bidirectional byte channel with half-close support.
type Stream interface {
	io.Reader
	io.Writer

	// StreamID returns the stream identifier, unique within its session.
	StreamID() uint64

	// CloseWrite sends a half-close (FIN), signalling done sending.
	CloseWrite() error

	// Close fully closes the stream in both directions.
	Close() error

	// SetDeadline sets read and write deadlines.
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// DialOptions contains options for dialing.
type DialOptions struct {
	// TLSConfig is the TLS configuration for the connection.
	TLSConfig *tls.Config

	// InsecureSkipVerify skips certificate verification when no TLS config
	// is supplied. Development use only.
	InsecureSkipVerify bool

	// Timeout is the connection timeout.
	Timeout time.Duration
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is the TLS configuration for the listener. Required.
	TLSConfig *tls.Config

	// Path is the HTTP upgrade path (WebSocket transport only).
	Path string

	// MaxStreams is the maximum number of concurrent streams per session.
	MaxStreams int
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout: 30 * time.Second,
	}
}

// DefaultListenOptions returns ListenOptions with sensible defaults.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{
		MaxStreams: 10000,
	}
}

// StreamIDAllocator allocates stream IDs avoiding collisions between the
// two sides of a session:
//   - Dialers use odd IDs (1, 3, 5, ...)
//   - Listeners use even IDs (2, 4, 6, ...)
type StreamIDAllocator struct {
	next     atomic.Uint64
	isDialer bool
}

// NewStreamIDAllocator creates a new allocator.
func NewStreamIDAllocator(isDialer bool) *StreamIDAllocator {
	start := uint64(2) // even for listener
	if isDialer {
		start = 1 // odd for dialer
	}
	a := &StreamIDAllocator{isDialer: isDialer}
	a.next.Store(start)
	return a
}

// Next returns the next available stream ID.
// Safe for concurrent use.
func (a *StreamIDAllocator) Next() uint64 {
	return a.next.Add(2) - 2
}

// IsDialer returns true if this allocator is for a dialer.
func (a *StreamIDAllocator) IsDialer() bool {
	return a.isDialer
}

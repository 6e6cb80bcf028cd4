package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// WebSocket transport constants
const (
	wsDefaultPath      = "/tunnel"
	wsDefaultReadLimit = 16 * 1024 * 1024 // 16 MB max message size

	// wsmux record header: Kind [1] + StreamID [8] + Length [4]
	wsmuxHeaderSize = 13

	// wsmuxMaxPayload caps a single DATA record; larger writes are chunked.
	wsmuxMaxPayload = 32 * 1024

	wsmuxAcceptBacklog = 64
	wsmuxReadBacklog   = 64
)

// wsmux record kinds. WebSocket has no native stream multiplexing, so
// logical streams are carried as records over one connection: OPEN announces
// a new stream, DATA carries payload, FIN half-closes the sender's write
// side, RESET aborts.
const (
	wsmuxOpen  uint8 = 0x01
	wsmuxData  uint8 = 0x02
	wsmuxFin   uint8 = 0x03
	wsmuxReset uint8 = 0x04
)

// WSTransport implements Transport over WebSocket for networks where UDP
// (and therefore QUIC) is blocked.
type WSTransport struct {
	mu        sync.Mutex
	listeners []*WSListener
	closed    bool
}

// NewWSTransport creates a new WebSocket transport.
func NewWSTransport() *WSTransport {
	return &WSTransport{}
}

// Kind returns the transport kind.
func (t *WSTransport) Kind() Kind {
	return KindWebSocket
}

// Dial connects to a remote broker using WebSocket.
func (t *WSTransport) Dial(ctx context.Context, addr string, opts DialOptions) (SessionConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	wsURL := addr
	if len(addr) < 5 || (addr[:5] != "ws://" && addr[:6] != "wss://") {
		wsURL = fmt.Sprintf("wss://%s%s", addr, wsDefaultPath)
	}

	tlsConfig, err := prepareTLSConfigForDial(opts.TLSConfig, opts.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}
	// ALPN is meaningless under an HTTP upgrade
	tlsConfig.NextProtos = nil

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   opts.Timeout,
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{ALPNProtocol},
		HTTPClient:   httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	return newWSSessionConn(conn, true), nil
}

// Listen creates a WebSocket listener.
func (t *WSTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for WebSocket listener")
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	listener := &WSListener{
		addr:      addr,
		path:      path,
		tlsConfig: opts.TLSConfig,
		connCh:    make(chan *WSSessionConn, 16),
		closeCh:   make(chan struct{}),
	}

	if err := listener.start(); err != nil {
		return nil, err
	}

	t.listeners = append(t.listeners, listener)
	return listener, nil
}

// Close shuts down the transport and all listeners.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil

	return lastErr
}

// WSListener implements Listener for WebSocket.
type WSListener struct {
	addr      string
	path      string
	tlsConfig *tls.Config
	server    *http.Server
	netLn     net.Listener
	connCh    chan *WSSessionConn
	closeCh   chan struct{}
	closed    atomic.Bool
}

// start initializes the HTTP server.
func (l *WSListener) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleUpgrade)

	l.server = &http.Server{
		Addr:      l.addr,
		Handler:   mux,
		TLSConfig: l.tlsConfig,
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	l.netLn = ln

	go l.server.ServeTLS(ln, "", "")

	return nil
}

// handleUpgrade handles incoming WebSocket upgrade requests.
func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{ALPNProtocol},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	sess := newWSSessionConn(conn, false)
	sess.remoteAddr = strAddr(r.RemoteAddr)

	select {
	case l.connCh <- sess:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for and returns the next WebSocket session.
func (l *WSListener) Accept(ctx context.Context) (SessionConn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	}
}

// Addr returns the listener's address.
func (l *WSListener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

// Close stops the listener.
func (l *WSListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if l.server != nil {
		return l.server.Shutdown(ctx)
	}
	return nil
}

// strAddr is a net.Addr for addresses only known as strings.
type strAddr string

func (a strAddr) Network() string { return "ws" }
func (a strAddr) String() string  { return string(a) }

// WSSessionConn implements SessionConn over a single WebSocket connection by
// multiplexing logical streams as wsmux records.
type WSSessionConn struct {
	conn     *websocket.Conn
	isDialer bool

	alloc   *StreamIDAllocator
	writeMu sync.Mutex

	mu       sync.Mutex
	streams  map[uint64]*WSStream
	acceptCh chan *WSStream

	remoteAddr net.Addr

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// newWSSessionConn wraps a websocket connection and starts its read loop.
func newWSSessionConn(conn *websocket.Conn, isDialer bool) *WSSessionConn {
	c := &WSSessionConn{
		conn:     conn,
		isDialer: isDialer,
		alloc:    NewStreamIDAllocator(isDialer),
		streams:  make(map[uint64]*WSStream),
		acceptCh: make(chan *WSStream, wsmuxAcceptBacklog),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// OpenStream creates a new outgoing logical stream.
func (c *WSSessionConn) OpenStream(ctx context.Context) (Stream, error) {
	select {
	case <-c.closed:
		return nil, fmt.Errorf("session closed")
	default:
	}

	id := c.alloc.Next()
	s := newWSStream(c, id)

	c.mu.Lock()
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.writeRecord(wsmuxOpen, id, nil); err != nil {
		c.removeStream(id)
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	return s, nil
}

// AcceptStream waits for an incoming logical stream.
func (c *WSSessionConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.acceptCh:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		return nil, fmt.Errorf("session closed")
	}
}

// Close terminates the session and every stream multiplexed on it.
func (c *WSSessionConn) Close() error {
	return c.closeWithError(nil)
}

func (c *WSSessionConn) closeWithError(err error) error {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)

		c.mu.Lock()
		streams := make([]*WSStream, 0, len(c.streams))
		for _, s := range c.streams {
			streams = append(streams, s)
		}
		c.streams = make(map[uint64]*WSStream)
		c.mu.Unlock()

		for _, s := range streams {
			s.closeLocal()
		}

		c.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// LocalAddr returns the local address (not exposed by the WebSocket layer).
func (c *WSSessionConn) LocalAddr() net.Addr {
	return nil
}

// RemoteAddr returns the remote address when known.
func (c *WSSessionConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// IsDialer returns true if this side initiated the session.
func (c *WSSessionConn) IsDialer() bool {
	return c.isDialer
}

// Kind returns the transport protocol kind.
func (c *WSSessionConn) Kind() Kind {
	return KindWebSocket
}

// writeRecord sends one wsmux record as a single binary message.
func (c *WSSessionConn) writeRecord(kind uint8, streamID uint64, payload []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("session closed")
	default:
	}

	buf := make([]byte, wsmuxHeaderSize+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint64(buf[1:9], streamID)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(payload)))
	copy(buf[wsmuxHeaderSize:], payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(context.Background(), websocket.MessageBinary, buf)
}

// readLoop reads wsmux records and dispatches them to streams until the
// connection fails or closes.
func (c *WSSessionConn) readLoop() {
	for {
		msgType, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.closeWithError(err)
			return
		}
		if msgType != websocket.MessageBinary || len(data) < wsmuxHeaderSize {
			c.closeWithError(fmt.Errorf("malformed wsmux record"))
			return
		}

		kind := data[0]
		streamID := binary.BigEndian.Uint64(data[1:9])
		length := binary.BigEndian.Uint32(data[9:13])
		if int(length) != len(data)-wsmuxHeaderSize {
			c.closeWithError(fmt.Errorf("wsmux record length mismatch"))
			return
		}
		payload := data[wsmuxHeaderSize:]

		switch kind {
		case wsmuxOpen:
			s := newWSStream(c, streamID)
			c.mu.Lock()
			c.streams[streamID] = s
			c.mu.Unlock()
			select {
			case c.acceptCh <- s:
			default:
				// Accept backlog full; refuse the stream rather than block
				// the whole session's read loop.
				c.removeStream(streamID)
				c.writeRecord(wsmuxReset, streamID, nil)
			}

		case wsmuxData:
			c.mu.Lock()
			s := c.streams[streamID]
			c.mu.Unlock()
			if s == nil {
				continue // stream already closed locally
			}
			s.pushData(append([]byte(nil), payload...))

		case wsmuxFin:
			c.mu.Lock()
			s := c.streams[streamID]
			c.mu.Unlock()
			if s != nil {
				s.handleRemoteFin()
			}

		case wsmuxReset:
			c.mu.Lock()
			s := c.streams[streamID]
			c.mu.Unlock()
			if s != nil {
				c.removeStream(streamID)
				s.closeLocal()
			}

		default:
			c.closeWithError(fmt.Errorf("unknown wsmux record kind 0x%02x", kind))
			return
		}
	}
}

// removeStream unregisters a stream from the session.
func (c *WSSessionConn) removeStream(id uint64) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// WSStream implements Stream for one logical stream on a WSSessionConn.
type WSStream struct {
	parent *WSSessionConn
	id     uint64

	readCh    chan []byte
	pending   []byte
	remoteFin chan struct{}
	finOnce   sync.Once

	localFin atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}

	readDeadline  atomic.Int64 // unix nanos, 0 = none
	writeDeadline atomic.Int64
}

func newWSStream(parent *WSSessionConn, id uint64) *WSStream {
	return &WSStream{
		parent:    parent,
		id:        id,
		readCh:    make(chan []byte, wsmuxReadBacklog),
		remoteFin: make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// StreamID returns the stream identifier.
func (s *WSStream) StreamID() uint64 {
	return s.id
}

// pushData delivers one DATA record's payload to readers.
func (s *WSStream) pushData(data []byte) {
	select {
	case s.readCh <- data:
	case <-s.closed:
	}
}

// handleRemoteFin signals that the remote side is done writing.
func (s *WSStream) handleRemoteFin() {
	s.finOnce.Do(func() { close(s.remoteFin) })
}

// Read reads data from the stream. Buffered data is served before EOF on
// remote half-close or stream close.
func (s *WSStream) Read(p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}

	var timeout <-chan time.Time
	if dl := s.readDeadline.Load(); dl != 0 {
		remaining := time.Until(time.Unix(0, dl))
		if remaining <= 0 {
			return 0, errDeadlineExceeded{}
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		timeout = timer.C
	}

	// Drain buffered data before reporting EOF.
	select {
	case data := <-s.readCh:
		n := copy(p, data)
		s.pending = data[n:]
		return n, nil
	default:
	}

	select {
	case data := <-s.readCh:
		n := copy(p, data)
		s.pending = data[n:]
		return n, nil
	case <-s.remoteFin:
		select {
		case data := <-s.readCh:
			n := copy(p, data)
			s.pending = data[n:]
			return n, nil
		default:
			return 0, io.EOF
		}
	case <-s.closed:
		return 0, io.EOF
	case <-timeout:
		return 0, errDeadlineExceeded{}
	}
}

// Write writes data to the stream, chunked into wsmux DATA records.
func (s *WSStream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, fmt.Errorf("stream closed")
	default:
	}
	if s.localFin.Load() {
		return 0, fmt.Errorf("write after CloseWrite")
	}
	if dl := s.writeDeadline.Load(); dl != 0 && time.Now().UnixNano() > dl {
		return 0, errDeadlineExceeded{}
	}

	written := 0
	for written < len(p) {
		end := written + wsmuxMaxPayload
		if end > len(p) {
			end = len(p)
		}
		if err := s.parent.writeRecord(wsmuxData, s.id, p[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// CloseWrite sends a half-close (FIN), signalling done sending.
func (s *WSStream) CloseWrite() error {
	if s.localFin.Swap(true) {
		return nil
	}
	return s.parent.writeRecord(wsmuxFin, s.id, nil)
}

// Close fully closes the stream in both directions.
func (s *WSStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.parent.writeRecord(wsmuxReset, s.id, nil)
		s.parent.removeStream(s.id)
		close(s.closed)
	})
	return err
}

// closeLocal closes the stream without notifying the remote, used when the
// session itself is going away or the remote already reset.
func (s *WSStream) closeLocal() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// SetDeadline sets read and write deadlines.
func (s *WSStream) SetDeadline(t time.Time) error {
	s.SetReadDeadline(t)
	s.SetWriteDeadline(t)
	return nil
}

// SetReadDeadline sets the read deadline.
func (s *WSStream) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		s.readDeadline.Store(0)
	} else {
		s.readDeadline.Store(t.UnixNano())
	}
	return nil
}

// SetWriteDeadline sets the write deadline.
func (s *WSStream) SetWriteDeadline(t time.Time) error {
	if t.IsZero() {
		s.writeDeadline.Store(0)
	} else {
		s.writeDeadline.Store(t.UnixNano())
	}
	return nil
}

// errDeadlineExceeded matches the net package's timeout error contract.
type errDeadlineExceeded struct{}

func (errDeadlineExceeded) Error() string   { return "deadline exceeded" }
func (errDeadlineExceeded) Timeout() bool   { return true }
func (errDeadlineExceeded) Temporary() bool { return true }

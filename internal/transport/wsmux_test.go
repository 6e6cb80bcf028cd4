package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// wsSessionPair establishes a dialer/listener WSSessionConn pair over an
// in-process HTTP server.
func wsSessionPair(t *testing.T) (dialer, listener *WSSessionConn) {
	t.Helper()

	acceptCh := make(chan *WSSessionConn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(wsDefaultReadLimit)
		acceptCh <- newWSSessionConn(conn, false)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	conn.SetReadLimit(wsDefaultReadLimit)
	dialer = newWSSessionConn(conn, true)

	select {
	case listener = <-acceptCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server-side session")
	}

	t.Cleanup(func() {
		dialer.Close()
		listener.Close()
	})

	return dialer, listener
}

func TestWSMuxOpenAccept(t *testing.T) {
	dialer, listener := wsSessionPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := dialer.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if out.StreamID()%2 != 1 {
		t.Errorf("Dialer stream got even ID %d", out.StreamID())
	}

	in, err := listener.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream failed: %v", err)
	}
	if in.StreamID() != out.StreamID() {
		t.Errorf("Stream ID mismatch: accepted %d, opened %d", in.StreamID(), out.StreamID())
	}
}

func TestWSMuxDataBothDirections(t *testing.T) {
	dialer, listener := wsSessionPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := dialer.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	in, err := listener.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream failed: %v", err)
	}

	if _, err := out.Write([]byte("ping from dialer")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 64)
	n, err := in.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != "ping from dialer" {
		t.Errorf("Got %q, want %q", buf[:n], "ping from dialer")
	}

	if _, err := in.Write([]byte("pong from listener")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	n, err = out.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != "pong from listener" {
		t.Errorf("Got %q, want %q", buf[:n], "pong from listener")
	}
}

func TestWSMuxLargeWriteChunked(t *testing.T) {
	dialer, listener := wsSessionPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := dialer.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	in, err := listener.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream failed: %v", err)
	}

	// Larger than one DATA record so the write is split.
	payload := make([]byte, wsmuxMaxPayload*3+17)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	errCh := make(chan error, 1)
	go func() {
		if _, err := out.Write(payload); err != nil {
			errCh <- err
			return
		}
		errCh <- out.CloseWrite()
	}()

	got, err := io.ReadAll(in)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Write side failed: %v", err)
	}

	if len(got) != len(payload) {
		t.Fatalf("Length mismatch: got %d, want %d", len(got), len(payload))
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("Byte %d mismatch: got %d, want %d", i, got[i], payload[i])
		}
	}
}

func TestWSMuxHalfClose(t *testing.T) {
	dialer, listener := wsSessionPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := dialer.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	in, err := listener.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream failed: %v", err)
	}

	if _, err := out.Write([]byte("last words")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := out.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %v", err)
	}

	got, err := io.ReadAll(in)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "last words" {
		t.Errorf("Got %q, want %q", got, "last words")
	}

	// Write after CloseWrite must fail on the closed side only.
	if _, err := out.Write([]byte("more")); err == nil {
		t.Error("Write after CloseWrite should fail")
	}

	// The other direction stays open.
	if _, err := in.Write([]byte("reply")); err != nil {
		t.Errorf("Reverse write after half-close failed: %v", err)
	}
	buf := make([]byte, 16)
	n, err := out.Read(buf)
	if err != nil {
		t.Fatalf("Read after half-close failed: %v", err)
	}
	if string(buf[:n]) != "reply" {
		t.Errorf("Got %q, want %q", buf[:n], "reply")
	}
}

func TestWSMuxReset(t *testing.T) {
	dialer, listener := wsSessionPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := dialer.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	in, err := listener.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream failed: %v", err)
	}

	if err := out.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reader on the other side must unblock.
	deadline := time.Now().Add(5 * time.Second)
	in.SetReadDeadline(deadline)
	buf := make([]byte, 16)
	if _, err := in.Read(buf); err != io.EOF {
		t.Errorf("Expected EOF after remote reset, got %v", err)
	}
}

func TestWSMuxSessionCloseUnblocksAccept(t *testing.T) {
	dialer, listener := wsSessionPair(t)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := listener.AcceptStream(ctx)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	dialer.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Expected error from AcceptStream after session close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AcceptStream did not unblock after session close")
	}
}

func TestWSMuxReadDeadline(t *testing.T) {
	dialer, _ := wsSessionPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := dialer.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	out.SetReadDeadline(time.Now().Add(50 * time.Millisecond))

	buf := make([]byte, 16)
	_, err = out.Read(buf)
	if err == nil {
		t.Fatal("Expected deadline error")
	}
	te, ok := err.(interface{ Timeout() bool })
	if !ok || !te.Timeout() {
		t.Errorf("Expected timeout error, got %v", err)
	}
}

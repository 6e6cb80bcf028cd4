// Package router arbitrates which tunnel services each inbound stream-open
// request and bridges the two byte streams once a route is established.
package router

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/burrownet/burrow/internal/logging"
	"github.com/burrownet/burrow/internal/protocol"
	"github.com/burrownet/burrow/internal/registry"
	"github.com/burrownet/burrow/internal/session"
	"github.com/burrownet/burrow/internal/transport"
)

// DefaultOpenTimeout bounds the wait for the serving side's
// StreamOpenResponse.
const DefaultOpenTimeout = 10 * time.Second

// Events are route observability hooks. Optional; invoked from route tasks.
type Events struct {
	OnRouteOpened func(service string)
	OnRouteClosed func(service string, duration time.Duration, sent, received int64)
	OnRejected    func(service string, reason uint16)
}

// Router resolves service names against the registry and bridges accepted
// routes. It implements session.StreamDispatcher.
type Router struct {
	registry    *registry.Registry
	openTimeout time.Duration
	events      Events
	logger      *slog.Logger
}

// New creates a router over the given registry.
func New(reg *registry.Registry, openTimeout time.Duration, events Events, logger *slog.Logger) *Router {
	if openTimeout <= 0 {
		openTimeout = DefaultOpenTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:    reg,
		openTimeout: openTimeout,
		events:      events,
		logger:      logger,
	}
}

// Dispatch handles one stream-open request end to end: resolve, authorize,
// open the serving stream, then bridge. Rejections answer the requesting
// stream only; they never affect the session or the registry.
func (r *Router) Dispatch(ctx context.Context, req *session.OpenRequest) {
	entry, ok := r.registry.LookupByService(req.Service)
	if !ok {
		r.reject(req, protocol.ReasonNoSuchService,
			fmt.Sprintf("no tunnel declares %q", req.Service))
		return
	}

	if !req.Principal.AllowsService(req.Service) {
		r.reject(req, protocol.ReasonForbidden,
			fmt.Sprintf("principal %q may not reach %q", req.Principal.Name, req.Service))
		return
	}

	serving, err := r.openServingStream(ctx, entry, req)
	if err != nil {
		r.logger.Debug("serving side unavailable",
			logging.KeyService, req.Service,
			logging.KeyError, err)
		r.reject(req, protocol.ReasonTargetUnavailable, "serving tunnel unavailable")
		return
	}

	if err := r.accept(req); err != nil {
		serving.Close()
		req.Stream.Close()
		return
	}

	r.bridge(req, entry, serving)
}

// openServingStream opens a stream on the serving session, forwards the
// open request, and waits for acceptance under the open timeout.
func (r *Router) openServingStream(ctx context.Context, entry *registry.Entry, req *session.OpenRequest) (transport.Stream, error) {
	openCtx, cancel := context.WithTimeout(ctx, r.openTimeout)
	defer cancel()

	stream, err := entry.Handle.OpenStream(openCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	forward := &protocol.StreamOpenRequest{
		ServiceName: req.Service,
		Token:       req.Token,
	}
	if err := protocol.NewFrameWriter(stream).Write(&protocol.Frame{
		Type:    protocol.FrameStreamOpenRequest,
		Payload: forward.Encode(),
	}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to forward open request: %w", err)
	}

	stream.SetReadDeadline(time.Now().Add(r.openTimeout))
	frame, err := protocol.NewFrameReader(stream).Read()
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("no open response: %w", err)
	}
	stream.SetReadDeadline(time.Time{})

	if frame.Type != protocol.FrameStreamOpenResponse {
		stream.Close()
		return nil, fmt.Errorf("expected StreamOpenResponse, got %s",
			protocol.FrameTypeName(frame.Type))
	}
	resp, err := protocol.DecodeStreamOpenResponse(frame.Payload)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("malformed open response: %w", err)
	}
	if !resp.Accepted {
		stream.Close()
		return nil, fmt.Errorf("serving side refused: %s (%s)",
			protocol.ReasonName(resp.Reason), resp.Message)
	}

	return stream, nil
}

// accept answers the requesting stream with acceptance.
func (r *Router) accept(req *session.OpenRequest) error {
	resp := &protocol.StreamOpenResponse{Token: req.Token, Accepted: true}
	return protocol.NewFrameWriter(req.Stream).Write(&protocol.Frame{
		Type:    protocol.FrameStreamOpenResponse,
		Payload: resp.Encode(),
	})
}

// reject answers the requesting stream with a refusal and closes it.
func (r *Router) reject(req *session.OpenRequest, reason uint16, message string) {
	resp := &protocol.StreamOpenResponse{
		Token:    req.Token,
		Accepted: false,
		Reason:   reason,
		Message:  message,
	}
	if err := protocol.NewFrameWriter(req.Stream).Write(&protocol.Frame{
		Type:    protocol.FrameStreamOpenResponse,
		Payload: resp.Encode(),
	}); err != nil {
		r.logger.Debug("failed to send rejection", logging.KeyError, err)
	}
	req.Stream.Close()

	if r.events.OnRejected != nil {
		r.events.OnRejected(req.Service, reason)
	}
}

// bridge copies bytes between the requesting and serving streams until
// either side closes or errors, then closes both. Cancellation of either
// owning session tears the route down.
func (r *Router) bridge(req *session.OpenRequest, entry *registry.Entry, serving transport.Stream) {
	started := time.Now()

	req.Session.RouteStarted()
	defer req.Session.RouteDone()

	var servingSession *session.Session
	if s, ok := entry.Handle.(*session.Session); ok {
		servingSession = s
		servingSession.RouteStarted()
		defer servingSession.RouteDone()
	}

	if r.events.OnRouteOpened != nil {
		r.events.OnRouteOpened(req.Service)
	}

	// Either owning session closing cancels the route; closing the streams
	// unblocks both copy loops.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		select {
		case <-req.Session.Context().Done():
		case <-servingDone(servingSession):
		case <-watchCtx.Done():
			return
		}
		req.Stream.Close()
		serving.Close()
	}()

	sentCh := make(chan int64, 1)
	receivedCh := make(chan int64, 1)

	go func() {
		n, _ := io.Copy(serving, req.Stream)
		serving.CloseWrite()
		sentCh <- n
	}()
	go func() {
		n, _ := io.Copy(req.Stream, serving)
		req.Stream.CloseWrite()
		receivedCh <- n
	}()

	sent := <-sentCh
	received := <-receivedCh

	req.Stream.Close()
	serving.Close()

	duration := time.Since(started)
	r.logger.Debug("route closed",
		logging.KeyService, req.Service,
		logging.KeyDuration, duration,
		"sent", sent,
		"received", received)
	if r.events.OnRouteClosed != nil {
		r.events.OnRouteClosed(req.Service, duration, sent, received)
	}
}

// servingDone returns the serving session's done channel, or one that never
// fires when the handle is not a concrete session (tests).
func servingDone(s *session.Session) <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.Done()
}

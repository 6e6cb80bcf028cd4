// Package broker wires listeners, authentication, the service registry, the
// router, and the session manager into one runnable unit.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/burrownet/burrow/internal/auth"
	"github.com/burrownet/burrow/internal/certutil"
	"github.com/burrownet/burrow/internal/config"
	"github.com/burrownet/burrow/internal/control"
	"github.com/burrownet/burrow/internal/health"
	"github.com/burrownet/burrow/internal/identity"
	"github.com/burrownet/burrow/internal/logging"
	"github.com/burrownet/burrow/internal/metrics"
	"github.com/burrownet/burrow/internal/protocol"
	"github.com/burrownet/burrow/internal/registry"
	"github.com/burrownet/burrow/internal/router"
	"github.com/burrownet/burrow/internal/session"
	"github.com/burrownet/burrow/internal/transport"
)

// Broker is the tunnel broker process: it accepts transport sessions,
// authenticates them, registers their services, and routes streams
// between them.
type Broker struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	registry *registry.Registry
	router   *router.Router
	manager  *session.Manager

	transports []transport.Transport
	listeners  []transport.Listener

	health  *health.Server
	control *control.Server

	startedAt    time.Time
	running      atomic.Bool
	routesActive atomic.Int64
	bytesCopied  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a broker from a validated configuration. A nil metrics set
// uses the process-wide default registry.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Broker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("broker requires a configuration")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Default()
	}

	b := &Broker{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}

	arbitrator, err := buildArbitrator(cfg, logger)
	if err != nil {
		return nil, err
	}

	b.registry = registry.New(registry.EvictionPolicy(cfg.Routing.EvictionPolicy), logger)
	b.router = router.New(b.registry, cfg.Routing.OpenTimeout, b.routerEvents(), logger)

	manager, err := session.NewManager(session.ManagerConfig{
		Arbitrator: arbitrator,
		Registry:   b.registry,
		Dispatcher: b.router,
		Session: session.Config{
			DrainDeadline:      cfg.Sessions.DrainDeadline,
			KeepaliveInterval:  cfg.Sessions.KeepaliveInterval,
			MissedPongLimit:    cfg.Sessions.MissedPongLimit,
			OpenRequestTimeout: cfg.Sessions.OpenRequestTimeout,
		},
		// Accepting the control stream rides on the same clock as the
		// handshake itself.
		AuthTimeout: cfg.Auth.Timeout + 5*time.Second,
		Events:      b.managerEvents(),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	b.manager = manager

	if cfg.Health.Enabled {
		b.health = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, b)
	}
	if cfg.Control.Enabled {
		b.control = control.NewServer(control.ServerConfig{
			SocketPath:   cfg.Control.SocketPath,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}, b)
	}

	return b, nil
}

// buildArbitrator assembles the configured authenticator set.
func buildArbitrator(cfg *config.Config, logger *slog.Logger) (*auth.Arbitrator, error) {
	var authenticators []auth.Authenticator

	if cfg.Auth.PSK.Enabled {
		credentials := make([]auth.PSKCredential, 0, len(cfg.Auth.PSK.Keys))
		for _, k := range cfg.Auth.PSK.Keys {
			credentials = append(credentials, auth.PSKCredential{
				Name:   k.Name,
				Secret: k.Secret,
				Scopes: k.Scopes,
			})
		}
		psk, err := auth.NewPSKAuthenticator(credentials)
		if err != nil {
			return nil, fmt.Errorf("psk authenticator: %w", err)
		}
		authenticators = append(authenticators, psk)
	}

	if cfg.Auth.Verifier.Enabled {
		client := &http.Client{Timeout: cfg.Auth.Verifier.Timeout}
		verifier, err := auth.NewVerifierAuthenticator(cfg.Auth.Verifier.URL, client)
		if err != nil {
			return nil, fmt.Errorf("verifier authenticator: %w", err)
		}
		authenticators = append(authenticators, verifier)
	}

	return auth.NewArbitrator(authenticators, cfg.Auth.MaxRounds, cfg.Auth.Timeout, logger), nil
}

// Start brings up every configured listener plus the health and control
// servers, then returns. Accept loops run until Stop.
func (b *Broker) Start() error {
	if b.running.Swap(true) {
		return fmt.Errorf("broker already started")
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.startedAt = time.Now()

	for _, lc := range b.cfg.Listeners {
		tlsConfig, err := b.listenerTLS(lc)
		if err != nil {
			b.Stop()
			return fmt.Errorf("listener %s/%s: %w", lc.Transport, lc.Address, err)
		}

		tr, err := transportFor(lc.Transport)
		if err != nil {
			b.Stop()
			return err
		}

		ln, err := tr.Listen(lc.Address, transport.ListenOptions{
			TLSConfig:  tlsConfig,
			Path:       lc.Path,
			MaxStreams: b.cfg.Limits.MaxStreamsPerConn,
		})
		if err != nil {
			tr.Close()
			b.Stop()
			return fmt.Errorf("listener %s/%s: %w", lc.Transport, lc.Address, err)
		}

		b.transports = append(b.transports, tr)
		b.listeners = append(b.listeners, ln)
		b.logger.Info("listener started",
			logging.KeyTransport, lc.Transport,
			logging.KeyLocalAddr, ln.Addr().String())

		b.wg.Add(1)
		go b.acceptLoop(ln)
	}

	if b.health != nil {
		if err := b.health.Start(); err != nil {
			b.Stop()
			return fmt.Errorf("health server: %w", err)
		}
		b.logger.Info("health server started", logging.KeyLocalAddr, b.health.Address().String())
	}
	if b.control != nil {
		if err := b.control.Start(); err != nil {
			b.Stop()
			return fmt.Errorf("control server: %w", err)
		}
		b.logger.Info("control server started", "socket", b.control.SocketPath())
	}

	return nil
}

// Stop drains every session, closes the listeners, and waits for the
// accept loops and session tasks to finish.
func (b *Broker) Stop() error {
	if !b.running.Swap(false) {
		return nil
	}
	b.logger.Info("broker shutting down")

	if b.cancel != nil {
		b.cancel()
	}
	for _, ln := range b.listeners {
		ln.Close()
	}

	b.manager.CloseAll()
	b.wg.Wait()

	for _, tr := range b.transports {
		tr.Close()
	}
	b.listeners = nil
	b.transports = nil

	if b.health != nil {
		b.health.Stop()
	}
	if b.control != nil {
		b.control.Stop()
	}

	return nil
}

// acceptRetryDelay is how long an accept loop waits after a transient
// accept error before trying again.
const acceptRetryDelay = 100 * time.Millisecond

// acceptLoop accepts sessions from one listener under the configured rate
// limit and hands each to the session manager.
func (b *Broker) acceptLoop(ln transport.Listener) {
	defer b.wg.Done()

	limiter := rate.NewLimiter(rate.Limit(b.cfg.Limits.AcceptRate), b.cfg.Limits.AcceptBurst)

	for {
		if err := limiter.Wait(b.ctx); err != nil {
			return
		}

		conn, err := ln.Accept(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			// Transient failures (handshake errors, resource pressure)
			// must not take the listener down; back off and keep accepting.
			b.logger.Warn("accept failed",
				logging.KeyLocalAddr, ln.Addr().String(),
				logging.KeyError, err)
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.manager.HandleSession(b.ctx, conn)
		}()
	}
}

// listenerTLS builds the TLS config for one listener. An empty cert/key
// pair generates an ephemeral self-signed certificate.
func (b *Broker) listenerTLS(lc config.ListenerConfig) (*tls.Config, error) {
	if lc.TLS.Cert != "" {
		if lc.TLS.ClientCA != "" {
			return transport.LoadMutualTLSConfig(lc.TLS.Cert, lc.TLS.Key, lc.TLS.ClientCA)
		}
		return transport.LoadTLSConfig(lc.TLS.Cert, lc.TLS.Key)
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "burrow"
	}
	generated, err := certutil.GenerateServerCert(certutil.DefaultServerOptions(host))
	if err != nil {
		return nil, fmt.Errorf("failed to generate bootstrap certificate: %w", err)
	}
	b.logger.Warn("no TLS certificate configured, using an ephemeral self-signed certificate",
		logging.KeyLocalAddr, lc.Address,
		"fingerprint", generated.Fingerprint())

	return transport.TLSConfigFromBytes(generated.CertPEM, generated.KeyPEM)
}

func transportFor(kind string) (transport.Transport, error) {
	switch kind {
	case "quic":
		return transport.NewQUICTransport(), nil
	case "ws":
		return transport.NewWSTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", kind)
	}
}

// managerEvents wires session lifecycle hooks to the metrics set.
func (b *Broker) managerEvents() session.Events {
	return session.Events{
		OnConnected: func(s *session.Session) {
			b.metrics.SessionsActive.Inc()
			b.metrics.SessionsTotal.WithLabelValues(string(s.TransportKind())).Inc()
		},
		OnAuthenticated: func(s *session.Session) {
			b.metrics.HandshakeLatency.Observe(time.Since(s.CreatedAt()).Seconds())
			b.metrics.AuthSuccess.WithLabelValues(s.Principal().Kind).Inc()
			b.metrics.ServicesRegistered.Set(float64(len(b.registry.Services())))
		},
		OnClosed: func(s *session.Session, err error) {
			b.metrics.SessionsActive.Dec()
			switch {
			case s.Principal() == nil:
				reason := protocol.ReasonName(auth.RejectionReason(err))
				b.metrics.AuthFailures.WithLabelValues(reason).Inc()
				b.metrics.SessionDisconnects.WithLabelValues("auth_failed").Inc()
			case err != nil:
				b.metrics.SessionDisconnects.WithLabelValues("error").Inc()
			default:
				b.metrics.SessionDisconnects.WithLabelValues("clean").Inc()
			}
			b.metrics.ServicesRegistered.Set(float64(len(b.registry.Services())))
		},
		OnEvicted: func(count int) {
			b.metrics.SessionsEvicted.Add(float64(count))
		},
	}
}

// routerEvents wires route lifecycle hooks to the metrics set and the
// broker's own counters.
func (b *Broker) routerEvents() router.Events {
	return router.Events{
		OnRouteOpened: func(service string) {
			b.routesActive.Add(1)
			b.metrics.StreamsOpened.Inc()
			b.metrics.RoutesActive.Inc()
			b.metrics.RoutesTotal.WithLabelValues(service).Inc()
		},
		OnRouteClosed: func(service string, duration time.Duration, sent, received int64) {
			b.routesActive.Add(-1)
			b.metrics.RoutesActive.Dec()
			b.metrics.RouteDuration.Observe(duration.Seconds())
			b.metrics.RouteBytesCopied.Add(float64(sent + received))
			b.bytesCopied.Add(uint64(sent + received))
		},
		OnRejected: func(service string, reason uint16) {
			b.metrics.StreamsOpened.Inc()
			b.metrics.RouteRejections.WithLabelValues(protocol.ReasonName(reason)).Inc()
		},
	}
}

// IsRunning returns true while the broker is accepting sessions.
func (b *Broker) IsRunning() bool {
	return b.running.Load()
}

// Stats implements health.StatsProvider.
func (b *Broker) Stats() health.Stats {
	return health.Stats{
		SessionCount: b.manager.Count(),
		ServiceCount: len(b.registry.Services()),
		RouteCount:   int(b.routesActive.Load()),
	}
}

// Uptime implements control.BrokerInfo.
func (b *Broker) Uptime() time.Duration {
	if b.startedAt.IsZero() {
		return 0
	}
	return time.Since(b.startedAt)
}

// BytesCopied implements control.BrokerInfo.
func (b *Broker) BytesCopied() uint64 {
	return b.bytesCopied.Load()
}

// SessionInfos implements control.BrokerInfo.
func (b *Broker) SessionInfos() []control.SessionInfo {
	sessions := b.manager.Sessions()
	out := make([]control.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info := control.SessionInfo{
			ID:           s.ID().String(),
			Transport:    string(s.TransportKind()),
			State:        s.State().String(),
			Services:     s.Services(),
			ActiveRoutes: int(s.ActiveRoutes()),
			Age:          time.Since(s.CreatedAt()).Round(time.Second).String(),
		}
		if p := s.Principal(); p != nil {
			info.Principal = p.Name
		}
		if addr := s.RemoteAddr(); addr != nil {
			info.RemoteAddr = addr.String()
		}
		out = append(out, info)
	}
	return out
}

// ServiceInfos implements control.BrokerInfo.
func (b *Broker) ServiceInfos() []control.ServiceInfo {
	entries := b.registry.Snapshot()
	var out []control.ServiceInfo
	for _, e := range entries {
		for _, name := range e.Services {
			out = append(out, control.ServiceInfo{
				Name:      name,
				SessionID: e.SessionID.String(),
				Principal: e.Principal.Name,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DrainSession implements control.BrokerInfo.
func (b *Broker) DrainSession(id string) bool {
	sid, err := identity.ParseSessionID(id)
	if err != nil {
		return false
	}
	return b.manager.DrainSession(sid)
}

// ListenerAddrs returns the bound address of every listener.
func (b *Broker) ListenerAddrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(b.listeners))
	for _, ln := range b.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

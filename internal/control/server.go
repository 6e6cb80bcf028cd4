// Package control provides a Unix socket control interface for the Burrow broker.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// BrokerInfo provides broker state for the control interface.
type BrokerInfo interface {
	// IsRunning returns true if the broker is accepting sessions.
	IsRunning() bool

	// Uptime returns how long the broker has been running.
	Uptime() time.Duration

	// BytesCopied returns the total bytes bridged across all routes.
	BytesCopied() uint64

	// SessionInfos returns information about every live session.
	SessionInfos() []SessionInfo

	// ServiceInfos returns the registered service names and their owners.
	ServiceInfos() []ServiceInfo

	// DrainSession starts draining a session by ID. Returns false if no
	// live session has that ID.
	DrainSession(id string) bool
}

// SessionInfo describes one live session for display.
type SessionInfo struct {
	ID           string   `json:"id"`
	Principal    string   `json:"principal"`
	Transport    string   `json:"transport"`
	RemoteAddr   string   `json:"remote_addr"`
	State        string   `json:"state"`
	Services     []string `json:"services"`
	ActiveRoutes int      `json:"active_routes"`
	Age          string   `json:"age"`
}

// ServiceInfo describes one registered service name.
type ServiceInfo struct {
	Name      string `json:"name"`
	SessionID string `json:"session_id"`
	Principal string `json:"principal"`
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Running      bool   `json:"running"`
	Uptime       string `json:"uptime"`
	SessionCount int    `json:"session_count"`
	ServiceCount int    `json:"service_count"`
	BytesCopied  string `json:"bytes_copied"`
}

// SessionsResponse is the response for the sessions endpoint.
type SessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// ServicesResponse is the response for the services endpoint.
type ServicesResponse struct {
	Services []ServiceInfo `json:"services"`
}

// DrainResponse is the response for the drain endpoint.
type DrainResponse struct {
	Session string `json:"session"`
	Drained bool   `json:"drained"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "/var/run/burrowd.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	broker   BrokerInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, broker BrokerInfo) *Server {
	s := &Server{
		cfg:    cfg,
		broker: broker,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/services", s.handleServices)
	mux.HandleFunc("/drain", s.handleDrain)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a stale socket file from a previous run
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// handleStatus handles the status endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		Running:      s.broker.IsRunning(),
		Uptime:       s.broker.Uptime().Round(time.Second).String(),
		SessionCount: len(s.broker.SessionInfos()),
		ServiceCount: len(s.broker.ServiceInfos()),
		BytesCopied:  humanize.IBytes(s.broker.BytesCopied()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessions handles the sessions endpoint.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := SessionsResponse{
		Sessions: s.broker.SessionInfos(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleServices handles the services endpoint.
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := ServicesResponse{
		Services: s.broker.ServiceInfos(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleDrain handles the drain endpoint: POST /drain?session=<id>.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("session")
	if id == "" {
		http.Error(w, "session query parameter required", http.StatusBadRequest)
		return
	}

	drained := s.broker.DrainSession(id)
	if !drained {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DrainResponse{Session: id, Drained: true})
}

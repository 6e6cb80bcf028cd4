package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

type fakeBroker struct {
	running  bool
	uptime   time.Duration
	bytes    uint64
	sessions []SessionInfo
	services []ServiceInfo
	drained  []string
}

func (b *fakeBroker) IsRunning() bool             { return b.running }
func (b *fakeBroker) Uptime() time.Duration       { return b.uptime }
func (b *fakeBroker) BytesCopied() uint64         { return b.bytes }
func (b *fakeBroker) SessionInfos() []SessionInfo { return b.sessions }
func (b *fakeBroker) ServiceInfos() []ServiceInfo { return b.services }

func (b *fakeBroker) DrainSession(id string) bool {
	for _, s := range b.sessions {
		if s.ID == id {
			b.drained = append(b.drained, id)
			return true
		}
	}
	return false
}

func startTestServer(t *testing.T, broker BrokerInfo) (*Server, *Client) {
	t.Helper()

	cfg := DefaultServerConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "control.sock")

	srv := NewServer(cfg, broker)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	client := NewClient(cfg.SocketPath)
	t.Cleanup(func() { client.Close() })

	return srv, client
}

func TestStatus(t *testing.T) {
	broker := &fakeBroker{
		running: true,
		uptime:  90 * time.Second,
		bytes:   2048,
		sessions: []SessionInfo{
			{ID: "abc123", Principal: "edge-7", Services: []string{"db-1"}},
		},
		services: []ServiceInfo{
			{Name: "db-1", SessionID: "abc123", Principal: "edge-7"},
		},
	}
	_, client := startTestServer(t, broker)

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Running {
		t.Error("status should report running")
	}
	if status.Uptime != "1m30s" {
		t.Errorf("Uptime = %s, want 1m30s", status.Uptime)
	}
	if status.SessionCount != 1 || status.ServiceCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", status.SessionCount, status.ServiceCount)
	}
	if status.BytesCopied != "2.0 KiB" {
		t.Errorf("BytesCopied = %s, want 2.0 KiB", status.BytesCopied)
	}
}

func TestSessionsAndServices(t *testing.T) {
	broker := &fakeBroker{
		running: true,
		sessions: []SessionInfo{
			{ID: "abc123", Principal: "edge-7", Transport: "quic", State: "active", Services: []string{"db-1", "db-2"}},
			{ID: "def456", Principal: "edge-9", Transport: "ws", State: "draining"},
		},
		services: []ServiceInfo{
			{Name: "db-1", SessionID: "abc123", Principal: "edge-7"},
			{Name: "db-2", SessionID: "abc123", Principal: "edge-7"},
		},
	}
	_, client := startTestServer(t, broker)

	sessions, err := client.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions.Sessions) != 2 {
		t.Fatalf("Sessions = %d, want 2", len(sessions.Sessions))
	}
	if sessions.Sessions[0].ID != "abc123" || sessions.Sessions[1].State != "draining" {
		t.Errorf("unexpected session list: %+v", sessions.Sessions)
	}

	services, err := client.Services(context.Background())
	if err != nil {
		t.Fatalf("Services failed: %v", err)
	}
	if len(services.Services) != 2 {
		t.Fatalf("Services = %d, want 2", len(services.Services))
	}
	if services.Services[0].Name != "db-1" {
		t.Errorf("Services[0].Name = %s, want db-1", services.Services[0].Name)
	}
}

func TestDrain(t *testing.T) {
	broker := &fakeBroker{
		running:  true,
		sessions: []SessionInfo{{ID: "abc123"}},
	}
	_, client := startTestServer(t, broker)

	drain, err := client.Drain(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if !drain.Drained || drain.Session != "abc123" {
		t.Errorf("unexpected drain response: %+v", drain)
	}
	if len(broker.drained) != 1 || broker.drained[0] != "abc123" {
		t.Errorf("broker drained = %v, want [abc123]", broker.drained)
	}

	if _, err := client.Drain(context.Background(), "nope"); err == nil {
		t.Error("Drain of unknown session should fail")
	}
}

func TestStopRemovesSocket(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "control.sock")

	srv := NewServer(cfg, &fakeBroker{running: true})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !srv.IsRunning() {
		t.Error("server should report running")
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if srv.IsRunning() {
		t.Error("server should not report running after Stop")
	}

	// A second server can bind the same path.
	srv2 := NewServer(cfg, &fakeBroker{running: true})
	if err := srv2.Start(); err != nil {
		t.Fatalf("restart on same socket failed: %v", err)
	}
	srv2.Stop()
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultFile(t *testing.T) {
	f := DefaultFile()

	if f.Swarm.ServiceName != "swarmdns" {
		t.Errorf("Swarm.ServiceName = %q, want %q", f.Swarm.ServiceName, "swarmdns")
	}
	if f.Swarm.TauSeconds != 5.0 {
		t.Errorf("Swarm.TauSeconds = %v, want 5.0", f.Swarm.TauSeconds)
	}
	if f.Swarm.Phi != 1.0 {
		t.Errorf("Swarm.Phi = %v, want 1.0", f.Swarm.Phi)
	}
	if f.Metrics.Enabled {
		t.Error("Metrics.Enabled should be false by default")
	}
	if f.ControlAPI.Addr != ":8153" {
		t.Errorf("ControlAPI.Addr = %q, want %q", f.ControlAPI.Addr, ":8153")
	}
}

func TestToDomain_GeneratesPeerIDWhenUnset(t *testing.T) {
	f := DefaultFile()
	f.Network.Addrs = []string{"192.168.1.5"}
	cfg := f.ToDomain()

	if cfg.PeerID == "" {
		t.Fatal("ToDomain() should generate a non-empty peer id when unset")
	}
	if cfg.Tau != 5*time.Second {
		t.Errorf("Tau = %v, want 5s", cfg.Tau)
	}
	if len(cfg.Addrs) != 1 || cfg.Addrs[0].String() != "192.168.1.5" {
		t.Errorf("Addrs = %v, want [192.168.1.5]", cfg.Addrs)
	}
}

func TestToDomain_PreservesConfiguredPeerID(t *testing.T) {
	f := DefaultFile()
	f.Swarm.PeerID = "fixed-id"
	f.Network.Addrs = []string{"10.0.0.1"}
	cfg := f.ToDomain()

	if cfg.PeerID != "fixed-id" {
		t.Errorf("PeerID = %q, want %q", cfg.PeerID, "fixed-id")
	}
}

func TestLoad_ParsesTOMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarmdns.toml")
	contents := `
[swarm]
service_name = "myswarm"
peer_id = "node-a"
tau_seconds = 2.5
phi = 2.0

[network]
addrs = ["10.1.2.3"]
interfaces = ["eth0"]
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceName != "myswarm" {
		t.Errorf("ServiceName = %q, want myswarm", cfg.ServiceName)
	}
	if cfg.PeerID != "node-a" {
		t.Errorf("PeerID = %q, want node-a", cfg.PeerID)
	}
	if cfg.Tau != 2500*time.Millisecond {
		t.Errorf("Tau = %v, want 2.5s", cfg.Tau)
	}
	if cfg.Phi != 2.0 {
		t.Errorf("Phi = %v, want 2.0", cfg.Phi)
	}
	if len(cfg.Interfaces) != 1 || cfg.Interfaces[0] != "eth0" {
		t.Errorf("Interfaces = %v, want [eth0]", cfg.Interfaces)
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml")); err == nil {
		t.Fatal("Load() on a missing file should return an error")
	}
}

// Package config loads the on-disk TOML configuration for a swarmdns
// instance and translates it into a validated domain.Config, in the
// style of this repo's daemon configuration: nested per-concern
// sections, conservative defaults, explicit unit parsing.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/meshdisco/swarmdns/internal/domain"
)

// File is the on-disk shape of swarmdns.toml.
type File struct {
	Swarm     SwarmSection     `toml:"swarm"`
	Network   NetworkSection   `toml:"network"`
	Metrics   MetricsSection   `toml:"metrics"`
	ControlAPI ControlAPISection `toml:"control_api"`
}

// SwarmSection controls the discovery core's tuning parameters.
type SwarmSection struct {
	ServiceName string `toml:"service_name"`
	PeerID      string `toml:"peer_id"`
	TauSeconds  float64 `toml:"tau_seconds"`
	Phi         float64 `toml:"phi"`
	Transport   string  `toml:"transport"`
}

// NetworkSection controls socket and address configuration.
type NetworkSection struct {
	Interfaces []string `toml:"interfaces"`
	Addrs      []string `toml:"addrs"`
}

// MetricsSection controls the optional Prometheus exporter.
type MetricsSection struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// ControlAPISection controls the optional debug/status HTTP surface.
type ControlAPISection struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// DefaultFile returns conservative defaults, applied before a TOML file
// is merged on top.
func DefaultFile() File {
	return File{
		Swarm: SwarmSection{
			ServiceName: "swarmdns",
			TauSeconds:  5.0,
			Phi:         1.0,
			Transport:   "udp",
		},
		Metrics: MetricsSection{
			Enabled: false,
			Addr:    ":9153",
		},
		ControlAPI: ControlAPISection{
			Enabled: false,
			Addr:    ":8153",
		},
	}
}

// Load reads and parses a TOML config file at path, applying defaults
// for anything left unset, and returns the resulting domain.Config
// ready for Validate.
func Load(path string) (domain.Config, File, error) {
	f := DefaultFile()
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return domain.Config{}, f, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return f.ToDomain(), f, nil
}

// ToDomain translates a File into a domain.Config. A blank PeerID is
// replaced with a freshly generated UUID on every call; the generated
// identity is not persisted.
func (f File) ToDomain() domain.Config {
	peerID := f.Swarm.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
	}

	var addrs []net.IP
	for _, a := range f.Network.Addrs {
		if ip := net.ParseIP(a); ip != nil {
			addrs = append(addrs, ip)
		}
	}
	if len(addrs) == 0 {
		addrs = localAddrs()
	}

	return domain.Config{
		ServiceName: f.Swarm.ServiceName,
		PeerID:      peerID,
		Tau:         time.Duration(f.Swarm.TauSeconds * float64(time.Second)),
		Phi:         f.Swarm.Phi,
		Addrs:       addrs,
		Transport:   domain.Transport(f.Swarm.Transport),
		Interfaces:  f.Network.Interfaces,
	}
}

// localAddrs discovers the host's non-loopback unicast addresses, used
// when the config file doesn't pin explicit addrs.
func localAddrs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		out = append(out, ipNet.IP)
	}
	return out
}

// WriteDefault writes the default config as plain TOML to path, for
// `swarmdnsd init`-style bootstrapping.
func WriteDefault(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	return enc.Encode(DefaultFile())
}

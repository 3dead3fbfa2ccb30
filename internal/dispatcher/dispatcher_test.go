package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meshdisco/swarmdns/internal/domain"
	"github.com/meshdisco/swarmdns/internal/mcast"
	"github.com/meshdisco/swarmdns/internal/mdnscodec"
)

func testConfig(peerID string) domain.Config {
	return domain.Config{
		ServiceName: "swarmtest",
		PeerID:      peerID,
		Tau:         50 * time.Millisecond,
		Phi:         1.0,
		Addrs:       []net.IP{net.ParseIP("127.0.0.1")},
		Transport:   domain.TransportUDP,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// handlePacket's malformed-datagram path (spec.md §7) must drop the
// datagram before touching any other state — this must not panic even
// with an otherwise-unconstructed Dispatcher.
func TestHandlePacket_DropsMalformedDatagram(t *testing.T) {
	d := &Dispatcher{cfg: testConfig("self"), log: discardLogger()}
	d.handlePacket(mcast.Packet{Data: []byte{0x00, 0x01, 0x02}})
}

// Self-loopback responses must be dropped before the Membership Table
// or Mode State Machine are touched, per spec.md §6.
func TestHandlePacket_DropsSelfLoopback(t *testing.T) {
	cfg := testConfig("self")
	data, err := mdnscodec.EncodeResponse(cfg)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}

	var gotEvent bool
	d := &Dispatcher{
		cfg:    cfg,
		log:    discardLogger(),
		onFunc: func(domain.DiscoveryEvent) { gotEvent = true },
	}
	// d.table and d.mach stay nil: a dereference of either here would
	// panic and fail this test, proving the loopback check runs first.
	d.handlePacket(mcast.Packet{Data: data})

	if gotEvent {
		t.Error("self-loopback response should never produce a discovery event")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("self")
	cfg.Tau = 0
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("New() with invalid config should return an error")
	}
}

func TestStartStop_RunsAndStopsCleanly(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping real-socket test in short mode")
	}

	cfg := testConfig("self")
	d, err := New(cfg, nil, WithClock(clockwork.NewFakeClock()), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { errCh <- d.Start(ctx) }()

	// Give the loop a moment to reach the socket-setup step; if this
	// environment has no usable multicast interface, Start returns
	// ErrSocketSetup quickly and we skip rather than fail.
	select {
	case err := <-errCh:
		if err != nil {
			t.Skipf("Start: %v (no usable multicast interface in this environment)", err)
		}
		return
	case <-time.After(100 * time.Millisecond):
	}

	d.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned %v after Stop()", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Stop()")
	}
}

// Two independently-constructed Dispatchers, each bound to its own real
// mcast.Conn over loopback multicast, must discover each other: scenario
// 2 of spec.md §8 — mutual discovery ends with each side having
// delivered an EventFound callback for the other's peer_id.
func TestMutualDiscovery_TwoNodesOverLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping real-socket test in short mode")
	}

	cfgA := testConfig("node-a")
	cfgA.Interfaces = []string{"lo"}
	cfgA.Addrs = []net.IP{net.ParseIP("127.0.0.1")}

	cfgB := testConfig("node-b")
	cfgB.Interfaces = []string{"lo"}
	cfgB.Addrs = []net.IP{net.ParseIP("127.0.0.2")}

	foundA := make(chan domain.DiscoveryEvent, 8)
	foundB := make(chan domain.DiscoveryEvent, 8)

	dA, err := New(cfgA, func(ev domain.DiscoveryEvent) { foundA <- ev }, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	dB, err := New(cfgB, func(ev domain.DiscoveryEvent) { foundB <- ev }, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- dA.Start(ctx) }()
	go func() { errB <- dB.Start(ctx) }()

	// Either Start can fail fast with ErrSocketSetup if this host has no
	// usable loopback multicast interface; skip rather than fail.
	select {
	case err := <-errA:
		t.Skipf("Start(a): %v (no usable multicast interface in this environment)", err)
	case err := <-errB:
		t.Skipf("Start(b): %v (no usable multicast interface in this environment)", err)
	case <-time.After(50 * time.Millisecond):
	}

	var aSawB, bSawA bool
	deadline := time.After(5 * time.Second)
	for !aSawB || !bSawA {
		select {
		case ev := <-foundA:
			if ev.PeerID == "node-b" && ev.Kind == domain.EventFound {
				aSawB = true
			}
		case ev := <-foundB:
			if ev.PeerID == "node-a" && ev.Kind == domain.EventFound {
				bSawA = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for mutual discovery")
		}
	}

	cancel()
	for i, errCh := range []chan error{errA, errB} {
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Start(%d) returned %v after cancel", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Start(%d) did not return after cancel", i)
		}
	}
}

func TestSize_DefaultsToOneBeforeStart(t *testing.T) {
	d, err := New(testConfig("self"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := d.Size(); got != 1 {
		t.Errorf("Size() before Start = %d, want 1", got)
	}
	if got := d.Mode(); got != domain.ModeQuery {
		t.Errorf("Mode() before Start = %v, want Query", got)
	}
	if got := d.Snapshot(); got != nil {
		t.Errorf("Snapshot() before Start = %v, want nil", got)
	}
}

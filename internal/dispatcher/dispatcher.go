// Package dispatcher owns the single-threaded event loop that ties the
// Membership Table, Timer Service, and Mode State Machine to the
// multicast socket, per spec.md §5: one goroutine serializes every
// inbound datagram, every timer firing, and every control command, so
// the scheduler core never has to be concurrency-safe on its own.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/meshdisco/swarmdns/internal/domain"
	"github.com/meshdisco/swarmdns/internal/mcast"
	"github.com/meshdisco/swarmdns/internal/mdnscodec"
	"github.com/meshdisco/swarmdns/internal/membership"
	"github.com/meshdisco/swarmdns/internal/obsmetrics"
	"github.com/meshdisco/swarmdns/internal/scheduler"
	"github.com/meshdisco/swarmdns/internal/timer"
)

// osRNG adapts math/rand's global source to scheduler.RNG.
type osRNG struct{}

func (osRNG) Float64() float64 { return rand.Float64() }

// Dispatcher runs the discovery service described in spec.md §1–§6: it
// owns the Membership Table, Timer Service, Mode State Machine, and the
// multicast socket, and is the sole writer of all of them.
type Dispatcher struct {
	cfg    domain.Config
	log    *slog.Logger
	clock  clockwork.Clock
	onFunc func(domain.DiscoveryEvent)

	conn  *mcast.Conn
	table *membership.Table
	timer *timer.Service
	mach  *scheduler.Machine

	mu       sync.Mutex
	addrs    []net.IP
	stopOnce sync.Once
	stopCh   chan struct{}

	setAddrsCh chan []net.IP
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithClock overrides the Timer Service's clock. Tests inject a
// clockwork.FakeClock; production leaves the default real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithLogger overrides the default no-op logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// New constructs a Dispatcher from a validated Config. It does not open
// any socket or start the event loop — call Start for that.
func New(cfg domain.Config, onDiscovery func(domain.DiscoveryEvent), opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:        cfg,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:      clockwork.NewRealClock(),
		onFunc:     onDiscovery,
		addrs:      cfg.Addrs,
		stopCh:     make(chan struct{}),
		setAddrsCh: make(chan []net.IP, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("peer_id", cfg.PeerID, "service", cfg.ServiceName)
	return d, nil
}

// Start opens the multicast socket, initializes the Membership Table,
// Timer Service, and Mode State Machine, and runs the event loop until
// ctx is canceled or Stop is called. Start blocks until the loop exits.
func (d *Dispatcher) Start(ctx context.Context) error {
	conn, err := mcast.Listen(d.cfg.Interfaces)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSocketSetup, err)
	}
	d.conn = conn
	defer conn.Close()

	table := membership.New(d.cfg.Phi)
	defer table.Close()
	table.OnEvict(func(peerID string, entry *domain.PeerEntry) {
		obsmetrics.PeersEvicted.Inc()
		d.emit(domain.DiscoveryEvent{PeerID: peerID, Addrs: entry.Addrs, Kind: domain.EventEvicted})
	})
	d.table = table

	svc := timer.New(d.clock)
	d.timer = svc

	d.mach = scheduler.New(d.cfg.Tau, d.cfg.Phi, table, osRNG{})
	d.handleResult(d.mach.Start())

	sweepTicker := d.clock.NewTicker(d.cfg.Tau)
	defer sweepTicker.Stop()

	d.log.Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopping", "reason", ctx.Err())
			return nil
		case <-d.stopCh:
			d.log.Info("dispatcher stopping")
			return nil
		case <-svc.Fired():
			d.handleResult(d.mach.OnTimerFired())
		case pkt := <-conn.Recv():
			d.handlePacket(pkt)
		case <-sweepTicker.Chan():
			table.Sweep(svc.Now())
			obsmetrics.SwarmSize.Set(float64(table.Size()))
			obsmetrics.Mode.Set(float64(d.mach.Mode()))
		case addrs := <-d.setAddrsCh:
			d.mu.Lock()
			d.addrs = addrs
			d.mu.Unlock()
		}
		// Evict stale peers after every handled event, so no entry older
		// than 3S/φ remains once an event has been processed.
		table.Sweep(svc.Now())
	}
}

// Stop signals the event loop to exit. Safe to call multiple times and
// from a different goroutine than Start.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// SetAddrs updates the local addresses advertised in future responses.
func (d *Dispatcher) SetAddrs(addrs []net.IP) {
	for {
		select {
		case d.setAddrsCh <- addrs:
			return
		default:
		}
		// An earlier update is still pending: discard it so the loop
		// picks up the caller's latest addrs instead.
		select {
		case <-d.setAddrsCh:
		default:
		}
	}
}

func (d *Dispatcher) currentConfig() domain.Config {
	d.mu.Lock()
	addrs := d.addrs
	d.mu.Unlock()
	cfg := d.cfg
	cfg.Addrs = addrs
	return cfg
}

// handlePacket classifies and applies one inbound datagram, per
// spec.md §6/§7: malformed datagrams and self-loopback are dropped
// before touching any other state.
func (d *Dispatcher) handlePacket(pkt mcast.Packet) {
	in, err := mdnscodec.Parse(pkt.Data)
	if err != nil {
		obsmetrics.DatagramsDropped.Inc()
		d.log.Debug("dropping malformed datagram", "from", pkt.From, "err", err)
		return
	}

	switch in.Kind {
	case mdnscodec.KindQuery:
		d.handleResult(d.mach.OnInboundQuery())
	case mdnscodec.KindResponse:
		if in.PeerID == d.cfg.PeerID {
			return // self-loopback
		}
		kind, changed := d.table.Observe(in.PeerID, in.Addrs, d.timer.Now())
		if changed {
			obsmetrics.ResponsesObserved.WithLabelValues(kind.String()).Inc()
			d.emit(domain.DiscoveryEvent{PeerID: in.PeerID, Addrs: in.Addrs, Kind: kind})
		} else {
			obsmetrics.ResponsesObserved.WithLabelValues("unchanged").Inc()
		}
		d.handleResult(d.mach.OnInboundResponse())
	}
}

// handleResult carries out the Arm/Emit side effects the Mode State
// Machine requested for one transition.
func (d *Dispatcher) handleResult(res scheduler.Result) {
	if res.Arm {
		d.timer.Arm(res.Duration)
	}

	var data []byte
	var err error
	cfg := d.currentConfig()
	switch res.Emit {
	case scheduler.ActionEmitQuery:
		data, err = mdnscodec.EncodeQuery(cfg)
		obsmetrics.QueriesSent.Inc()
	case scheduler.ActionEmitResponse:
		data, err = mdnscodec.EncodeResponse(cfg)
		obsmetrics.ResponsesSent.Inc()
	default:
		return
	}
	if err != nil {
		d.log.Error("encode outbound message", "err", err)
		return
	}
	if err := d.conn.Send(data); err != nil {
		d.log.Error("send outbound message", "err", err)
	}
}

func (d *Dispatcher) emit(ev domain.DiscoveryEvent) {
	if d.onFunc != nil {
		d.onFunc(ev)
	}
}

// Snapshot returns the current live peer set, for status/debug surfaces.
func (d *Dispatcher) Snapshot() map[string]domain.PeerEntry {
	if d.table == nil {
		return nil
	}
	return d.table.Snapshot()
}

// Mode returns the current Mode State Machine phase, for status surfaces.
func (d *Dispatcher) Mode() domain.Mode {
	if d.mach == nil {
		return domain.ModeQuery
	}
	return d.mach.Mode()
}

// Size returns the live swarm-size estimate S, for status surfaces.
func (d *Dispatcher) Size() int {
	if d.table == nil {
		return 1
	}
	return d.table.Size()
}

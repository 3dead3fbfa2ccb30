// Package membership implements the per-peer liveness table described
// in spec.md §4.1: age-based eviction, the live swarm-size estimate S,
// and the per-cycle responded flag used by the Mode State Machine.
package membership

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/meshdisco/swarmdns/internal/domain"
)

// Table is the Membership Table, exclusively owned by the Dispatcher.
// Entry age is governed by 3S/φ, re-derived on every observe/sweep —
// ttlcache's per-Set TTL override lets the expiry track S as it moves
// instead of being fixed at insertion time.
type Table struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *domain.PeerEntry]
	phi   float64

	selfRespondedLastCycle bool

	onEvict func(peerID string, entry *domain.PeerEntry)
}

// New creates an empty Membership Table. phi is the configured response
// frequency target, used to derive the 3S/φ eviction age.
func New(phi float64) *Table {
	cache := ttlcache.New[string, *domain.PeerEntry](
		// TTL is always supplied explicitly via Set; DisableTouchOnHit
		// keeps reads from resetting age, since "age" here means
		// "time since last response", not "time since last read".
		ttlcache.WithDisableTouchOnHit[string, *domain.PeerEntry](),
	)
	t := &Table{cache: cache, phi: phi}
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *domain.PeerEntry]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		if t.onEvict != nil {
			t.onEvict(item.Key(), item.Value())
		}
	})
	go cache.Start()
	return t
}

// OnEvict registers the callback invoked when sweep/expiry removes an
// entry. Must be set before the table is used from multiple goroutines.
func (t *Table) OnEvict(fn func(peerID string, entry *domain.PeerEntry)) {
	t.onEvict = fn
}

// Close stops the table's background janitor goroutine.
func (t *Table) Close() {
	t.cache.Stop()
}

// Observe upserts a peer entry: sets last_seen=now, marks
// responded_last_cycle=true, and reports whether this is a newly
// discovered peer or an address change the caller should notify.
func (t *Table) Observe(peerID string, addrs []net.IP, now time.Time) (kind domain.EventKind, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item := t.cache.Get(peerID)
	if item == nil {
		entry := &domain.PeerEntry{LastSeen: now, RespondedLastCycle: true, Addrs: addrs}
		// Size after this insert is unsafeSize()+1: the TTL must reflect
		// the swarm this peer is actually joining, not the one before it.
		t.cache.Set(peerID, entry, t.ttlForSize(t.unsafeSize()+1))
		return domain.EventFound, true
	}

	entry := item.Value()
	addrsChanged := !addrsEqual(entry.Addrs, addrs)
	entry.LastSeen = now
	entry.RespondedLastCycle = true
	entry.Addrs = addrs
	t.cache.Set(peerID, entry, t.ttlLocked())

	if addrsChanged {
		return domain.EventAddrsChanged, true
	}
	return 0, false
}

// ttlLocked computes 3S/φ against the table's current size; caller must
// hold t.mu.
func (t *Table) ttlLocked() time.Duration {
	return t.ttlForSize(t.unsafeSize())
}

// ttlForSize computes 3S/φ for an explicit S, for callers that need the
// TTL for a size other than the table's current one (e.g. a peer about
// to be inserted). Caller must hold t.mu.
func (t *Table) ttlForSize(s int) time.Duration {
	seconds := 3 * float64(s) / t.phi
	return time.Duration(seconds * float64(time.Second))
}

// BeginNewCycle clears each entry's responded_last_cycle flag ahead of
// the next Response-mode cycle. The previous values are not retained:
// once it returns, no flag from the ended cycle can be read back.
// Entries are mutated in place through the pointer
// ttlcache already holds — this must NOT re-Set the entry, since doing
// so would refresh its ttlcache expiry on every cycle and starve the
// Sweep-based eviction path of anything to find.
func (t *Table) BeginNewCycle() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range t.cache.Keys() {
		item := t.cache.Get(key)
		if item == nil {
			continue
		}
		item.Value().RespondedLastCycle = false
	}
}

// Sweep eagerly removes entries whose age exceeds 3S/φ, invoking the
// table's OnEvict callback directly for each one removed. Removing
// entries shrinks S and with it the threshold, so Sweep repeats until a
// pass removes nothing. Safe to call repeatedly — sweeping twice with no
// interleaved events is a no-op the second time.
//
// Eviction here is deliberate, not a side effect of ttlcache's own
// background expiry: removing via cache.Delete reports
// EvictionReasonDeleted, not EvictionReasonExpired, so the OnEviction
// handler registered in New never sees it. Sweep owns notifying the
// caller for every peer it removes.
func (t *Table) Sweep(now time.Time) {
	type staleEntry struct {
		key   string
		entry *domain.PeerEntry
	}
	var stale []staleEntry
	t.mu.Lock()
	for {
		maxAge := t.ttlLocked()
		removed := 0
		for _, key := range t.cache.Keys() {
			item := t.cache.Get(key)
			if item == nil {
				continue
			}
			if now.Sub(item.Value().LastSeen) > maxAge {
				stale = append(stale, staleEntry{key: key, entry: item.Value()})
				t.cache.Delete(key)
				removed++
			}
		}
		if removed == 0 {
			break
		}
	}
	t.mu.Unlock()

	for _, s := range stale {
		if t.onEvict != nil {
			t.onEvict(s.key, s.entry)
		}
	}
}

// Size returns S: the live peer count plus one for self. Always ≥ 1.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unsafeSize()
}

func (t *Table) unsafeSize() int {
	return t.cache.Len() + 1
}

// SelfRespondedLastCycle reports whether this node emitted a response
// during the immediately previous Response-mode cycle. Tracked
// separately from the peer map since self is never an entry in it.
func (t *Table) SelfRespondedLastCycle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selfRespondedLastCycle
}

// SetSelfResponded records whether self emitted a response this cycle.
func (t *Table) SetSelfResponded(responded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selfRespondedLastCycle = responded
}

// Snapshot returns a point-in-time copy of the live peers, safe for an
// observer to retain without racing table mutation.
func (t *Table) Snapshot() map[string]domain.PeerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]domain.PeerEntry, t.cache.Len())
	for _, key := range t.cache.Keys() {
		item := t.cache.Get(key)
		if item == nil {
			continue
		}
		out[key] = *item.Value()
	}
	return out
}

func addrsEqual(a, b []net.IP) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

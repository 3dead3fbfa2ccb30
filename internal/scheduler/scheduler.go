// Package scheduler implements the Mode State Machine of spec.md §4.3:
// the adaptive Query/Response cycle that estimates swarm size from the
// Membership Table and self-paces queries and responses toward the
// target discovery time τ and response frequency φ.
//
// The machine is pure: it owns no socket and no goroutine. It is
// driven by the Dispatcher, which feeds it timer firings and inbound
// events and carries out the Arm/Emit side effects the machine
// requests.
package scheduler

import (
	"time"

	"github.com/meshdisco/swarmdns/internal/domain"
)

// RNG is the randomness collaborator. Float64 must return a value in
// [0, 1), as math/rand.Float64 does.
type RNG interface {
	Float64() float64
}

// Table is the subset of membership.Table the scheduler needs, kept
// as an interface so the state machine can be unit-tested against a
// fake without pulling in ttlcache.
type Table interface {
	Size() int
	BeginNewCycle()
	SelfRespondedLastCycle() bool
	SetSelfResponded(bool)
}

// Action is a side effect the Machine wants the Dispatcher to perform.
// The machine never performs I/O itself.
type Action int

const (
	// ActionNone — no emission.
	ActionNone Action = iota
	// ActionEmitQuery — send a PTR query for the configured service.
	ActionEmitQuery
	// ActionEmitResponse — send SRV + A/AAAA records for self.
	ActionEmitResponse
)

// Result reports the action(s) a transition produced. At most one
// timer action and one emission are ever produced by a single event.
type Result struct {
	Arm      bool
	Duration time.Duration
	Emit     Action // ActionNone, ActionEmitQuery, or ActionEmitResponse
}

// Machine is the Query/Response Mode State Machine of spec.md §4.3.
// Not safe for concurrent use — the Dispatcher serializes all calls.
type Machine struct {
	tau time.Duration
	phi float64

	table Table
	rng   RNG

	mode domain.Mode

	responseCounter int
	extra           time.Duration // current cycle's extra
	prevExtra       time.Duration // persisted across Response cycles
}

// New constructs a Machine in Query mode. Call Start to draw the first
// timeout and obtain the initial arm action.
func New(tau time.Duration, phi float64, table Table, rng RNG) *Machine {
	return &Machine{
		tau:   tau,
		phi:   phi,
		table: table,
		rng:   rng,
		mode:  domain.ModeQuery,
	}
}

// Mode returns the machine's current mode.
func (m *Machine) Mode() domain.Mode { return m.mode }

// Start enters Query mode for the first time, drawing the initial
// timeout per spec.md §4.3. Call exactly once before feeding events.
func (m *Machine) Start() Result {
	return m.enterQuery()
}

// enterQuery draws t uniformly from [τ, τ + (S+1)·τ/10) and requests
// the timer be armed for it.
func (m *Machine) enterQuery() Result {
	m.mode = domain.ModeQuery
	s := m.table.Size()
	width := float64(s+1) * float64(m.tau) / 10
	t := float64(m.tau) + m.rng.Float64()*width
	return Result{Arm: true, Duration: time.Duration(t)}
}

// enterResponse computes the response timeout and extra fairness term
// per spec.md §4.3, resets the per-cycle counter, and snapshots the
// Membership Table's per-cycle flags.
func (m *Machine) enterResponse() Result {
	m.mode = domain.ModeResponse
	s := m.table.Size()

	// random ∈ [0, 100ms·(S+1)/(τ·φ))
	tauPhi := m.tauPhi()
	width := 100 * float64(time.Millisecond) * float64(s+1) / tauPhi
	random := time.Duration(m.rng.Float64() * width)

	if m.table.SelfRespondedLastCycle() {
		v := float64(s) / tauPhi
		if v > 10 {
			v = 10
		}
		m.extra = time.Duration(100 * float64(time.Millisecond) * v)
	} else {
		m.extra = m.prevExtra - 100*time.Millisecond
		if m.extra < 0 {
			m.extra = 0
		}
	}

	m.responseCounter = 0
	m.table.BeginNewCycle()

	return Result{Arm: true, Duration: random + m.extra}
}

// tauPhi returns τ·φ as a dimensionless count (τ in seconds × φ in
// responses/second).
func (m *Machine) tauPhi() float64 {
	return float64(m.tau) / float64(time.Second) * m.phi
}

// OnTimerFired handles the Timer Service firing in the current mode.
func (m *Machine) OnTimerFired() Result {
	switch m.mode {
	case domain.ModeQuery:
		// Emit query, then transition to Response mode.
		next := m.enterResponse()
		next.Emit = ActionEmitQuery
		return next
	case domain.ModeResponse:
		// Emit response, mark self responded, persist extra, transition.
		m.table.SetSelfResponded(true)
		m.prevExtra = m.extra
		next := m.enterQuery()
		next.Emit = ActionEmitResponse
		return next
	default:
		return Result{}
	}
}

// OnInboundQuery handles an inbound mDNS query from another peer.
func (m *Machine) OnInboundQuery() Result {
	if m.mode == domain.ModeQuery {
		// Cancel our timer and move to Response mode without emitting.
		return m.enterResponse()
	}
	// Already in Response mode: ignore.
	return Result{}
}

// OnInboundResponse handles an inbound mDNS response from another
// peer. The caller is responsible for having already applied it to
// the Membership Table before calling this (or concurrently — order
// doesn't matter for the counter logic here, only that it happens).
func (m *Machine) OnInboundResponse() Result {
	if m.mode != domain.ModeResponse {
		// Query mode: update table already done by caller; no state change.
		return Result{}
	}

	m.responseCounter++
	if float64(m.responseCounter) > m.tauPhi() {
		// Early exit: cancel timer, mark self as not responded, persist
		// extra, and return to Query mode without emitting.
		m.table.SetSelfResponded(false)
		m.prevExtra = m.extra
		return m.enterQuery()
	}
	return Result{}
}

// Package loader fetches and caches diagram snapshots through an explicit
// finite-state machine supporting manual and periodic refresh with retry.
package loader

import (
	"errors"
	"time"

	"github.com/timzifer/sldsync/diagram"
)

// AutoRefreshInterval is the fixed period of the refresh timer in the loaded
// state.
const AutoRefreshInterval = 60 * time.Second

// State is the loader state tag.
type State string

const (
	StateIdle              State = "idle"
	StateWaitingForRuntime State = "waitingForRuntime"
	StateLoading           State = "loading"
	StateLoaded            State = "loaded"
	StateRefreshing        State = "refreshing"
	StateError             State = "error"
)

// Event is an input of the state machine.
type Event interface {
	eventName() string
}

type (
	// Load requests the diagram for ID.
	Load struct{ ID diagram.Identifier }
	// Retry re-attempts a failed initial load.
	Retry struct{}
	// ManualRefresh refetches the loaded diagram without waiting for the timer.
	ManualRefresh struct{}
	// EnableAutoRefresh turns on periodic refresh.
	EnableAutoRefresh struct{}
	// DisableAutoRefresh turns off periodic refresh.
	DisableAutoRefresh struct{}
	// ClearCache empties the snapshot cache.
	ClearCache struct{}
	// RuntimeReady reports that a backend handle became available.
	RuntimeReady struct{}
	// RuntimeLost reports that the backend handle went away.
	RuntimeLost struct{}
	// TimerExpired is emitted by the refresh timer armed with Gen.
	TimerExpired struct{ Gen uint64 }
	// FetchSucceeded carries a completed fetch.
	FetchSucceeded struct {
		ID       diagram.Identifier
		Snapshot diagram.Snapshot
		Refresh  bool
	}
	// FetchFailed carries a failed fetch.
	FetchFailed struct {
		ID      diagram.Identifier
		Err     error
		Refresh bool
	}
)

func (Load) eventName() string               { return "load" }
func (Retry) eventName() string              { return "retry" }
func (ManualRefresh) eventName() string      { return "manual_refresh" }
func (EnableAutoRefresh) eventName() string  { return "enable_auto_refresh" }
func (DisableAutoRefresh) eventName() string { return "disable_auto_refresh" }
func (ClearCache) eventName() string         { return "clear_cache" }
func (RuntimeReady) eventName() string       { return "runtime_ready" }
func (RuntimeLost) eventName() string        { return "runtime_lost" }
func (TimerExpired) eventName() string       { return "timer_expired" }
func (FetchSucceeded) eventName() string     { return "fetch_succeeded" }
func (FetchFailed) eventName() string        { return "fetch_failed" }

// Effect is a side effect requested by a transition. The driver executes
// effects in order after the transition has been committed.
type Effect interface {
	effectName() string
}

type (
	// Fetch issues a backend request for ID.
	Fetch struct {
		ID      diagram.Identifier
		Refresh bool
	}
	// Store writes a successful snapshot into the cache.
	Store struct {
		ID       diagram.Identifier
		Snapshot diagram.Snapshot
	}
	// StartTimer (re)arms the refresh timer; expiry emits TimerExpired{Gen}.
	StartTimer struct {
		Gen   uint64
		After time.Duration
	}
	// StopTimer disarms the refresh timer.
	StopTimer struct{}
	// EvictAll empties the cache.
	EvictAll struct{}
	// Replay re-dispatches a Load buffered while a fetch was in flight.
	Replay struct{ ID diagram.Identifier }
)

func (Fetch) effectName() string      { return "fetch" }
func (Store) effectName() string      { return "store" }
func (StartTimer) effectName() string { return "start_timer" }
func (StopTimer) effectName() string  { return "stop_timer" }
func (EvictAll) effectName() string   { return "evict_all" }
func (Replay) effectName() string     { return "replay" }

// Env provides the read-only inputs of a transition.
type Env struct {
	Now    time.Time
	Cached func(diagram.Identifier) (diagram.Snapshot, bool)
}

func (e Env) lookup(id diagram.Identifier) (diagram.Snapshot, bool) {
	if e.Cached == nil {
		return diagram.Snapshot{}, false
	}
	return e.Cached(id)
}

// Machine is the complete loader state. It is a value; transitions return a
// new Machine.
type Machine struct {
	State       State
	ID          diagram.Identifier
	Snapshot    *diagram.Snapshot
	Err         *Error
	LastUpdate  time.Time
	AutoRefresh bool
	Runtime     bool
	InFlight    bool
	Pending     *diagram.Identifier
	TimerGen    uint64
}

// NewMachine returns an idle machine.
func NewMachine() Machine {
	return Machine{State: StateIdle}
}

// Transition is the pure transition table of the loader.
func Transition(m Machine, ev Event, env Env) (Machine, []Effect) {
	switch e := ev.(type) {
	case Load:
		return m.load(e.ID, env)
	case Retry:
		if m.State != StateError {
			return m, nil
		}
		return m.route(m.ID, env)
	case ManualRefresh:
		if m.State != StateLoaded || !m.Runtime {
			return m, nil
		}
		return m.refresh()
	case EnableAutoRefresh:
		m.AutoRefresh = true
		return m, nil
	case DisableAutoRefresh:
		m.AutoRefresh = false
		return m, nil
	case ClearCache:
		return m, []Effect{EvictAll{}}
	case RuntimeReady:
		m.Runtime = true
		if m.State == StateWaitingForRuntime {
			return m.fetch(false)
		}
		return m, nil
	case RuntimeLost:
		m.Runtime = false
		return m, nil
	case TimerExpired:
		if m.State != StateLoaded || e.Gen != m.TimerGen {
			return m, nil
		}
		if m.AutoRefresh && m.Runtime {
			return m.refresh()
		}
		return m.armTimer(nil)
	case FetchSucceeded:
		return m.fetchSucceeded(e, env)
	case FetchFailed:
		return m.fetchFailed(e)
	default:
		return m, nil
	}
}

func (m Machine) load(id diagram.Identifier, env Env) (Machine, []Effect) {
	if m.InFlight {
		if id == m.ID {
			m.Pending = nil
			return m, nil
		}
		pending := id
		m.Pending = &pending
		return m, nil
	}
	if m.State == StateLoaded && id == m.ID {
		return m, nil
	}
	if m.State == StateWaitingForRuntime && id == m.ID {
		return m, nil
	}
	return m.route(id, env)
}

// route resolves a load request: cache hit, fetch, or wait for a runtime.
func (m Machine) route(id diagram.Identifier, env Env) (Machine, []Effect) {
	var effects []Effect
	if m.State == StateLoaded {
		m.TimerGen++
		effects = append(effects, StopTimer{})
	}
	if snap, ok := env.lookup(id); ok {
		m.ID = id
		m.Snapshot = &snap
		m.Err = nil
		m.LastUpdate = snap.FetchedAt
		m.State = StateLoaded
		return m.armTimer(effects)
	}
	if id != m.ID {
		m.Snapshot = nil
	}
	m.ID = id
	m.Err = nil
	if !m.Runtime {
		m.State = StateWaitingForRuntime
		return m, effects
	}
	next, fetch := m.fetch(false)
	return next, append(effects, fetch...)
}

func (m Machine) fetch(refresh bool) (Machine, []Effect) {
	m.InFlight = true
	if refresh {
		m.State = StateRefreshing
	} else {
		m.State = StateLoading
	}
	return m, []Effect{Fetch{ID: m.ID, Refresh: refresh}}
}

func (m Machine) refresh() (Machine, []Effect) {
	m.TimerGen++
	next, effects := m.fetch(true)
	return next, append([]Effect{StopTimer{}}, effects...)
}

func (m Machine) armTimer(effects []Effect) (Machine, []Effect) {
	m.TimerGen++
	return m, append(effects, StartTimer{Gen: m.TimerGen, After: AutoRefreshInterval})
}

func (m Machine) fetchSucceeded(e FetchSucceeded, env Env) (Machine, []Effect) {
	if !m.InFlight {
		return m, nil
	}
	m.InFlight = false
	snap := e.Snapshot
	effects := []Effect{Store{ID: e.ID, Snapshot: snap}}
	m.ID = e.ID
	m.Snapshot = &snap
	m.Err = nil
	m.LastUpdate = env.Now
	m.State = StateLoaded
	m, effects = m.armTimer(effects)
	return m.replay(effects)
}

func (m Machine) fetchFailed(e FetchFailed) (Machine, []Effect) {
	if !m.InFlight {
		return m, nil
	}
	m.InFlight = false
	var effects []Effect
	switch {
	case errors.Is(e.Err, diagram.ErrConnectionUnavailable):
		// The handle went away between dispatch and fetch.
		m.Runtime = false
		if e.Refresh {
			m.State = StateLoaded
			m, effects = m.armTimer(effects)
		} else {
			m.State = StateWaitingForRuntime
		}
	case e.Refresh:
		m.State = StateLoaded
		m.Err = &Error{Kind: KindRefreshFailed, ID: e.ID, Err: e.Err}
		m, effects = m.armTimer(effects)
	default:
		m.State = StateError
		m.Err = &Error{Kind: KindFetchFailed, ID: e.ID, Err: e.Err}
	}
	return m.replay(effects)
}

func (m Machine) replay(effects []Effect) (Machine, []Effect) {
	if m.Pending == nil {
		return m, effects
	}
	id := *m.Pending
	m.Pending = nil
	return m, append(effects, Replay{ID: id})
}

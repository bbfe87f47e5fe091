// Package fsm is the orchestrator for UI-visible connection flow states.
// Transitions are a pure function of (state, event) plus one guard; each
// accepted transition names the actions to run against the shared
// snapshot. Actions only shape the payload carried into the next state,
// never which state is entered.
package fsm

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/chadrwalters/harmonyctl/internal/harmony"
)

type State int

const (
	Idle State = iota
	LoadingCache
	Discovering
	Connecting
	FetchingConfig
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case LoadingCache:
		return "loadingCache"
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case FetchingConfig:
		return "fetchingConfig"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "idle"
	}
}

type EventType int

const (
	EventLoadCache EventType = iota
	EventCacheLoaded
	EventDiscover
	EventHubsFound
	EventConnect
	EventConnected
	EventConfigLoaded
	EventActivityStarted
	EventDisconnect
	EventDisconnected
	EventError
)

// Event carries a type tag plus whatever payload the transition's actions
// consume.
type Event struct {
	Type       EventType
	Hubs       []harmony.Hub
	Hub        *harmony.Hub
	Cached     *harmony.CachedData
	Activities []harmony.Activity
	Devices    []harmony.Device
	ActivityID string
	Err        error
}

type Action int

const (
	ActionRecordHubs Action = iota
	ActionSelectHub
	ActionApplyCache
	ActionApplyConfig
	ActionSetActiveActivity
	ActionClearConnection
	ActionRecordError
)

// Snapshot is the shared state record actions mutate.
type Snapshot struct {
	Hubs        []harmony.Hub
	SelectedHub *harmony.Hub
	Activities  []harmony.Activity
	Devices     []harmony.Device
	LastError   error
}

// Transition computes the next state and the actions to run. hubSelected
// feeds the one guarded transition: CONNECT from idle is refused until a
// hub has been chosen. The third return reports whether the event was
// accepted at all.
func Transition(s State, hubSelected bool, ev Event) (State, []Action, bool) {
	if ev.Type == EventError {
		// Idle has no error transition; errors raised there are dropped.
		if s == Idle {
			return Idle, nil, false
		}
		return Idle, []Action{ActionRecordError}, true
	}

	switch s {
	case Idle:
		switch ev.Type {
		case EventLoadCache:
			return LoadingCache, nil, true
		case EventDiscover:
			return Discovering, nil, true
		case EventConnect:
			if !hubSelected && ev.Hub == nil {
				return Idle, nil, false
			}
			if ev.Hub != nil {
				return Connecting, []Action{ActionSelectHub}, true
			}
			return Connecting, nil, true
		}
	case LoadingCache:
		if ev.Type == EventCacheLoaded {
			return Idle, []Action{ActionApplyCache}, true
		}
	case Discovering:
		if ev.Type == EventHubsFound {
			return Idle, []Action{ActionRecordHubs}, true
		}
	case Connecting:
		if ev.Type == EventConnected {
			return FetchingConfig, nil, true
		}
	case FetchingConfig:
		if ev.Type == EventConfigLoaded {
			return Connected, []Action{ActionApplyConfig}, true
		}
	case Connected:
		switch ev.Type {
		case EventActivityStarted:
			return Connected, []Action{ActionSetActiveActivity}, true
		case EventDisconnect:
			return Disconnecting, nil, true
		}
	case Disconnecting:
		if ev.Type == EventDisconnected {
			return Idle, []Action{ActionClearConnection}, true
		}
	}
	return s, nil, false
}

// Machine applies transitions and runs their actions against the shared
// snapshot.
type Machine struct {
	mu    sync.Mutex
	state State
	snap  Snapshot
	log   zerolog.Logger
}

func NewMachine(log zerolog.Logger) *Machine {
	return &Machine{state: Idle, log: log}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the shared state record.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snap
	snap.Hubs = append([]harmony.Hub(nil), m.snap.Hubs...)
	snap.Activities = append([]harmony.Activity(nil), m.snap.Activities...)
	snap.Devices = append([]harmony.Device(nil), m.snap.Devices...)
	return snap
}

// Dispatch feeds one event through the transition function. Rejected
// events leave state and snapshot untouched.
func (m *Machine) Dispatch(ev Event) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, actions, ok := Transition(m.state, m.snap.SelectedHub != nil, ev)
	if !ok {
		if ev.Type == EventError {
			m.log.Debug().Err(ev.Err).Str("state", m.state.String()).Msg("error dropped in idle")
		} else {
			m.log.Debug().Str("state", m.state.String()).Int("event", int(ev.Type)).Msg("event rejected")
		}
		return m.state, false
	}

	for _, a := range actions {
		m.apply(a, ev)
	}

	if next != m.state {
		m.log.Debug().Str("from", m.state.String()).Str("to", next.String()).Msg("state transition")
	}
	m.state = next
	return next, true
}

func (m *Machine) apply(a Action, ev Event) {
	switch a {
	case ActionRecordHubs:
		m.snap.Hubs = append([]harmony.Hub(nil), ev.Hubs...)
	case ActionSelectHub:
		m.snap.SelectedHub = ev.Hub
	case ActionApplyCache:
		if ev.Cached != nil {
			hub := ev.Cached.Hub
			m.snap.SelectedHub = &hub
			m.snap.Activities = append([]harmony.Activity(nil), ev.Cached.Activities...)
			m.snap.Devices = append([]harmony.Device(nil), ev.Cached.Devices...)
		}
	case ActionApplyConfig:
		m.snap.Activities = append([]harmony.Activity(nil), ev.Activities...)
		m.snap.Devices = append([]harmony.Device(nil), ev.Devices...)
	case ActionSetActiveActivity:
		// The hub protocol does not enforce a single active activity;
		// this does.
		for i := range m.snap.Activities {
			m.snap.Activities[i].IsActive = m.snap.Activities[i].ID == ev.ActivityID
		}
	case ActionClearConnection:
		m.snap.Activities = nil
		m.snap.Devices = nil
	case ActionRecordError:
		m.snap.LastError = ev.Err
	}
}

package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadrwalters/harmonyctl/internal/cache"
	"github.com/chadrwalters/harmonyctl/internal/harmony"
	"github.com/chadrwalters/harmonyctl/internal/session"
)

// ConnectionState of the single managed transport. The handle and the
// state must always agree: a handle exists only while the state is
// connected or transiently connecting.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	errNotConnected   = errors.New("not connected to a hub")
	errNoHandle       = errors.New("no transport handle")
	errSessionInvalid = &harmony.AuthenticationError{Reason: "session invalid or expired"}
)

// Config carries the manager's timing knobs. Production uses the defaults;
// tests shrink them.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SettleDelay   time.Duration
	HoldDelay     time.Duration
	// Backoff is the wait schedule between command attempts. MaxAttempts
	// bounds the loop; a schedule shorter than MaxAttempts-1 repeats its
	// last entry.
	Backoff     []time.Duration
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		ProbeInterval: 500 * time.Millisecond,
		ProbeTimeout:  5 * time.Second,
		SettleDelay:   500 * time.Millisecond,
		HoldDelay:     100 * time.Millisecond,
		Backoff:       []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
		MaxAttempts:   3,
	}
}

// Manager owns the single live transport. One instance exists per process,
// constructed at startup and passed to every caller; its mutex serializes
// overlapping high-level operations so a command execution can never
// interleave with a disconnect.
type Manager struct {
	mu sync.Mutex

	dial     Dialer
	sessions *session.Manager
	cache    *cache.Store
	log      zerolog.Logger
	cfg      Config

	transport Transport
	state     ConnectionState
	lastHub   *harmony.Hub
	hubs      []harmony.Hub

	// lastAttempts records how many tries the most recent command
	// execution used; reset by ClearCache.
	lastAttempts int
}

func NewManager(dial Dialer, sessions *session.Manager, cacheStore *cache.Store, cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		dial:     dial,
		sessions: sessions,
		cache:    cacheStore,
		cfg:      cfg,
		log:      log,
		state:    Disconnected,
	}
}

// State reports the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastHub returns the most recently connected hub, if any.
func (m *Manager) LastHub() (harmony.Hub, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastHub == nil {
		return harmony.Hub{}, false
	}
	return *m.lastHub, true
}

// SetDiscovered records the most recent discovery result.
func (m *Manager) SetDiscovered(hubs []harmony.Hub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hubs = append([]harmony.Hub(nil), hubs...)
}

// Discovered returns the hubs from the most recent discovery.
func (m *Manager) Discovered() []harmony.Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]harmony.Hub(nil), m.hubs...)
}

// Connect opens the transport to hub and verifies it with a liveness probe
// before reporting success. An existing transport is fully released first,
// with a settling delay so the peer can drop the old socket.
func (m *Manager) Connect(ctx context.Context, h harmony.Hub) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx, h)
}

func (m *Manager) connectLocked(ctx context.Context, h harmony.Hub) error {
	if m.transport != nil {
		m.log.Debug().Msg("releasing existing transport before reconnect")
		m.disconnectLocked()
		time.Sleep(m.cfg.SettleDelay)
	}

	m.state = Connecting
	t, err := m.dial(ctx, h)
	if err != nil {
		m.state = Disconnected
		return &harmony.NetworkError{Op: "connect to " + h.IP, Err: err}
	}

	// A socket being open does not mean the control channel is ready.
	// Poll the liveness probe until it succeeds or the timeout lapses. The
	// derived deadline bounds each probe call too, so a hung probe cannot
	// stretch the connect past the budget.
	deadline := time.Now().Add(m.cfg.ProbeTimeout)
	probeCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	for {
		if err := t.Probe(probeCtx); err == nil {
			m.transport = t
			m.state = Connected
			hubCopy := h
			// Carry the resolved remote id forward so reconnects skip the
			// provision-info fetch.
			if id := t.RemoteID(); id != "" {
				hubCopy.RemoteID = id
			}
			m.lastHub = &hubCopy
			if _, err := m.sessions.Create(sessionToken(hubCopy)); err != nil {
				m.log.Warn().Err(err).Msg("session create failed after connect")
			}
			m.log.Info().Str("hub", h.FriendlyName).Msg("connected")
			return nil
		} else {
			m.log.Debug().Err(err).Msg("liveness probe not ready")
		}
		if !time.Now().Add(m.cfg.ProbeInterval).Before(deadline) {
			t.Close()
			m.state = Disconnected
			return &harmony.NetworkError{
				Op:  "verify connection to " + h.IP,
				Err: fmt.Errorf("no successful probe within %s", m.cfg.ProbeTimeout),
			}
		}
		time.Sleep(m.cfg.ProbeInterval)
	}
}

func sessionToken(h harmony.Hub) string {
	if h.RemoteID != "" {
		return h.RemoteID
	}
	return h.ID
}

// Disconnect gracefully ends the transport. State is reset and the handle
// cleared before any close failure is reported, never after.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectLocked()
}

func (m *Manager) disconnectLocked() error {
	var err error
	if m.transport != nil {
		err = m.transport.Close()
	}
	m.transport = nil
	m.state = Disconnected
	if err != nil {
		m.log.Warn().Err(err).Msg("transport close failed")
	}
	return err
}

// EnsureConnected re-verifies the transport with a fresh probe. A missing
// handle fails immediately; a failed probe clears the handle and raises a
// lost-connection error. A successful probe reconciles the state to
// connected even if it had drifted.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureConnectedLocked(ctx)
}

func (m *Manager) ensureConnectedLocked(ctx context.Context) error {
	if m.transport == nil {
		m.state = Disconnected
		return &harmony.NetworkError{Op: "verify connection", Err: errNoHandle}
	}
	if err := m.transport.Probe(ctx); err != nil {
		m.transport.Close()
		m.transport = nil
		m.state = Disconnected
		return &harmony.NetworkError{Op: "lost connection", Err: err}
	}
	m.state = Connected
	return nil
}

// Activities fetches and validates the hub's activities, marking the one
// that is currently running. Exactly one activity is ever flagged active.
func (m *Manager) Activities(ctx context.Context) ([]harmony.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport == nil {
		return nil, &harmony.NetworkError{Op: "get activities", Err: errNotConnected}
	}

	cfg, err := m.transport.Config(ctx)
	if err != nil {
		return nil, &harmony.NetworkError{Op: "get activities", Err: err}
	}

	currentID := ""
	if id, err := m.transport.CurrentActivity(ctx); err == nil {
		currentID = id
	} else {
		m.log.Debug().Err(err).Msg("current activity unavailable")
	}

	return translateActivities(cfg.Activity, currentID)
}

// Devices fetches and validates the hub's devices, flattening each
// device's control-group/function hierarchy into a flat command list.
func (m *Manager) Devices(ctx context.Context) ([]harmony.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport == nil {
		return nil, &harmony.NetworkError{Op: "get devices", Err: errNotConnected}
	}

	cfg, err := m.transport.Config(ctx)
	if err != nil {
		return nil, &harmony.NetworkError{Op: "get devices", Err: err}
	}
	return translateDevices(cfg.Device)
}

// CurrentActivity returns the id of the running activity.
func (m *Manager) CurrentActivity(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport == nil {
		return "", &harmony.NetworkError{Op: "get current activity", Err: errNotConnected}
	}
	id, err := m.transport.CurrentActivity(ctx)
	if err != nil {
		return "", &harmony.NetworkError{Op: "get current activity", Err: err}
	}
	return id, nil
}

// StartActivity asks the hub to run an activity. Local activity flags are
// not touched here; the orchestrator updates them on the success event.
func (m *Manager) StartActivity(ctx context.Context, activityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sessions.Validate() {
		return errSessionInvalid
	}
	if m.transport == nil {
		return &harmony.NetworkError{Op: "start activity", Err: errNotConnected}
	}
	if err := m.transport.StartActivity(ctx, activityID); err != nil {
		return &harmony.NetworkError{Op: "start activity " + activityID, Err: err}
	}
	return nil
}

// ExecuteCommand sends a press-and-release for the device/command pair,
// retrying with the backoff schedule. Each attempt re-verifies the
// connection first; between attempts the manager reconnects to the last
// known hub on a best-effort basis, logging but not aborting on reconnect
// failure. After the final attempt the last error is raised to the caller.
func (m *Manager) ExecuteCommand(ctx context.Context, deviceID, commandID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sessions.Validate() {
		return errSessionInvalid
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := m.cfg.Backoff[len(m.cfg.Backoff)-1]
			if attempt-1 < len(m.cfg.Backoff) {
				wait = m.cfg.Backoff[attempt-1]
			}
			m.log.Info().Int("attempt", attempt+1).Dur("backoff", wait).Msg("retrying command")
			time.Sleep(wait)

			if m.lastHub != nil {
				if err := m.connectLocked(ctx, *m.lastHub); err != nil {
					m.log.Warn().Err(err).Msg("reconnect before retry failed")
				}
			}
		}

		if err := m.pressAndRelease(ctx, deviceID, commandID); err != nil {
			lastErr = err
			m.log.Debug().Err(err).Int("attempt", attempt+1).Msg("command attempt failed")
			continue
		}

		m.lastAttempts = attempt + 1
		return nil
	}

	m.lastAttempts = m.cfg.MaxAttempts
	return lastErr
}

// pressAndRelease performs one verified attempt: probe, press, hold,
// release.
func (m *Manager) pressAndRelease(ctx context.Context, deviceID, commandID string) error {
	if err := m.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	if err := m.transport.SendAction(ctx, deviceID, commandID, "press"); err != nil {
		return &harmony.NetworkError{Op: "press " + commandID, Err: err}
	}
	time.Sleep(m.cfg.HoldDelay)
	if err := m.transport.SendAction(ctx, deviceID, commandID, "release"); err != nil {
		return &harmony.NetworkError{Op: "release " + commandID, Err: err}
	}
	return nil
}

// PrefetchConfig warms the hub cache with a hub's configuration over a
// short-lived transport. Used by discovery; never fails the caller.
func (m *Manager) PrefetchConfig(ctx context.Context, h harmony.Hub) {
	t, err := m.dial(ctx, h)
	if err != nil {
		m.log.Debug().Err(err).Str("hub", h.FriendlyName).Msg("prefetch dial failed")
		return
	}
	defer t.Close()

	cfg, err := t.Config(ctx)
	if err != nil {
		m.log.Debug().Err(err).Str("hub", h.FriendlyName).Msg("prefetch config failed")
		return
	}

	activities, err := translateActivities(cfg.Activity, "")
	if err != nil {
		m.log.Debug().Err(err).Msg("prefetch activities invalid")
		return
	}
	devices, err := translateDevices(cfg.Device)
	if err != nil {
		m.log.Debug().Err(err).Msg("prefetch devices invalid")
		return
	}
	// Cache the hub with its resolved remote id so connects from cache skip
	// the provision-info fetch.
	if id := t.RemoteID(); id != "" {
		h.RemoteID = id
	}
	if err := m.cache.Save(h, activities, devices); err != nil {
		m.log.Warn().Err(err).Msg("prefetch cache write failed")
	}
}

// ClearCache deletes every persisted key and resets the manager's
// in-memory state to its initial values.
func (m *Manager) ClearCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.cache.ClearAll()

	if m.transport != nil {
		m.transport.Close()
	}
	m.transport = nil
	m.state = Disconnected
	m.lastHub = nil
	m.hubs = nil
	m.lastAttempts = 0

	return err
}

// translateActivities validates raw activities, marking currentID active.
func translateActivities(raw []RawActivity, currentID string) ([]harmony.Activity, error) {
	activities := make([]harmony.Activity, 0, len(raw))
	for _, ra := range raw {
		a, err := harmony.ActivityFromResponse(ra.ID, ra.Label, currentID != "" && ra.ID == currentID)
		if err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	return activities, nil
}

// translateDevices flattens each device's control groups into one command
// list. A function's label defaults to its raw name when the hub supplies
// none.
func translateDevices(raw []RawDevice) ([]harmony.Device, error) {
	devices := make([]harmony.Device, 0, len(raw))
	for _, rd := range raw {
		commands := make([]harmony.Command, 0)
		for _, group := range rd.ControlGroup {
			for _, fn := range group.Function {
				label := fn.Label
				if label == "" {
					label = fn.Name
				}
				commands = append(commands, harmony.Command{
					ID:       fn.Name,
					Label:    label,
					DeviceID: rd.ID,
				})
			}
		}
		d, err := harmony.DeviceFromResponse(rd.ID, rd.Label, rd.Type, commands)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

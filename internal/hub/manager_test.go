package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadrwalters/harmonyctl/internal/cache"
	"github.com/chadrwalters/harmonyctl/internal/harmony"
	"github.com/chadrwalters/harmonyctl/internal/notify"
	"github.com/chadrwalters/harmonyctl/internal/session"
	"github.com/chadrwalters/harmonyctl/internal/store"
)

type transportEvent struct {
	kind   string // "probe", "press", "release"
	device string
	cmd    string
	at     time.Time
}

// fakeTransport scripts probe outcomes and records every call with a
// timestamp.
type fakeTransport struct {
	mu          sync.Mutex
	events      []transportEvent
	probeErrs   []error // consumed in order; nil entry = success; empty = always succeed
	probeBlocks bool    // probe hangs until the context ends
	sendErr     error
	closed      bool
	remoteID    string
	config      RawConfig
	currentID   string
	configErr   error
}

func (f *fakeTransport) record(kind, device, cmd string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, transportEvent{kind: kind, device: device, cmd: cmd, at: time.Now()})
}

func (f *fakeTransport) Probe(ctx context.Context) error {
	f.record("probe", "", "")
	f.mu.Lock()
	blocks := f.probeBlocks
	f.mu.Unlock()
	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.probeErrs) == 0 {
		return nil
	}
	err := f.probeErrs[0]
	f.probeErrs = f.probeErrs[1:]
	return err
}

func (f *fakeTransport) RemoteID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteID
}

func (f *fakeTransport) Config(ctx context.Context) (RawConfig, error) {
	return f.config, f.configErr
}

func (f *fakeTransport) CurrentActivity(ctx context.Context) (string, error) {
	return f.currentID, nil
}

func (f *fakeTransport) StartActivity(ctx context.Context, activityID string) error {
	return nil
}

func (f *fakeTransport) SendAction(ctx context.Context, deviceID, command, status string) error {
	f.record(status, deviceID, command)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) eventsOf(kind string) []transportEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transportEvent
	for _, e := range f.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		ProbeInterval: 10 * time.Millisecond,
		ProbeTimeout:  80 * time.Millisecond,
		SettleDelay:   time.Millisecond,
		HoldDelay:     20 * time.Millisecond,
		Backoff:       []time.Duration{30 * time.Millisecond, 60 * time.Millisecond, 120 * time.Millisecond},
		MaxAttempts:   3,
	}
}

func newTestManager(t *testing.T, dial Dialer) (*Manager, *session.Manager, *cache.Store) {
	t.Helper()
	st := store.NewAt(t.TempDir())
	log := zerolog.Nop()
	sessions := session.NewManager(st, notify.Discard{}, log)
	cacheStore := cache.New(st, log)
	m := NewManager(dial, sessions, cacheStore, testConfig(), log)
	return m, sessions, cacheStore
}

func dialerFor(t *fakeTransport) Dialer {
	return func(ctx context.Context, h harmony.Hub) (Transport, error) {
		return t, nil
	}
}

var testHub = harmony.Hub{ID: "hub-1", FriendlyName: "Living Room", IP: "192.168.1.10", RemoteID: "42"}

func TestConnectEstablishesOnFirstSuccessfulProbe(t *testing.T) {
	ft := &fakeTransport{}
	m, sessions, _ := newTestManager(t, dialerFor(ft))

	require.NoError(t, m.Connect(context.Background(), testHub))
	assert.Equal(t, Connected, m.State())

	// Connect creates the session that gates privileged operations.
	_, ok, err := sessions.Get()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConnectFailsWithTimeoutWhenProbeNeverSucceeds(t *testing.T) {
	ft := &fakeTransport{probeErrs: foreverFailing(100)}
	m, _, _ := newTestManager(t, dialerFor(ft))

	start := time.Now()
	err := m.Connect(context.Background(), testHub)
	elapsed := time.Since(start)

	require.Error(t, err)
	var netErr *harmony.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Contains(t, err.Error(), "no successful probe")

	assert.Equal(t, Disconnected, m.State())
	assert.Nil(t, m.transport, "handle must be discarded on timeout")
	assert.True(t, ft.closed, "failed transport must be closed")
	assert.GreaterOrEqual(t, elapsed, m.cfg.ProbeTimeout-m.cfg.ProbeInterval)
}

func TestConnectHonorsProbeTimeoutWhenProbeHangs(t *testing.T) {
	// A probe that never returns on its own must be cut off by the connect
	// budget, not left to block indefinitely.
	ft := &fakeTransport{probeBlocks: true}
	m, _, _ := newTestManager(t, dialerFor(ft))

	start := time.Now()
	err := m.Connect(context.Background(), testHub)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, Disconnected, m.State())
	assert.True(t, ft.closed)
	assert.GreaterOrEqual(t, elapsed, m.cfg.ProbeTimeout-m.cfg.ProbeInterval)
	assert.Less(t, elapsed, 4*m.cfg.ProbeTimeout, "a hung probe must not stretch the connect")
}

func TestConnectCarriesResolvedRemoteIDToReconnects(t *testing.T) {
	// The hub record arrives without a remote id; the transport resolves
	// one. Later reconnects must reuse it instead of resolving again.
	ft := &fakeTransport{remoteID: "61"}
	var mu sync.Mutex
	var dialed []harmony.Hub
	dial := func(ctx context.Context, h harmony.Hub) (Transport, error) {
		mu.Lock()
		dialed = append(dialed, h)
		mu.Unlock()
		return ft, nil
	}
	m, _, _ := newTestManager(t, dial)

	bare := harmony.Hub{ID: "hub-2", FriendlyName: "Den", IP: "192.168.1.20"}
	require.NoError(t, m.Connect(context.Background(), bare))

	h, ok := m.LastHub()
	require.True(t, ok)
	assert.Equal(t, "61", h.RemoteID)

	// Force the retry loop to reconnect by failing every press.
	ft.mu.Lock()
	ft.sendErr = errors.New("hub dropped the frame")
	ft.mu.Unlock()
	require.Error(t, m.ExecuteCommand(context.Background(), "dev-1", "PowerOn"))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(dialed), 2)
	for _, d := range dialed[1:] {
		assert.Equal(t, "61", d.RemoteID, "reconnect must carry the resolved id")
	}
}

func foreverFailing(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = errors.New("channel not ready")
	}
	return errs
}

func TestDisconnectClearsHandleAndState(t *testing.T) {
	ft := &fakeTransport{}
	m, _, _ := newTestManager(t, dialerFor(ft))
	require.NoError(t, m.Connect(context.Background(), testHub))

	require.NoError(t, m.Disconnect())
	assert.Equal(t, Disconnected, m.State())
	assert.Nil(t, m.transport)
}

func TestEnsureConnectedWithoutHandleFailsImmediately(t *testing.T) {
	m, _, _ := newTestManager(t, dialerFor(&fakeTransport{}))

	err := m.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.Equal(t, Disconnected, m.State())
}

func TestEnsureConnectedClearsHandleOnProbeFailure(t *testing.T) {
	ft := &fakeTransport{}
	m, _, _ := newTestManager(t, dialerFor(ft))
	require.NoError(t, m.Connect(context.Background(), testHub))

	ft.mu.Lock()
	ft.probeErrs = foreverFailing(10)
	ft.mu.Unlock()

	err := m.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lost connection")
	assert.Equal(t, Disconnected, m.State())
	assert.Nil(t, m.transport)
	assert.True(t, ft.closed)
}

func TestEnsureConnectedReconcilesDriftedState(t *testing.T) {
	ft := &fakeTransport{}
	m, _, _ := newTestManager(t, dialerFor(ft))
	require.NoError(t, m.Connect(context.Background(), testHub))

	// Simulate internal drift; the probe should correct it.
	m.mu.Lock()
	m.state = Connecting
	m.mu.Unlock()

	require.NoError(t, m.EnsureConnected(context.Background()))
	assert.Equal(t, Connected, m.State())
}

func TestExecuteCommandSendsPressThenReleaseWithHold(t *testing.T) {
	ft := &fakeTransport{}
	m, _, _ := newTestManager(t, dialerFor(ft))
	require.NoError(t, m.Connect(context.Background(), testHub))

	require.NoError(t, m.ExecuteCommand(context.Background(), "dev-1", "PowerOn"))

	presses := ft.eventsOf("press")
	releases := ft.eventsOf("release")
	require.Len(t, presses, 1)
	require.Len(t, releases, 1)
	assert.Equal(t, "dev-1", presses[0].device)
	assert.Equal(t, "PowerOn", presses[0].cmd)
	assert.True(t, presses[0].at.Before(releases[0].at), "press must precede release")
	assert.GreaterOrEqual(t, releases[0].at.Sub(presses[0].at), m.cfg.HoldDelay)
}

func TestExecuteCommandRetriesWithBackoffThenRaisesLastError(t *testing.T) {
	// Probes succeed but every press fails, so each attempt fails after
	// verification and the loop reconnects between tries.
	ft := &fakeTransport{sendErr: errors.New("hub dropped the frame")}
	dialCount := 0
	dial := func(ctx context.Context, h harmony.Hub) (Transport, error) {
		dialCount++
		return ft, nil
	}
	m, _, _ := newTestManager(t, dial)

	require.NoError(t, m.Connect(context.Background(), testHub))

	start := time.Now()
	err := m.ExecuteCommand(context.Background(), "dev-1", "PowerOn")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "press")

	presses := ft.eventsOf("press")
	require.Len(t, presses, 3, "exactly MaxAttempts tries")
	assert.Empty(t, ft.eventsOf("release"), "a failed press must not be released")

	// Delays between attempts follow the schedule: 30ms then 60ms.
	assert.GreaterOrEqual(t, presses[1].at.Sub(presses[0].at), 30*time.Millisecond)
	assert.GreaterOrEqual(t, presses[2].at.Sub(presses[1].at), 60*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)

	// A reconnect was attempted before each retry.
	assert.GreaterOrEqual(t, dialCount, 3)
	assert.Equal(t, 3, m.lastAttempts)
}

func TestExecuteCommandReconnectFailureDoesNotAbortLoop(t *testing.T) {
	ft := &fakeTransport{probeErrs: foreverFailing(100)}
	dialCount := 0
	dial := func(ctx context.Context, h harmony.Hub) (Transport, error) {
		dialCount++
		if dialCount == 1 {
			return ft, nil
		}
		return nil, errors.New("hub unreachable")
	}
	m, _, _ := newTestManager(t, dial)

	m.mu.Lock()
	m.transport = ft
	m.state = Connected
	h := testHub
	m.lastHub = &h
	m.mu.Unlock()
	_, err := m.sessions.Create("tok")
	require.NoError(t, err)

	err = m.ExecuteCommand(context.Background(), "dev-1", "PowerOn")
	require.Error(t, err)

	// All three attempts ran despite every reconnect failing.
	assert.Equal(t, 3, m.lastAttempts)
	assert.GreaterOrEqual(t, dialCount, 3)
}

func TestExecuteCommandSucceedsOnSecondAttemptWithoutThird(t *testing.T) {
	// First probe fails, second succeeds.
	ft := &fakeTransport{probeErrs: []error{errors.New("flaky"), nil}}
	dial := func(ctx context.Context, h harmony.Hub) (Transport, error) {
		return ft, nil
	}
	m, _, _ := newTestManager(t, dial)

	m.mu.Lock()
	m.transport = ft
	m.state = Connected
	h := testHub
	m.lastHub = &h
	m.mu.Unlock()
	_, err := m.sessions.Create("tok")
	require.NoError(t, err)

	require.NoError(t, m.ExecuteCommand(context.Background(), "dev-1", "VolumeUp"))

	assert.Len(t, ft.eventsOf("press"), 1)
	assert.Len(t, ft.eventsOf("release"), 1)
	assert.Equal(t, 2, m.lastAttempts)
}

func TestExecuteCommandRequiresValidSession(t *testing.T) {
	ft := &fakeTransport{}
	m, _, _ := newTestManager(t, dialerFor(ft))

	// No session created: the gate must reject before any transport use.
	err := m.ExecuteCommand(context.Background(), "dev-1", "PowerOn")
	require.Error(t, err)
	var authErr *harmony.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
	assert.Empty(t, ft.events)
}

func TestDevicesFlattensControlGroups(t *testing.T) {
	ft := &fakeTransport{
		config: RawConfig{
			Device: []RawDevice{{
				ID:    "dev-9",
				Label: "TV",
				Type:  "Television",
				ControlGroup: []RawControlGroup{
					{Name: "Power", Function: []RawFunction{
						{Name: "PowerOn", Label: "Power On"},
						{Name: "PowerOff"},
					}},
					{Name: "Volume", Function: []RawFunction{
						{Name: "VolumeUp", Label: "Volume Up"},
						{Name: "VolumeDown"},
					}},
				},
			}},
		},
	}
	m, _, _ := newTestManager(t, dialerFor(ft))
	require.NoError(t, m.Connect(context.Background(), testHub))

	devices, err := m.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)

	d := devices[0]
	require.Len(t, d.Commands, 4, "two groups of two functions flatten to four commands")
	for _, c := range d.Commands {
		assert.Equal(t, "dev-9", c.DeviceID)
	}
	// Labels default to the raw function name when absent.
	assert.Equal(t, "Power On", d.Commands[0].Label)
	assert.Equal(t, "PowerOff", d.Commands[1].Label)
	assert.Equal(t, "VolumeDown", d.Commands[3].Label)
}

func TestActivitiesMarksCurrentActive(t *testing.T) {
	ft := &fakeTransport{
		config: RawConfig{
			Activity: []RawActivity{
				{ID: "1001", Label: "Watch TV"},
				{ID: "1002", Label: "Listen to Music"},
			},
		},
		currentID: "1002",
	}
	m, _, _ := newTestManager(t, dialerFor(ft))
	require.NoError(t, m.Connect(context.Background(), testHub))

	activities, err := m.Activities(context.Background())
	require.NoError(t, err)
	require.Len(t, activities, 2)
	assert.False(t, activities[0].IsActive)
	assert.True(t, activities[1].IsActive)
}

func TestQueriesRequireHandle(t *testing.T) {
	m, _, _ := newTestManager(t, dialerFor(&fakeTransport{}))

	_, err := m.Activities(context.Background())
	assert.Error(t, err)
	_, err = m.Devices(context.Background())
	assert.Error(t, err)
}

func TestClearCacheResetsEverything(t *testing.T) {
	ft := &fakeTransport{}
	dir := t.TempDir()
	st := store.NewAt(dir)
	log := zerolog.Nop()
	sessions := session.NewManager(st, notify.Discard{}, log)
	cacheStore := cache.New(st, log)
	m := NewManager(dialerFor(ft), sessions, cacheStore, testConfig(), log)

	require.NoError(t, m.Connect(context.Background(), testHub))
	m.SetDiscovered([]harmony.Hub{testHub})
	require.NoError(t, cacheStore.Save(testHub, nil, nil))
	m.mu.Lock()
	m.lastAttempts = 2
	m.mu.Unlock()

	require.NoError(t, m.ClearCache())

	// All three persisted keys are gone.
	for _, key := range store.AllKeys {
		_, ok, err := st.Get(key)
		require.NoError(t, err)
		assert.False(t, ok, "key %s must be deleted", key)
	}

	// In-memory state back to initial values.
	assert.Equal(t, Disconnected, m.State())
	assert.Nil(t, m.transport)
	assert.Nil(t, m.lastHub)
	assert.Empty(t, m.Discovered())
	assert.Equal(t, 0, m.lastAttempts)
	assert.True(t, ft.closed)
}

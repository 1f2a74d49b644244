package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marqueeworks/marquee-hub/pkg/protocol"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *eventRecorder) record(e StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) all() []StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusEvent(nil), r.events...)
}

func newTestManager(t *testing.T) (*Manager, *eventRecorder, *[]string) {
	t.Helper()

	dropped := &[]string{}
	m := CreateManager(ManagerParams{
		Logger:         zap.NewNop(),
		DropConnection: func(connId string) { *dropped = append(*dropped, connId) },
	})

	recorder := &eventRecorder{}
	m.Subscribe(recorder.record)
	return m, recorder, dropped
}

func TestManager_RegisterCreatesOnlineSession(t *testing.T) {
	m, recorder, _ := newTestManager(t)

	s := m.Register("dev-1", "conn-1", protocol.DeviceInfo{Name: "Lobby", MacAddress: "AA:BB"})

	assert.Equal(t, StatusOnline, s.Status)
	assert.Equal(t, "conn-1", s.ConnId)
	assert.Equal(t, "Lobby", s.Name)
	assert.Equal(t, 1, m.Count())

	events := recorder.all()
	require.Len(t, events, 1)
	assert.Equal(t, StatusOnline, events[0].Current)
}

func TestManager_ReRegisterSupersedesConnection(t *testing.T) {
	m, _, dropped := newTestManager(t)

	m.Register("dev-2", "conn-1", protocol.DeviceInfo{})
	m.Register("dev-2", "conn-2", protocol.DeviceInfo{})

	assert.Equal(t, 1, m.Count())
	s, ok := m.Lookup("dev-2")
	require.True(t, ok)
	assert.Equal(t, "conn-2", s.ConnId)
	assert.Equal(t, []string{"conn-1"}, *dropped)

	// The superseded connection's eventual close must not knock the new
	// association offline.
	m.HandleConnectionClosed("conn-1")
	s, _ = m.Lookup("dev-2")
	assert.Equal(t, StatusOnline, s.Status)
	assert.Equal(t, "conn-2", s.ConnId)
}

func TestManager_HeartbeatFromUnknownClient(t *testing.T) {
	m, recorder, _ := newTestManager(t)

	assert.NotPanics(t, func() { m.RecordHeartbeat("ghost", "conn-x") })
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, recorder.all())
}

func TestManager_HeartbeatRefreshesLastSeen(t *testing.T) {
	current := time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)
	m := CreateManager(ManagerParams{
		Logger: zap.NewNop(),
		Now:    func() time.Time { return current },
	})

	m.Register("dev-1", "conn-1", protocol.DeviceInfo{})
	current = current.Add(45 * time.Second)
	m.RecordHeartbeat("dev-1", "conn-1")

	s, _ := m.Lookup("dev-1")
	assert.Equal(t, current, s.LastSeen)
}

func TestManager_HeartbeatRevivesOfflineSession(t *testing.T) {
	m, recorder, _ := newTestManager(t)

	m.Register("dev-1", "conn-1", protocol.DeviceInfo{})
	require.True(t, m.MarkOffline("dev-1"))

	m.RecordHeartbeat("dev-1", "conn-1")

	s, _ := m.Lookup("dev-1")
	assert.Equal(t, StatusOnline, s.Status)

	events := recorder.all()
	require.Len(t, events, 3)
	assert.Equal(t, StatusOffline, events[1].Current)
	assert.Equal(t, StatusOnline, events[2].Current)
}

func TestManager_HeartbeatRebindsConnectionAfterTimeout(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.Register("dev-1", "conn-1", protocol.DeviceInfo{})
	require.True(t, m.MarkOffline("dev-1"))

	s, _ := m.Lookup("dev-1")
	require.Empty(t, s.ConnId)

	// The connection outlived the timeout sweep; its next heartbeat
	// restores the association so dispatch works without a re-register.
	m.RecordHeartbeat("dev-1", "conn-1")

	s, _ = m.Lookup("dev-1")
	assert.Equal(t, StatusOnline, s.Status)
	assert.Equal(t, "conn-1", s.ConnId)
}

func TestManager_HeartbeatFromSupersededConnectionKeepsCurrentBinding(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.Register("dev-1", "conn-1", protocol.DeviceInfo{})
	m.Register("dev-1", "conn-2", protocol.DeviceInfo{})

	m.RecordHeartbeat("dev-1", "conn-1")

	s, _ := m.Lookup("dev-1")
	assert.Equal(t, "conn-2", s.ConnId)
}

func TestManager_MarkOfflineTransitionsOnce(t *testing.T) {
	m, recorder, _ := newTestManager(t)
	m.Register("dev-1", "conn-1", protocol.DeviceInfo{})

	assert.True(t, m.MarkOffline("dev-1"))
	assert.False(t, m.MarkOffline("dev-1"))
	assert.False(t, m.MarkOffline("ghost"))

	offline := 0
	for _, e := range recorder.all() {
		if e.Current == StatusOffline {
			offline++
		}
	}
	assert.Equal(t, 1, offline)
}

func TestManager_UpdateStatusStoresTelemetry(t *testing.T) {
	m, recorder, _ := newTestManager(t)
	m.Register("dev-1", "conn-1", protocol.DeviceInfo{})

	m.UpdateStatus("dev-1", StatusError, &protocol.Telemetry{CpuPercent: 92, TemperatureC: 71})

	s, _ := m.Lookup("dev-1")
	assert.Equal(t, StatusError, s.Status)
	assert.Equal(t, 92.0, s.Telemetry.CpuPercent)

	events := recorder.all()
	require.Len(t, events, 2)
	assert.Equal(t, StatusError, events[1].Current)
	assert.Equal(t, StatusOnline, events[1].Previous)
}

func TestManager_SnapshotReturnsCopies(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Register("dev-b", "conn-1", protocol.DeviceInfo{})
	m.Register("dev-a", "conn-2", protocol.DeviceInfo{})

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "dev-a", snapshot[0].ClientId)
	assert.Equal(t, "dev-b", snapshot[1].ClientId)

	snapshot[0].Status = StatusError
	s, _ := m.Lookup("dev-a")
	assert.Equal(t, StatusOnline, s.Status)
}

func TestManager_SubscribeHandlerMayReenter(t *testing.T) {
	m, _, _ := newTestManager(t)

	var seen []ClientSession
	m.Subscribe(func(e StatusEvent) {
		// Re-entering the manager from a handler must not deadlock.
		seen = m.Snapshot()
	})

	m.Register("dev-1", "conn-1", protocol.DeviceInfo{})
	require.Len(t, seen, 1)
}

func TestManager_Unsubscribe(t *testing.T) {
	m, _, _ := newTestManager(t)

	calls := 0
	unsubscribe := m.Subscribe(func(StatusEvent) { calls++ })
	m.Register("dev-1", "conn-1", protocol.DeviceInfo{})
	unsubscribe()
	m.MarkOffline("dev-1")

	assert.Equal(t, 1, calls)
}

func TestManager_LoadKnownClients(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SaveClientStatus(context.Background(), ClientSession{
		ClientId: "dev-1",
		Name:     "Lobby",
		Status:   StatusOnline,
	}))

	m := CreateManager(ManagerParams{Logger: zap.NewNop(), Store: store})
	m.LoadKnownClients(context.Background())

	require.Equal(t, 1, m.Count())
	s, _ := m.Lookup("dev-1")
	assert.Equal(t, StatusOffline, s.Status, "restored sessions start Offline")
	assert.Empty(t, s.ConnId)
}

func TestManager_SavesStatusOnChange(t *testing.T) {
	store := NewMemoryStore()
	m := CreateManager(ManagerParams{Logger: zap.NewNop(), Store: store})

	m.Register("dev-1", "conn-1", protocol.DeviceInfo{Name: "Lobby"})

	assert.Eventually(t, func() bool {
		known, err := store.LoadKnownClients(context.Background())
		if err != nil || len(known) != 1 {
			return false
		}
		return known[0].ClientId == "dev-1" && known[0].Status == StatusOnline
	}, time.Second, 10*time.Millisecond)
}

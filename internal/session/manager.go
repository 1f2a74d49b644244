package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marqueeworks/marquee-hub/pkg/protocol"
)

const saveTimeout = 5 * time.Second

type ManagerParams struct {
	// Store is the injected persistence collaborator. Optional; when nil
	// sessions live only in memory.
	Store Store

	// DropConnection unregisters and closes a superseded connection. Called
	// without the manager lock held.
	DropConnection func(connId string)

	// Now overrides the clock, for tests.
	Now func() time.Time

	Logger *zap.Logger
}

type Manager struct {
	log   *zap.Logger
	store Store
	drop  func(connId string)
	now   func() time.Time

	mut_sessions sync.Mutex
	sessions     map[string]*ClientSession

	mut_subscribers sync.Mutex
	subscribers     map[int]func(StatusEvent)
	nextSubscriber  int
}

func CreateManager(params ManagerParams) *Manager {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	drop := params.DropConnection
	if drop == nil {
		drop = func(string) {}
	}

	return &Manager{
		log:         logger.With(zap.String("component", "SessionManager")),
		store:       params.Store,
		drop:        drop,
		now:         now,
		sessions:    make(map[string]*ClientSession),
		subscribers: make(map[int]func(StatusEvent)),
	}
}

// LoadKnownClients seeds the session map from the persistence store. All
// loaded sessions start Offline; liveness is re-established by each
// client's next REGISTER. Store failures are logged, not fatal.
func (m *Manager) LoadKnownClients(ctx context.Context) {
	if m.store == nil {
		return
	}

	known, err := m.store.LoadKnownClients(ctx)
	if err != nil {
		m.log.Warn("Failed to load known clients from store", zap.Error(err))
		return
	}

	m.mut_sessions.Lock()
	loaded := 0
	for _, s := range known {
		if s.ClientId == "" {
			continue
		}
		restored := s
		restored.Status = StatusOffline
		restored.ConnId = ""
		m.sessions[restored.ClientId] = &restored
		loaded++
	}
	m.mut_sessions.Unlock()

	m.log.Info("Loaded known clients from store", zap.Int("count", loaded))
}

// Register creates or re-associates the session for clientId with connId,
// superseding any prior connection for that identifier. Returns a copy of
// the session for the caller to build a registration acknowledgment from.
func (m *Manager) Register(clientId string, connId string, device protocol.DeviceInfo) ClientSession {
	now := m.now()

	m.mut_sessions.Lock()
	s, known := m.sessions[clientId]
	if !known {
		s = &ClientSession{
			ClientId:     clientId,
			RegisteredAt: now,
		}
		m.sessions[clientId] = s
	}

	supersededConnId := ""
	if s.ConnId != "" && s.ConnId != connId {
		supersededConnId = s.ConnId
	}

	previous := s.Status
	s.ConnId = connId
	s.LastSeen = now
	s.Device = device
	if device.Name != "" {
		s.Name = device.Name
	}
	s.Status = StatusOnline

	copied := *s
	m.mut_sessions.Unlock()

	if supersededConnId != "" {
		m.log.Info("Superseding prior connection for client",
			zap.String("clientId", clientId),
			zap.String("oldConnId", supersededConnId),
			zap.String("newConnId", connId))
		m.drop(supersededConnId)
	}

	if previous != StatusOnline {
		m.publish(StatusEvent{
			ClientId: clientId,
			Name:     copied.Name,
			Previous: previous,
			Current:  StatusOnline,
			At:       now,
		})
	}

	m.saveAsync(copied)
	return copied
}

// RecordHeartbeat refreshes last-seen for a known client. A heartbeat from
// an unknown identifier indicates a stale or duplicate connection and is
// logged without creating a session. A heartbeat from a known but Offline
// session brings it back Online; last write wins against a concurrent
// sweep. connId is the connection the heartbeat arrived on: a session
// whose association was lost (timeout sweep) is re-bound to it so
// dispatch works again without waiting for a re-REGISTER. A heartbeat
// from a superseded connection never steals the current association.
func (m *Manager) RecordHeartbeat(clientId string, connId string) {
	now := m.now()

	m.mut_sessions.Lock()
	s, known := m.sessions[clientId]
	if !known {
		m.mut_sessions.Unlock()
		m.log.Debug("Heartbeat from unknown client, ignoring", zap.String("clientId", clientId))
		return
	}

	s.LastSeen = now
	if s.ConnId == "" && connId != "" {
		s.ConnId = connId
	}
	previous := s.Status
	if previous == StatusOnline {
		m.mut_sessions.Unlock()
		return
	}
	s.Status = StatusOnline
	copied := *s
	m.mut_sessions.Unlock()

	m.publish(StatusEvent{
		ClientId: clientId,
		Name:     copied.Name,
		Previous: previous,
		Current:  StatusOnline,
		At:       now,
	})
	m.saveAsync(copied)
}

// UpdateStatus applies an explicit status report from the client itself.
func (m *Manager) UpdateStatus(clientId string, status Status, telemetry *protocol.Telemetry) {
	now := m.now()

	m.mut_sessions.Lock()
	s, known := m.sessions[clientId]
	if !known {
		m.mut_sessions.Unlock()
		m.log.Debug("Status report from unknown client, ignoring", zap.String("clientId", clientId))
		return
	}

	s.LastSeen = now
	if telemetry != nil {
		s.Telemetry = *telemetry
	}
	previous := s.Status
	s.Status = status
	copied := *s
	m.mut_sessions.Unlock()

	if previous != status {
		m.publish(StatusEvent{
			ClientId: clientId,
			Name:     copied.Name,
			Previous: previous,
			Current:  status,
			At:       now,
		})
	}
	m.saveAsync(copied)
}

// MarkOffline transitions a session to Offline only if it is currently
// Online, and reports whether a transition actually occurred.
func (m *Manager) MarkOffline(clientId string) bool {
	now := m.now()

	m.mut_sessions.Lock()
	s, known := m.sessions[clientId]
	if !known || s.Status != StatusOnline {
		m.mut_sessions.Unlock()
		return false
	}

	s.Status = StatusOffline
	s.ConnId = ""
	copied := *s
	m.mut_sessions.Unlock()

	m.publish(StatusEvent{
		ClientId: clientId,
		Name:     copied.Name,
		Previous: StatusOnline,
		Current:  StatusOffline,
		At:       now,
	})
	m.saveAsync(copied)
	return true
}

// AssignContent records the content reference currently assigned to a
// client. The actual push happens through the dispatcher.
func (m *Manager) AssignContent(clientId string, contentRef string) bool {
	m.mut_sessions.Lock()
	s, known := m.sessions[clientId]
	if !known {
		m.mut_sessions.Unlock()
		return false
	}
	s.ContentRef = contentRef
	copied := *s
	m.mut_sessions.Unlock()

	m.saveAsync(copied)
	return true
}

// Lookup returns a copy of the session for clientId.
func (m *Manager) Lookup(clientId string) (ClientSession, bool) {
	m.mut_sessions.Lock()
	defer m.mut_sessions.Unlock()

	s, known := m.sessions[clientId]
	if !known {
		return ClientSession{}, false
	}
	return *s, true
}

// Snapshot returns a consistent point-in-time copy of all sessions,
// ordered by client id. Callers never see live references.
func (m *Manager) Snapshot() []ClientSession {
	m.mut_sessions.Lock()
	snapshot := make([]ClientSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, *s)
	}
	m.mut_sessions.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].ClientId < snapshot[j].ClientId
	})
	return snapshot
}

func (m *Manager) Count() int {
	m.mut_sessions.Lock()
	defer m.mut_sessions.Unlock()
	return len(m.sessions)
}

// HandleConnectionClosed marks offline whichever session (if any) is
// currently served by connId. Called by the transport when a read loop
// exits.
func (m *Manager) HandleConnectionClosed(connId string) {
	m.mut_sessions.Lock()
	clientId := ""
	for id, s := range m.sessions {
		if s.ConnId == connId {
			clientId = id
			break
		}
	}
	m.mut_sessions.Unlock()

	if clientId == "" {
		return
	}
	if m.MarkOffline(clientId) {
		m.log.Info("Client went offline with its connection",
			zap.String("clientId", clientId), zap.String("connId", connId))
	}
}

// Subscribe registers a status-transition handler and returns an
// unsubscribe func. Handlers run synchronously, never under the manager
// lock, so they may re-enter the manager.
func (m *Manager) Subscribe(handler func(StatusEvent)) func() {
	m.mut_subscribers.Lock()
	id := m.nextSubscriber
	m.nextSubscriber++
	m.subscribers[id] = handler
	m.mut_subscribers.Unlock()

	return func() {
		m.mut_subscribers.Lock()
		delete(m.subscribers, id)
		m.mut_subscribers.Unlock()
	}
}

func (m *Manager) publish(event StatusEvent) {
	m.mut_subscribers.Lock()
	handlers := make([]func(StatusEvent), 0, len(m.subscribers))
	for _, h := range m.subscribers {
		handlers = append(handlers, h)
	}
	m.mut_subscribers.Unlock()

	if m.log.Core().Enabled(zapcore.DebugLevel) {
		m.log.Debug("Publishing status transition",
			zap.String("clientId", event.ClientId),
			zap.String("from", string(event.Previous)),
			zap.String("to", string(event.Current)))
	}

	for _, h := range handlers {
		h(event)
	}
}

func (m *Manager) saveAsync(s ClientSession) {
	if m.store == nil {
		return
	}

	go func() {
		ctx, release := context.WithTimeout(context.Background(), saveTimeout)
		defer release()
		if err := m.store.SaveClientStatus(ctx, s); err != nil {
			m.log.Warn("Failed to persist client status",
				zap.String("clientId", s.ClientId), zap.Error(err))
		}
	}()
}

// Package heartbeat runs the periodic staleness sweep over client
// sessions. It only ever talks to the session manager, never to the
// connection registry.
package heartbeat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marqueeworks/marquee-hub/internal/session"
)

const (
	// DefaultInterval and DefaultTimeout keep the 4:1 ratio: a session must
	// miss four consecutive heartbeats before it is considered gone, which
	// tolerates transient network hiccups without flapping.
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 120 * time.Second
)

type MonitorParams struct {
	Sessions *session.Manager

	// Interval between sweeps; Timeout is the max allowed silence before a
	// session is marked Offline.
	Interval time.Duration
	Timeout  time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	Logger *zap.Logger
}

type Monitor struct {
	log      *zap.Logger
	sessions *session.Manager
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

func CreateMonitor(params MonitorParams) *Monitor {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	interval := params.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Monitor{
		log:      logger.With(zap.String("component", "HeartbeatMonitor")),
		sessions: params.Sessions,
		interval: interval,
		timeout:  timeout,
		now:      now,
	}
}

// Start runs sweeps until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.log.Info("Heartbeat monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("timeout", m.timeout))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Heartbeat monitor stopping")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep marks Offline every Online session whose last-seen timestamp
// exceeds the timeout. A failure on one session must not abort the sweep
// for the others.
func (m *Monitor) Sweep() {
	now := m.now()
	deadline := now.Add(-m.timeout)

	for _, s := range m.sessions.Snapshot() {
		if s.Status != session.StatusOnline || !s.LastSeen.Before(deadline) {
			continue
		}
		m.sweepOne(s)
	}
}

func (m *Monitor) sweepOne(s session.ClientSession) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Sweep iteration panicked",
				zap.String("clientId", s.ClientId), zap.Any("panic", r))
		}
	}()

	if m.sessions.MarkOffline(s.ClientId) {
		m.log.Info("Client timed out, marked offline",
			zap.String("clientId", s.ClientId),
			zap.Time("lastSeen", s.LastSeen))
	}
}

// Package registry owns the map from connection id to live transport
// handle. It is the only component that touches raw handles after accept.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/marqueeworks/marquee-hub/pkg/errors"
)

// Conn is a live bidirectional transport handle. Implementations must be
// safe for concurrent WriteMessage calls.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
	RemoteAddr() string
}

type Registry struct {
	log *zap.Logger

	mut_conns sync.RWMutex
	conns     map[string]Conn

	mut_subscribers sync.Mutex
	subscribers     map[int]func(connId string)
	nextSubscriber  int
}

func CreateRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &Registry{
		log:         logger.With(zap.String("component", "ConnectionRegistry")),
		conns:       make(map[string]Conn),
		subscribers: make(map[int]func(connId string)),
	}
}

// Register inserts or replaces the handle for connId and returns any
// superseded handle. The caller is responsible for closing it.
func (r *Registry) Register(connId string, conn Conn) Conn {
	r.mut_conns.Lock()
	prev := r.conns[connId]
	r.conns[connId] = conn
	r.mut_conns.Unlock()

	if prev != nil {
		r.log.Warn("Replaced existing connection handle", zap.String("connId", connId))
	}
	return prev
}

// Unregister atomically removes and returns the handle for connId.
// Idempotent: a second call for the same id is a no-op returning nil.
func (r *Registry) Unregister(connId string) Conn {
	r.mut_conns.Lock()
	conn, has := r.conns[connId]
	if has {
		delete(r.conns, connId)
	}
	r.mut_conns.Unlock()

	if !has {
		return nil
	}

	r.notifyUnregistered(connId)
	return conn
}

func (r *Registry) TryGet(connId string) (Conn, bool) {
	r.mut_conns.RLock()
	defer r.mut_conns.RUnlock()

	conn, has := r.conns[connId]
	return conn, has
}

// Send looks up connId and writes the frame. An absent id is an expected
// race with connection close and yields a typed ConnectionNotFound error.
// A write failure means the peer is gone: the handle is unregistered and
// closed before the error is returned.
func (r *Registry) Send(connId string, data []byte) error {
	conn, has := r.TryGet(connId)
	if !has {
		return &errors.ConnectionNotFound{ConnId: connId}
	}

	if err := conn.WriteMessage(data); err != nil {
		r.log.Info("Write failed, dropping connection",
			zap.String("connId", connId), zap.Error(err))
		if dropped := r.Unregister(connId); dropped != nil {
			dropped.Close()
		}
		return &errors.WriteFailed{ConnId: connId, Cause: err}
	}

	return nil
}

// ForEach runs action over a snapshot of current connections matching
// predicate. No registry lock is held during action, so action may call
// back into the registry.
func (r *Registry) ForEach(predicate func(connId string) bool, action func(connId string, conn Conn)) {
	type entry struct {
		id   string
		conn Conn
	}

	r.mut_conns.RLock()
	snapshot := make([]entry, 0, len(r.conns))
	for id, conn := range r.conns {
		if predicate == nil || predicate(id) {
			snapshot = append(snapshot, entry{id: id, conn: conn})
		}
	}
	r.mut_conns.RUnlock()

	for _, e := range snapshot {
		action(e.id, e.conn)
	}
}

func (r *Registry) Len() int {
	r.mut_conns.RLock()
	defer r.mut_conns.RUnlock()
	return len(r.conns)
}

// OnUnregister subscribes to connection removal. Returns an unsubscribe
// func. Handlers run synchronously on the goroutine that unregistered.
func (r *Registry) OnUnregister(handler func(connId string)) func() {
	r.mut_subscribers.Lock()
	id := r.nextSubscriber
	r.nextSubscriber++
	r.subscribers[id] = handler
	r.mut_subscribers.Unlock()

	return func() {
		r.mut_subscribers.Lock()
		delete(r.subscribers, id)
		r.mut_subscribers.Unlock()
	}
}

func (r *Registry) notifyUnregistered(connId string) {
	r.mut_subscribers.Lock()
	handlers := make([]func(string), 0, len(r.subscribers))
	for _, h := range r.subscribers {
		handlers = append(handlers, h)
	}
	r.mut_subscribers.Unlock()

	for _, h := range handlers {
		h(connId)
	}
}

// Package dispatch routes outbound commands to the connection currently
// associated with a client identifier, with optional reply correlation.
// Delivery is at-most-once: there is no queuing or retry here.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marqueeworks/marquee-hub/internal/registry"
	"github.com/marqueeworks/marquee-hub/internal/session"
	"github.com/marqueeworks/marquee-hub/pkg/errors"
	"github.com/marqueeworks/marquee-hub/pkg/protocol"
)

type DispatcherParams struct {
	Registry *registry.Registry
	Sessions *session.Manager
	Codec    protocol.Codec
	Logger   *zap.Logger
}

type Dispatcher struct {
	log      *zap.Logger
	registry *registry.Registry
	sessions *session.Manager
	codec    protocol.Codec

	mut_pending sync.Mutex
	pending     map[string]*pendingCommand

	unsubscribe func()
}

func CreateDispatcher(params DispatcherParams) *Dispatcher {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	d := &Dispatcher{
		log:      logger.With(zap.String("component", "CommandDispatcher")),
		registry: params.Registry,
		sessions: params.Sessions,
		codec:    params.Codec,
		pending:  make(map[string]*pendingCommand),
	}

	// A dying connection must promptly resolve any command still waiting on
	// it, so callers never hang on a peer that is already gone.
	d.unsubscribe = params.Registry.OnUnregister(d.failConnection)
	return d
}

// Close detaches the dispatcher from registry events.
func (d *Dispatcher) Close() {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
}

// Dispatch encodes payload and sends it to the connection currently
// serving clientId. An offline or unknown client yields ClientUnreachable
// immediately; no bytes are written anywhere.
func (d *Dispatcher) Dispatch(clientId string, payload protocol.Payload) error {
	return d.send(clientId, protocol.NewEnvelope(payload))
}

// DispatchAwaitingReply sends payload with a fresh correlation id and
// blocks until a matching reply arrives, the timeout elapses, the target
// connection dies, or ctx is cancelled. A non-positive timeout is rejected
// up front rather than treated as infinite.
func (d *Dispatcher) DispatchAwaitingReply(ctx context.Context, clientId string, payload protocol.Payload, timeout time.Duration) (protocol.Payload, error) {
	if timeout <= 0 {
		return nil, &errors.InvalidArgument{
			Context:  "DispatchAwaitingReply",
			Argument: "timeout",
			Value:    timeout.String(),
		}
	}

	connId, err := d.resolveConn(clientId)
	if err != nil {
		return nil, err
	}

	env := protocol.NewEnvelope(payload)
	p := newPendingCommand(env.Id, clientId, connId, time.Now().UTC())

	d.mut_pending.Lock()
	d.pending[env.Id] = p
	d.mut_pending.Unlock()

	if err := d.sendTo(connId, clientId, env); err != nil {
		d.removePending(env.Id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		d.removePending(env.Id)
		return out.payload, out.err
	case <-timer.C:
		d.removePending(env.Id)
		p.complete(outcome{err: &errors.CommandTimeout{
			ClientId:      clientId,
			CorrelationId: env.Id,
			Timeout:       timeout,
		}})
		out := <-p.done
		return out.payload, out.err
	case <-ctx.Done():
		d.removePending(env.Id)
		p.complete(outcome{err: ctx.Err()})
		out := <-p.done
		return out.payload, out.err
	}
}

// Resolve completes the pending command with the given correlation id.
// Returns false for unmatched (or already resolved) correlation ids, which
// callers treat as a late reply to log and drop.
func (d *Dispatcher) Resolve(correlationId string, payload protocol.Payload) bool {
	d.mut_pending.Lock()
	p, has := d.pending[correlationId]
	if has {
		delete(d.pending, correlationId)
	}
	d.mut_pending.Unlock()

	if !has {
		d.log.Debug("Reply with no matching pending command, dropping",
			zap.String("correlationId", correlationId))
		return false
	}

	return p.complete(outcome{payload: payload})
}

func (d *Dispatcher) PendingCount() int {
	d.mut_pending.Lock()
	defer d.mut_pending.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) send(clientId string, env protocol.Envelope) error {
	connId, err := d.resolveConn(clientId)
	if err != nil {
		return err
	}
	return d.sendTo(connId, clientId, env)
}

func (d *Dispatcher) resolveConn(clientId string) (string, error) {
	s, known := d.sessions.Lookup(clientId)
	if !known {
		return "", &errors.ClientUnreachable{ClientId: clientId, Reason: "unknown client"}
	}
	if s.ConnId == "" || s.Status == session.StatusOffline {
		return "", &errors.ClientUnreachable{ClientId: clientId, Reason: "no active connection"}
	}
	return s.ConnId, nil
}

func (d *Dispatcher) sendTo(connId string, clientId string, env protocol.Envelope) error {
	frame, err := d.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s for client %s: %w", env.Type, clientId, err)
	}

	if err := d.registry.Send(connId, frame); err != nil {
		// Absent-or-dead connection is an expected race with close, not an
		// exceptional condition.
		return &errors.ClientUnreachable{ClientId: clientId, Reason: err.Error()}
	}

	d.log.Debug("Dispatched envelope",
		zap.String("clientId", clientId),
		zap.String("type", string(env.Type)),
		zap.String("correlationId", env.Id))
	return nil
}

func (d *Dispatcher) removePending(correlationId string) {
	d.mut_pending.Lock()
	delete(d.pending, correlationId)
	d.mut_pending.Unlock()
}

func (d *Dispatcher) failConnection(connId string) {
	d.mut_pending.Lock()
	var orphaned []*pendingCommand
	for id, p := range d.pending {
		if p.connId == connId {
			orphaned = append(orphaned, p)
			delete(d.pending, id)
		}
	}
	d.mut_pending.Unlock()

	for _, p := range orphaned {
		p.complete(outcome{err: &errors.ClientUnreachable{
			ClientId: p.clientId,
			Reason:   "connection closed while awaiting reply",
		}})
		d.log.Info("Failed pending command, target connection closed",
			zap.String("clientId", p.clientId),
			zap.String("correlationId", p.correlationId))
	}
}

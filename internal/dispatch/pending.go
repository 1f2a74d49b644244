package dispatch

import (
	"sync"
	"time"

	"github.com/marqueeworks/marquee-hub/pkg/protocol"
)

type outcome struct {
	payload protocol.Payload
	err     error
}

// pendingCommand is an in-flight request awaiting a correlated reply.
// Completion via reply, timeout, or connection loss all funnel through a
// single complete-once operation, so a command is never reported as both
// succeeded and timed out.
type pendingCommand struct {
	correlationId string
	clientId      string
	connId        string
	issuedAt      time.Time

	once sync.Once
	done chan outcome
}

func newPendingCommand(correlationId, clientId, connId string, issuedAt time.Time) *pendingCommand {
	return &pendingCommand{
		correlationId: correlationId,
		clientId:      clientId,
		connId:        connId,
		issuedAt:      issuedAt,
		done:          make(chan outcome, 1),
	}
}

// complete resolves the command exactly once and reports whether this call
// was the one that resolved it.
func (p *pendingCommand) complete(out outcome) bool {
	won := false
	p.once.Do(func() {
		p.done <- out
		won = true
	})
	return won
}

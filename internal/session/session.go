// Package session is the authoritative in-memory view of known display
// devices: what exists, what state it is in, and which connection (if any)
// currently serves it.
package session

import (
	"time"

	"github.com/marqueeworks/marquee-hub/pkg/protocol"
)

type Status string

const (
	StatusOnline  Status = "Online"
	StatusOffline Status = "Offline"
	StatusError   Status = "Error"
)

// ClientSession is the persistent-but-in-memory notion of a known display
// device, independent of any single connection. A session is never deleted
// automatically, only marked Offline or Error.
type ClientSession struct {
	ClientId     string              `json:"client_id"`
	Name         string              `json:"name,omitempty"`
	Status       Status              `json:"status"`
	ConnId       string              `json:"-"`
	LastSeen     time.Time           `json:"last_seen"`
	RegisteredAt time.Time           `json:"registered_at"`
	ContentRef   string              `json:"content_ref,omitempty"`
	Device       protocol.DeviceInfo `json:"device,omitempty"`
	Telemetry    protocol.Telemetry  `json:"telemetry,omitempty"`
}

// StatusEvent is published on every status transition.
type StatusEvent struct {
	ClientId string
	Name     string
	Previous Status
	Current  Status
	At       time.Time
}

// Package bridge adapts the device-facing session manager and dispatcher
// to mobile controller apps: a second connection class with its own
// registration lifecycle and a permission model instead of telemetry.
package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marqueeworks/marquee-hub/internal/auth"
	"github.com/marqueeworks/marquee-hub/internal/dispatch"
	"github.com/marqueeworks/marquee-hub/internal/registry"
	"github.com/marqueeworks/marquee-hub/internal/session"
	"github.com/marqueeworks/marquee-hub/pkg/errors"
	"github.com/marqueeworks/marquee-hub/pkg/protocol"
)

type Permission string

const (
	PermissionView    Permission = "view"
	PermissionControl Permission = "control"
	PermissionManage  Permission = "manage"
)

// MobileSession represents one connected controller app. It lives exactly
// as long as its underlying connection.
type MobileSession struct {
	ConnId      string
	App         protocol.AppInfo
	Permissions map[Permission]bool
	Approved    bool
	ConnectedAt time.Time
}

func (s MobileSession) Has(p Permission) bool {
	return s.Permissions[p]
}

type BridgeParams struct {
	Sessions      *session.Manager
	Dispatcher    *dispatch.Dispatcher
	Registry      *registry.Registry
	Codec         protocol.Codec
	Authenticator auth.Authenticator

	// GrantOnApproval is the permission set given to approved apps.
	// Defaults to view+control.
	GrantOnApproval []Permission

	Logger *zap.Logger
}

type Bridge struct {
	log        *zap.Logger
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	codec      protocol.Codec
	authn      auth.Authenticator
	grants     []Permission

	mut_mobiles sync.Mutex
	mobiles     map[string]*MobileSession

	unsubscribe func()
}

func CreateBridge(params BridgeParams) *Bridge {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	grants := params.GrantOnApproval
	if len(grants) == 0 {
		grants = []Permission{PermissionView, PermissionControl}
	}

	b := &Bridge{
		log:        logger.With(zap.String("component", "MobileBridge")),
		sessions:   params.Sessions,
		dispatcher: params.Dispatcher,
		registry:   params.Registry,
		codec:      params.Codec,
		authn:      params.Authenticator,
		grants:     grants,
		mobiles:    make(map[string]*MobileSession),
	}

	b.unsubscribe = params.Sessions.Subscribe(b.onSessionStatusChanged)
	return b
}

// Close detaches the bridge from session manager events.
func (b *Bridge) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
}

// HandleMobileRegister records a controller app's registration request.
// Authentication rejections short-circuit before any state is touched.
// Accepted registrations start pending until an administrative Approve.
func (b *Bridge) HandleMobileRegister(connId string, token string, app protocol.AppInfo) (pending bool, err error) {
	if b.authn != nil {
		if err := b.authn.Authorize(token); err != nil {
			return false, &errors.RegistrationRejected{ClientId: app.AppId, Reason: err.Error()}
		}
	}

	b.mut_mobiles.Lock()
	b.mobiles[connId] = &MobileSession{
		ConnId:      connId,
		App:         app,
		Permissions: make(map[Permission]bool),
		ConnectedAt: time.Now().UTC(),
	}
	b.mut_mobiles.Unlock()

	b.log.Info("Mobile registration pending approval",
		zap.String("connId", connId), zap.String("appId", app.AppId))
	return true, nil
}

// Approve promotes a pending registration to an active MobileSession with
// the bridge's grant set and pushes an approval ack plus the current
// client list. Who may call this is outside the hub's scope.
func (b *Bridge) Approve(connId string) bool {
	b.mut_mobiles.Lock()
	m, has := b.mobiles[connId]
	if !has {
		b.mut_mobiles.Unlock()
		return false
	}
	m.Approved = true
	for _, p := range b.grants {
		m.Permissions[p] = true
	}
	b.mut_mobiles.Unlock()

	b.sendTo(connId, protocol.NewEnvelope(&protocol.AppRegisterResponsePayload{Success: true}))
	b.PushClientList(connId)
	b.log.Info("Mobile session approved", zap.String("connId", connId))
	return true
}

// Reject drops a pending registration.
func (b *Bridge) Reject(connId string, reason string) bool {
	b.mut_mobiles.Lock()
	_, has := b.mobiles[connId]
	delete(b.mobiles, connId)
	b.mut_mobiles.Unlock()

	if has {
		b.sendTo(connId, protocol.NewEnvelope(&protocol.AppRegisterResponsePayload{
			Success:      false,
			ErrorMessage: reason,
		}))
	}
	return has
}

// ProxyCommand forwards a command from a mobile connection to a display
// client, after verifying the session holds the control permission. This
// is the one authorization check inside the hub.
func (b *Bridge) ProxyCommand(mobileConnId string, targetClientId string, command string, parameters map[string]string) error {
	if err := b.requirePermission(mobileConnId, PermissionControl); err != nil {
		return err
	}

	return b.dispatcher.Dispatch(targetClientId, &protocol.CommandPayload{
		Command:    command,
		Parameters: parameters,
	})
}

// ProxyScreenshot requests a screenshot from a display client on behalf of
// a mobile session and waits for the correlated reply.
func (b *Bridge) ProxyScreenshot(ctx context.Context, mobileConnId string, targetClientId string, timeout time.Duration) (*protocol.ScreenshotPayload, error) {
	if err := b.requirePermission(mobileConnId, PermissionView); err != nil {
		return nil, err
	}

	reply, err := b.dispatcher.DispatchAwaitingReply(ctx, targetClientId, &protocol.ScreenshotPayload{}, timeout)
	if err != nil {
		return nil, err
	}

	screenshot, ok := reply.(*protocol.ScreenshotPayload)
	if !ok {
		return nil, &errors.ClientUnreachable{ClientId: targetClientId, Reason: "unexpected reply type"}
	}
	return screenshot, nil
}

// PushClientList sends the current device list to one mobile connection.
func (b *Bridge) PushClientList(connId string) error {
	if err := b.requirePermission(connId, PermissionView); err != nil {
		return err
	}
	return b.sendTo(connId, protocol.NewEnvelope(b.clientListPayload()))
}

// HandleConnectionClosed destroys the mobile session bound to connId.
func (b *Bridge) HandleConnectionClosed(connId string) {
	b.mut_mobiles.Lock()
	_, has := b.mobiles[connId]
	delete(b.mobiles, connId)
	b.mut_mobiles.Unlock()

	if has {
		b.log.Info("Mobile session destroyed with its connection", zap.String("connId", connId))
	}
}

// Lookup returns a copy of the mobile session for connId.
func (b *Bridge) Lookup(connId string) (MobileSession, bool) {
	b.mut_mobiles.Lock()
	defer b.mut_mobiles.Unlock()

	m, has := b.mobiles[connId]
	if !has {
		return MobileSession{}, false
	}
	copied := *m
	copied.Permissions = make(map[Permission]bool, len(m.Permissions))
	for p, v := range m.Permissions {
		copied.Permissions[p] = v
	}
	return copied, true
}

// PendingRegistrations lists mobile sessions awaiting approval.
func (b *Bridge) PendingRegistrations() []MobileSession {
	b.mut_mobiles.Lock()
	defer b.mut_mobiles.Unlock()

	var pending []MobileSession
	for _, m := range b.mobiles {
		if !m.Approved {
			pending = append(pending, *m)
		}
	}
	return pending
}

// onSessionStatusChanged re-encodes a device status transition as a
// mobile-facing notification and broadcasts it to approved sessions.
func (b *Bridge) onSessionStatusChanged(e session.StatusEvent) {
	env := protocol.NewEnvelope(&protocol.ClientStatusChangedPayload{
		ClientId:       e.ClientId,
		Name:           e.Name,
		PreviousStatus: string(e.Previous),
		Status:         string(e.Current),
	})

	frame, err := b.codec.Encode(env)
	if err != nil {
		b.log.Error("Failed to encode status notification", zap.Error(err))
		return
	}

	for _, connId := range b.approvedConnIds() {
		if err := b.registry.Send(connId, frame); err != nil {
			b.log.Info("Dropping status notification, mobile connection gone",
				zap.String("connId", connId), zap.Error(err))
		}
	}
}

func (b *Bridge) approvedConnIds() []string {
	b.mut_mobiles.Lock()
	defer b.mut_mobiles.Unlock()

	ids := make([]string, 0, len(b.mobiles))
	for connId, m := range b.mobiles {
		if m.Approved {
			ids = append(ids, connId)
		}
	}
	return ids
}

func (b *Bridge) requirePermission(connId string, p Permission) error {
	b.mut_mobiles.Lock()
	m, has := b.mobiles[connId]
	allowed := has && m.Approved && m.Permissions[p]
	b.mut_mobiles.Unlock()

	if !allowed {
		return &errors.PermissionDenied{ConnId: connId, Permission: string(p)}
	}
	return nil
}

func (b *Bridge) clientListPayload() *protocol.ClientListUpdatePayload {
	snapshot := b.sessions.Snapshot()
	clients := make([]protocol.ClientSummary, 0, len(snapshot))
	for _, s := range snapshot {
		clients = append(clients, protocol.ClientSummary{
			ClientId:   s.ClientId,
			Name:       s.Name,
			Status:     string(s.Status),
			LastSeen:   s.LastSeen,
			ContentRef: s.ContentRef,
		})
	}
	return &protocol.ClientListUpdatePayload{Clients: clients}
}

func (b *Bridge) sendTo(connId string, env protocol.Envelope) error {
	frame, err := b.codec.Encode(env)
	if err != nil {
		return err
	}
	return b.registry.Send(connId, frame)
}

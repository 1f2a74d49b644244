// Package hub routes decoded envelopes to per-type handlers and wires the
// connection registry, session manager, dispatcher, and mobile bridge
// together.
package hub

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marqueeworks/marquee-hub/internal/auth"
	"github.com/marqueeworks/marquee-hub/internal/bridge"
	"github.com/marqueeworks/marquee-hub/internal/content"
	"github.com/marqueeworks/marquee-hub/internal/dispatch"
	"github.com/marqueeworks/marquee-hub/internal/registry"
	"github.com/marqueeworks/marquee-hub/internal/session"
	"github.com/marqueeworks/marquee-hub/pkg/errors"
	"github.com/marqueeworks/marquee-hub/pkg/protocol"
)

const screenshotProxyTimeout = 30 * time.Second

type HubParams struct {
	Registry   *registry.Registry
	Sessions   *session.Manager
	Dispatcher *dispatch.Dispatcher
	Bridge     *bridge.Bridge
	Codec      protocol.Codec

	// DeviceAuth validates display-client registration tokens.
	DeviceAuth auth.Authenticator

	// Content resolves assigned content references for DISPLAY_UPDATE.
	Content content.Resolver

	Logger *zap.Logger
}

type frameHandler func(connId string, env protocol.Envelope) error

type Hub struct {
	log        *zap.Logger
	registry   *registry.Registry
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	bridge     *bridge.Bridge
	codec      protocol.Codec
	deviceAuth auth.Authenticator
	content    content.Resolver

	clientHandlers map[protocol.MessageType]frameHandler
	mobileHandlers map[protocol.MessageType]frameHandler
}

func CreateHub(params HubParams) *Hub {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	h := &Hub{
		log:        logger.With(zap.String("component", "Hub")),
		registry:   params.Registry,
		sessions:   params.Sessions,
		dispatcher: params.Dispatcher,
		bridge:     params.Bridge,
		codec:      params.Codec,
		deviceAuth: params.DeviceAuth,
		content:    params.Content,
	}

	h.clientHandlers = map[protocol.MessageType]frameHandler{
		protocol.TypeRegister:             h.handleRegister,
		protocol.TypeHeartbeat:            h.handleHeartbeat,
		protocol.TypeStatusReport:         h.handleStatusReport,
		protocol.TypeScreenshot:           h.handleClientReply,
		protocol.TypeUpdateConfigResponse: h.handleClientReply,
	}

	h.mobileHandlers = map[protocol.MessageType]frameHandler{
		protocol.TypeAppRegister:       h.handleAppRegister,
		protocol.TypeRequestClientList: h.handleRequestClientList,
		protocol.TypeSendCommand:       h.handleSendCommand,
		protocol.TypeScreenshot:        h.handleMobileScreenshot,
	}

	return h
}

// HandleClientFrame processes one decoded envelope from a display client
// connection. Unknown and unexpected types are logged and dropped so
// newer clients degrade gracefully against an older hub.
func (h *Hub) HandleClientFrame(connId string, env protocol.Envelope) error {
	return h.route(h.clientHandlers, connId, env)
}

// HandleMobileFrame processes one decoded envelope from a mobile
// controller connection.
func (h *Hub) HandleMobileFrame(connId string, env protocol.Envelope) error {
	return h.route(h.mobileHandlers, connId, env)
}

func (h *Hub) route(handlers map[protocol.MessageType]frameHandler, connId string, env protocol.Envelope) error {
	handler, has := handlers[env.Type]
	if !has {
		h.log.Debug("No handler for message type, dropping",
			zap.String("connId", connId), zap.String("type", string(env.Type)))
		return nil
	}
	return handler(connId, env)
}

// HandleConnectionClosed propagates a connection loss to both session
// classes. Exactly one of them (or neither) will own the connection.
func (h *Hub) HandleConnectionClosed(connId string) {
	h.sessions.HandleConnectionClosed(connId)
	h.bridge.HandleConnectionClosed(connId)
}

// PushDisplayUpdate resolves contentRef and dispatches a DISPLAY_UPDATE
// to the client, recording the assignment on its session.
func (h *Hub) PushDisplayUpdate(clientId string, contentRef string) error {
	display, err := h.content.Resolve(contentRef)
	if err != nil {
		return err
	}

	if !h.sessions.AssignContent(clientId, contentRef) {
		return &errors.ClientUnreachable{ClientId: clientId, Reason: "unknown client"}
	}

	return h.dispatcher.Dispatch(clientId, &protocol.DisplayUpdatePayload{
		ContentRef:  contentRef,
		ContentType: display.ContentType,
		Content:     display.Content,
	})
}

// PushConfig sends a config fragment to the client and waits for its
// acknowledgement. A response with Success=false becomes ConfigRejected.
func (h *Hub) PushConfig(ctx context.Context, clientId string, cfg map[string]string, timeout time.Duration) error {
	reply, err := h.dispatcher.DispatchAwaitingReply(ctx, clientId,
		&protocol.UpdateConfigPayload{Config: cfg}, timeout)
	if err != nil {
		return err
	}

	response, ok := reply.(*protocol.UpdateConfigResponsePayload)
	if !ok {
		return &errors.ClientUnreachable{ClientId: clientId, Reason: "unexpected reply type"}
	}
	if !response.Success {
		return &errors.ConfigRejected{ClientId: clientId, Reason: response.ErrorMessage}
	}
	return nil
}

func (h *Hub) handleRegister(connId string, env protocol.Envelope) error {
	payload := env.Payload.(*protocol.RegisterPayload)

	if h.deviceAuth != nil {
		if err := h.deviceAuth.Authorize(payload.Token); err != nil {
			h.sendTo(connId, protocol.NewReply(env, &protocol.RegistrationResponsePayload{
				Success:      false,
				ErrorMessage: err.Error(),
			}))
			return &errors.RegistrationRejected{ClientId: payload.ClientId, Reason: err.Error()}
		}
	}

	clientId := payload.ClientId
	if clientId == "" {
		// First-time registration without a stable identifier: assign one.
		// The client echoes it back on every future REGISTER.
		clientId = uuid.NewString()
	}

	s := h.sessions.Register(clientId, connId, payload.DeviceInfo)
	h.sendTo(connId, protocol.NewReply(env, &protocol.RegistrationResponsePayload{
		Success:  true,
		ClientId: s.ClientId,
	}))

	// Re-push whatever the device was last showing, so a restart resumes
	// its assigned content without operator action.
	if s.ContentRef != "" {
		if err := h.PushDisplayUpdate(s.ClientId, s.ContentRef); err != nil {
			h.log.Warn("Failed to restore assigned content",
				zap.String("clientId", s.ClientId),
				zap.String("contentRef", s.ContentRef),
				zap.Error(err))
		}
	}
	return nil
}

func (h *Hub) handleHeartbeat(connId string, env protocol.Envelope) error {
	payload := env.Payload.(*protocol.HeartbeatPayload)
	h.sessions.RecordHeartbeat(payload.ClientId, connId)
	return nil
}

func (h *Hub) handleStatusReport(connId string, env protocol.Envelope) error {
	payload := env.Payload.(*protocol.StatusReportPayload)

	status, valid := parseStatus(payload.Status)
	if !valid {
		h.log.Warn("Status report with unrecognized status, ignoring",
			zap.String("connId", connId), zap.String("status", payload.Status))
		return nil
	}

	h.sessions.UpdateStatus(payload.ClientId, status, payload.Telemetry)
	return nil
}

// handleClientReply feeds a correlated response (screenshot, config ack)
// back into the dispatcher. Late replies are logged and dropped.
func (h *Hub) handleClientReply(connId string, env protocol.Envelope) error {
	if !h.dispatcher.Resolve(env.Id, env.Payload) {
		h.log.Debug("Late or unsolicited reply, dropping",
			zap.String("connId", connId),
			zap.String("type", string(env.Type)),
			zap.String("correlationId", env.Id))
	}
	return nil
}

func (h *Hub) handleAppRegister(connId string, env protocol.Envelope) error {
	payload := env.Payload.(*protocol.AppRegisterPayload)

	pending, err := h.bridge.HandleMobileRegister(connId, payload.Token, payload.AppInfo)
	if err != nil {
		h.sendTo(connId, protocol.NewReply(env, &protocol.AppRegisterResponsePayload{
			Success:      false,
			ErrorMessage: err.Error(),
		}))
		return err
	}

	h.sendTo(connId, protocol.NewReply(env, &protocol.AppRegisterResponsePayload{
		Success: true,
		Pending: pending,
	}))
	return nil
}

func (h *Hub) handleRequestClientList(connId string, env protocol.Envelope) error {
	if err := h.bridge.PushClientList(connId); err != nil {
		h.log.Info("Client list request refused",
			zap.String("connId", connId), zap.Error(err))
	}
	return nil
}

func (h *Hub) handleSendCommand(connId string, env protocol.Envelope) error {
	payload := env.Payload.(*protocol.SendCommandPayload)

	err := h.bridge.ProxyCommand(connId, payload.TargetClientId, payload.Command, payload.Parameters)
	if err != nil {
		h.log.Info("Proxied command refused",
			zap.String("connId", connId),
			zap.String("target", payload.TargetClientId),
			zap.Error(err))
	}
	return nil
}

// handleMobileScreenshot proxies a screenshot request to the target device
// off the read loop, then relays the reply under the mobile's original
// correlation id.
func (h *Hub) handleMobileScreenshot(connId string, env protocol.Envelope) error {
	payload := env.Payload.(*protocol.ScreenshotPayload)

	go func() {
		ctx, release := context.WithTimeout(context.Background(), screenshotProxyTimeout)
		defer release()

		screenshot, err := h.bridge.ProxyScreenshot(ctx, connId, payload.ClientId, screenshotProxyTimeout)
		if err != nil {
			h.log.Info("Screenshot proxy failed",
				zap.String("connId", connId),
				zap.String("target", payload.ClientId),
				zap.Error(err))
			return
		}

		screenshot.ClientId = payload.ClientId
		h.sendTo(connId, protocol.NewReply(env, screenshot))
	}()
	return nil
}

func parseStatus(s string) (session.Status, bool) {
	switch session.Status(s) {
	case session.StatusOnline, session.StatusOffline, session.StatusError:
		return session.Status(s), true
	default:
		return "", false
	}
}

func (h *Hub) sendTo(connId string, env protocol.Envelope) {
	frame, err := h.codec.Encode(env)
	if err != nil {
		h.log.Error("Failed to encode envelope",
			zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	if err := h.registry.Send(connId, frame); err != nil {
		h.log.Info("Failed to send envelope, connection gone",
			zap.String("connId", connId),
			zap.String("type", string(env.Type)),
			zap.Error(err))
	}
}

// Package protocol defines the typed envelope messages exchanged between
// the hub, display clients, and mobile controller apps, plus the codec
// that maps them to newline-delimited JSON frames.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	TypeRegister             MessageType = "REGISTER"
	TypeRegistrationResponse MessageType = "REGISTRATION_RESPONSE"
	TypeHeartbeat            MessageType = "HEARTBEAT"
	TypeDisplayUpdate        MessageType = "DISPLAY_UPDATE"
	TypeStatusReport         MessageType = "STATUS_REPORT"
	TypeCommand              MessageType = "COMMAND"
	TypeScreenshot           MessageType = "SCREENSHOT"
	TypeUpdateConfig         MessageType = "UPDATE_CONFIG"
	TypeUpdateConfigResponse MessageType = "UPDATE_CONFIG_RESPONSE"

	TypeAppRegister         MessageType = "APP_REGISTER"
	TypeAppRegisterResponse MessageType = "APP_REGISTER_RESPONSE"
	TypeRequestClientList   MessageType = "REQUEST_CLIENT_LIST"
	TypeClientListUpdate    MessageType = "CLIENT_LIST_UPDATE"
	TypeSendCommand         MessageType = "SEND_COMMAND"
	TypeClientStatusChanged MessageType = "CLIENT_STATUS_CHANGED"

	// TypeUnknown is the distinguished result for frames whose type tag is
	// not recognized by this hub version.
	TypeUnknown MessageType = "UNKNOWN"
)

// Envelope is the wire message unit. Payload fields are flattened into the
// same JSON object as the Type/Id/Timestamp header on the wire.
type Envelope struct {
	Type      MessageType
	Id        string
	Timestamp time.Time
	Payload   Payload
}

// NewEnvelope wraps a payload with a fresh correlation id and the current
// time. Use NewReply when echoing a correlation id back.
func NewEnvelope(payload Payload) Envelope {
	return Envelope{
		Type:      payload.MessageType(),
		Id:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewReply wraps a payload as the response to a received envelope, reusing
// its correlation id.
func NewReply(request Envelope, payload Payload) Envelope {
	return Envelope{
		Type:      payload.MessageType(),
		Id:        request.Id,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Payload is implemented by every typed message body.
type Payload interface {
	MessageType() MessageType
}

// Telemetry is the last-reported device health snapshot.
type Telemetry struct {
	CpuPercent    float64 `json:"CpuPercent,omitempty"`
	MemoryPercent float64 `json:"MemoryPercent,omitempty"`
	DiskPercent   float64 `json:"DiskPercent,omitempty"`
	TemperatureC  float64 `json:"TemperatureC,omitempty"`
}

// DeviceInfo is the self-description a display client sends on REGISTER.
type DeviceInfo struct {
	Name       string `json:"Name,omitempty"`
	MacAddress string `json:"MacAddress,omitempty"`
	Os         string `json:"Os,omitempty"`
	AppVersion string `json:"AppVersion,omitempty"`
}

type RegisterPayload struct {
	ClientId string `json:"ClientId,omitempty"`
	Token    string `json:"Token,omitempty"`
	DeviceInfo
}

type RegistrationResponsePayload struct {
	Success      bool   `json:"Success"`
	ClientId     string `json:"ClientId,omitempty"`
	ErrorMessage string `json:"ErrorMessage,omitempty"`
}

type HeartbeatPayload struct {
	ClientId      string `json:"ClientId"`
	UptimeSeconds int64  `json:"UptimeSeconds,omitempty"`
}

type DisplayUpdatePayload struct {
	ContentRef  string `json:"ContentRef"`
	ContentType string `json:"ContentType,omitempty"`
	Content     string `json:"Content,omitempty"`
}

type StatusReportPayload struct {
	ClientId     string     `json:"ClientId"`
	Status       string     `json:"Status"`
	ErrorMessage string     `json:"ErrorMessage,omitempty"`
	Telemetry    *Telemetry `json:"Telemetry,omitempty"`
}

type CommandPayload struct {
	Command    string            `json:"Command"`
	Parameters map[string]string `json:"Parameters,omitempty"`
}

type ScreenshotPayload struct {
	ClientId  string `json:"ClientId,omitempty"`
	Format    string `json:"Format,omitempty"`
	ImageData string `json:"ImageData,omitempty"`
}

type UpdateConfigPayload struct {
	Config map[string]string `json:"Config,omitempty"`
}

type UpdateConfigResponsePayload struct {
	Success      bool   `json:"Success"`
	ErrorMessage string `json:"ErrorMessage,omitempty"`
}

// AppInfo is the self-description a mobile controller sends on APP_REGISTER.
type AppInfo struct {
	AppId    string `json:"AppId"`
	Name     string `json:"Name,omitempty"`
	Platform string `json:"Platform,omitempty"`
}

type AppRegisterPayload struct {
	Token string `json:"Token,omitempty"`
	AppInfo
}

type AppRegisterResponsePayload struct {
	Success      bool   `json:"Success"`
	Pending      bool   `json:"Pending,omitempty"`
	ErrorMessage string `json:"ErrorMessage,omitempty"`
}

type RequestClientListPayload struct{}

// ClientSummary is one row of a CLIENT_LIST_UPDATE.
type ClientSummary struct {
	ClientId   string    `json:"ClientId"`
	Name       string    `json:"Name,omitempty"`
	Status     string    `json:"Status"`
	LastSeen   time.Time `json:"LastSeen"`
	ContentRef string    `json:"ContentRef,omitempty"`
}

type ClientListUpdatePayload struct {
	Clients []ClientSummary `json:"Clients"`
}

type SendCommandPayload struct {
	TargetClientId string            `json:"TargetClientId"`
	Command        string            `json:"Command"`
	Parameters     map[string]string `json:"Parameters,omitempty"`
}

type ClientStatusChangedPayload struct {
	ClientId       string `json:"ClientId"`
	Name           string `json:"Name,omitempty"`
	PreviousStatus string `json:"PreviousStatus,omitempty"`
	Status         string `json:"Status"`
}

// UnknownPayload carries a frame whose type tag this hub version does not
// recognize. It is a valid decode result, not an error.
type UnknownPayload struct {
	TypeTag string
	Raw     []byte
}

func (RegisterPayload) MessageType() MessageType             { return TypeRegister }
func (RegistrationResponsePayload) MessageType() MessageType { return TypeRegistrationResponse }
func (HeartbeatPayload) MessageType() MessageType            { return TypeHeartbeat }
func (DisplayUpdatePayload) MessageType() MessageType        { return TypeDisplayUpdate }
func (StatusReportPayload) MessageType() MessageType         { return TypeStatusReport }
func (CommandPayload) MessageType() MessageType              { return TypeCommand }
func (ScreenshotPayload) MessageType() MessageType           { return TypeScreenshot }
func (UpdateConfigPayload) MessageType() MessageType         { return TypeUpdateConfig }
func (UpdateConfigResponsePayload) MessageType() MessageType { return TypeUpdateConfigResponse }
func (AppRegisterPayload) MessageType() MessageType          { return TypeAppRegister }
func (AppRegisterResponsePayload) MessageType() MessageType  { return TypeAppRegisterResponse }
func (RequestClientListPayload) MessageType() MessageType    { return TypeRequestClientList }
func (ClientListUpdatePayload) MessageType() MessageType     { return TypeClientListUpdate }
func (SendCommandPayload) MessageType() MessageType          { return TypeSendCommand }
func (ClientStatusChangedPayload) MessageType() MessageType  { return TypeClientStatusChanged }
func (UnknownPayload) MessageType() MessageType              { return TypeUnknown }

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marqueeworks/marquee-hub/pkg/errors"
)

// Codec serializes envelopes to newline-terminated JSON frames and back.
// It holds no state and is safe for concurrent use across connections.
type Codec struct{}

type frameHeader struct {
	Type      string    `json:"Type"`
	Id        string    `json:"Id"`
	Timestamp time.Time `json:"Timestamp"`
}

// Encode renders an envelope as one JSON frame with the payload fields
// flattened next to the Type/Id/Timestamp header, terminated by '\n'.
func (c Codec) Encode(env Envelope) ([]byte, error) {
	fields := make(map[string]json.RawMessage)

	if env.Payload != nil {
		if unknown, isUnknown := env.Payload.(*UnknownPayload); isUnknown {
			// Unknown frames are forwarded verbatim.
			return append(bytes.TrimRight(unknown.Raw, "\n"), '\n'), nil
		}
		raw, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", env.Type, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("flatten %s payload: %w", env.Type, err)
		}
	}

	var err error
	if fields["Type"], err = json.Marshal(string(env.Type)); err != nil {
		return nil, err
	}
	if fields["Id"], err = json.Marshal(env.Id); err != nil {
		return nil, err
	}
	if fields["Timestamp"], err = json.Marshal(env.Timestamp.UTC()); err != nil {
		return nil, err
	}

	frame, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return append(frame, '\n'), nil
}

// Decode parses one frame received on the given connection. A recognized
// type tag yields the matching payload variant; an unrecognized tag yields
// an UnknownPayload rather than an error. Malformed bytes yield a
// *errors.ParseError stamped with the connection id.
func (c Codec) Decode(connId string, data []byte) (Envelope, error) {
	data = bytes.TrimRight(data, "\r\n")

	var header frameHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return Envelope{}, &errors.ParseError{ConnId: connId, Cause: err}
	}
	if header.Type == "" {
		return Envelope{}, &errors.ParseError{ConnId: connId, Cause: fmt.Errorf("frame has no Type tag")}
	}

	env := Envelope{
		Type:      MessageType(header.Type),
		Id:        header.Id,
		Timestamp: header.Timestamp,
	}

	payload := emptyPayload(env.Type)
	if payload == nil {
		raw := make([]byte, len(data))
		copy(raw, data)
		env.Type = TypeUnknown
		env.Payload = &UnknownPayload{TypeTag: header.Type, Raw: raw}
		return env, nil
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return Envelope{}, &errors.ParseError{ConnId: connId, Cause: err}
	}
	env.Payload = payload
	return env, nil
}

func emptyPayload(t MessageType) Payload {
	switch t {
	case TypeRegister:
		return &RegisterPayload{}
	case TypeRegistrationResponse:
		return &RegistrationResponsePayload{}
	case TypeHeartbeat:
		return &HeartbeatPayload{}
	case TypeDisplayUpdate:
		return &DisplayUpdatePayload{}
	case TypeStatusReport:
		return &StatusReportPayload{}
	case TypeCommand:
		return &CommandPayload{}
	case TypeScreenshot:
		return &ScreenshotPayload{}
	case TypeUpdateConfig:
		return &UpdateConfigPayload{}
	case TypeUpdateConfigResponse:
		return &UpdateConfigResponsePayload{}
	case TypeAppRegister:
		return &AppRegisterPayload{}
	case TypeAppRegisterResponse:
		return &AppRegisterResponsePayload{}
	case TypeRequestClientList:
		return &RequestClientListPayload{}
	case TypeClientListUpdate:
		return &ClientListUpdatePayload{}
	case TypeSendCommand:
		return &SendCommandPayload{}
	case TypeClientStatusChanged:
		return &ClientStatusChangedPayload{}
	default:
		return nil
	}
}

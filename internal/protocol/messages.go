package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies relay websocket payload variants.
type MessageType string

const (
	TypePlayRequest MessageType = "play_request"
	TypePlayAck     MessageType = "play_ack"
	TypeStopRequest MessageType = "stop_request"
	TypeRelayStatus MessageType = "relay_status"
	TypeErrorEvent  MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// PlayRequest asks the relay endpoint to speak text on its side. RequestID
// correlates the eventual PlayAck.
type PlayRequest struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Text      string      `json:"text"`
	Language  string      `json:"language,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

// PlayAck confirms the relay accepted (not finished) a play request.
type PlayAck struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Accepted  bool        `json:"accepted"`
	Detail    string      `json:"detail,omitempty"`
}

// StopRequest asks the relay to halt whatever it is currently speaking.
type StopRequest struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	TSMs      int64       `json:"ts_ms"`
}

// RelayStatus is the relay's unsolicited health beacon.
type RelayStatus struct {
	Type      MessageType `json:"type"`
	Available bool        `json:"available"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseRelayMessage decodes one inbound relay frame into its concrete type.
func ParseRelayMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypePlayAck:
		var msg PlayAck
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RequestID == "" {
			return nil, errors.New("invalid play_ack")
		}
		return msg, nil
	case TypeRelayStatus:
		var msg RelayStatus
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeErrorEvent:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Code == "" {
			return nil, errors.New("invalid error_event")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

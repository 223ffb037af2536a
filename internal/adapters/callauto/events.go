package callauto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/Interpreter/internal/domain"
)

const eventPrefix = "Microsoft.Communication."

// Event Grid notifications.
const (
	SubscriptionValidation = "Microsoft.EventGrid.SubscriptionValidationEvent"
	IncomingCallEvent      = eventPrefix + "IncomingCall"
	CallStartedEvent       = eventPrefix + "CallStarted"
)

// Mid-call callback events.
const (
	CallConnected           = eventPrefix + "CallConnected"
	CallDisconnected        = eventPrefix + "CallDisconnected"
	MediaStreamingStarted   = eventPrefix + "MediaStreamingStarted"
	MediaStreamingStopped   = eventPrefix + "MediaStreamingStopped"
	MediaStreamingFailed    = eventPrefix + "MediaStreamingFailed"
	AddParticipantSucceeded = eventPrefix + "AddParticipantSucceeded"
	AddParticipantFailed    = eventPrefix + "AddParticipantFailed"
	ParticipantsUpdated     = eventPrefix + "ParticipantsUpdated"
)

var ErrEmptyPayload = errors.New("empty event payload")

type CommunicationIdentifier struct {
	RawID string `json:"rawId"`
}

// GridEvent is one Event Grid schema event.
type GridEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
}

// IncomingCall is a ringing call extracted from IncomingCall or CallStarted.
type IncomingCall struct {
	EventID             string
	RoomID              domain.RoomID
	CallerID            string
	IncomingCallContext string
}

// DecodeGridEvents accepts an array of events or a single event.
func DecodeGridEvents(body []byte) ([]GridEvent, error) {
	return decodeList[GridEvent](body)
}

func (e GridEvent) ValidationCode() (string, error) {
	var d struct {
		ValidationCode string `json:"validationCode"`
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return "", fmt.Errorf("validation event: %w", err)
	}
	if d.ValidationCode == "" {
		return "", fmt.Errorf("validation event: missing code")
	}
	return d.ValidationCode, nil
}

// IncomingCall decodes IncomingCall and CallStarted events. Direct calls are
// keyed by the callee id since they carry no room.
func (e GridEvent) IncomingCall() (IncomingCall, error) {
	switch e.EventType {
	case IncomingCallEvent:
		var d struct {
			To                  CommunicationIdentifier `json:"to"`
			From                CommunicationIdentifier `json:"from"`
			IncomingCallContext string                  `json:"incomingCallContext"`
		}
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return IncomingCall{}, fmt.Errorf("incoming call event: %w", err)
		}
		if d.IncomingCallContext == "" {
			return IncomingCall{}, fmt.Errorf("incoming call event: missing context")
		}
		return IncomingCall{
			EventID:             e.ID,
			RoomID:              domain.RoomID(d.To.RawID),
			CallerID:            d.From.RawID,
			IncomingCallContext: d.IncomingCallContext,
		}, nil
	case CallStartedEvent:
		var d struct {
			Room struct {
				ID string `json:"id"`
			} `json:"room"`
			StartedBy struct {
				CommunicationIdentifier CommunicationIdentifier `json:"communicationIdentifier"`
			} `json:"startedBy"`
		}
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return IncomingCall{}, fmt.Errorf("call started event: %w", err)
		}
		if d.Room.ID == "" {
			return IncomingCall{}, fmt.Errorf("call started event: missing room")
		}
		return IncomingCall{
			EventID:  e.ID,
			RoomID:   domain.RoomID(d.Room.ID),
			CallerID: d.StartedBy.CommunicationIdentifier.RawID,
		}, nil
	default:
		return IncomingCall{}, fmt.Errorf("not a call event: %s", e.EventType)
	}
}

// CallbackEvent is one CloudEvents callback posted to the callback URI.
type CallbackEvent struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Subject string       `json:"subject"`
	Data    CallbackData `json:"data"`
}

type ResultInformation struct {
	Code    int    `json:"code"`
	SubCode int    `json:"subCode"`
	Message string `json:"message"`
}

type CallbackData struct {
	CallConnectionID  string             `json:"callConnectionId"`
	ServerCallID      string             `json:"serverCallId"`
	CorrelationID     string             `json:"correlationId"`
	OperationContext  string             `json:"operationContext"`
	ResultInformation *ResultInformation `json:"resultInformation"`
	Participants      []struct {
		Identifier CommunicationIdentifier `json:"identifier"`
	} `json:"participants"`
}

func DecodeCallbackEvents(body []byte) ([]CallbackEvent, error) {
	return decodeList[CallbackEvent](body)
}

// Name is the event type without the provider prefix.
func (e CallbackEvent) Name() string {
	return strings.TrimPrefix(e.Type, eventPrefix)
}

func (d CallbackData) Reason() string {
	if d.ResultInformation == nil {
		return ""
	}
	return d.ResultInformation.Message
}

func (d CallbackData) ParticipantIDs() []string {
	ids := make([]string, 0, len(d.Participants))
	for _, p := range d.Participants {
		ids = append(ids, p.Identifier.RawID)
	}
	return ids
}

func decodeList[T any](body []byte) ([]T, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrEmptyPayload
	}
	if body[0] == '[' {
		var list []T
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		return list, nil
	}
	var one T
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return []T{one}, nil
}

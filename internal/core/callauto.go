package core

import (
	"context"

	"github.com/dkeye/Interpreter/internal/domain"
)

//go:generate mockgen -destination=mocks/callauto_mock.go -package=mocks github.com/dkeye/Interpreter/internal/core CallAutomation

// IncomingCallRef carries what the telephony provider needs to pick up a call.
// IncomingCallContext is set for direct calls, RoomID for room calls.
type IncomingCallRef struct {
	EventID             string
	IncomingCallContext string
	RoomID              domain.RoomID
	CallerID            string
	CallbackURI         string
	MediaURI            string
}

type ParticipantRef struct {
	RawID       string
	DisplayName string
}

// CallAutomation is the telephony collaborator.
type CallAutomation interface {
	AnswerCall(ctx context.Context, ref IncomingCallRef) (domain.CallID, error)
	AddParticipant(ctx context.Context, callID domain.CallID, p ParticipantRef) error
	HangUp(ctx context.Context, callID domain.CallID) error
}

package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// IncomingCall is a provider notification that a call is ringing.
type IncomingCall struct {
	// ID identifies the ringing call until the provider assigns a
	// connection id. A random id is used when empty.
	ID                  domain.CallID
	RoomID              domain.RoomID
	CallerID            string
	IncomingCallContext string
}

// OnIncomingCall pre-registers the call, answers it and records the
// connection id. If a client already waits in the room it is bound now.
func (o *Orchestrator) OnIncomingCall(ctx context.Context, in IncomingCall) (domain.CallID, error) {
	o.Metrics.IncCallEvent("incoming_call")
	ringingID := in.ID
	if ringingID == "" {
		ringingID = domain.CallID(uuid.NewString())
	}
	if !o.Registry.PreRegisterCall(ringingID, in.RoomID) {
		existing := o.Registry.ResolveCall(ringingID)
		log.Info().Str("module", "orch").Str("call_id", string(existing)).Msg("duplicate incoming call ignored")
		return existing, nil
	}

	ref := core.IncomingCallRef{
		EventID:             string(ringingID),
		IncomingCallContext: in.IncomingCallContext,
		RoomID:              in.RoomID,
		CallerID:            in.CallerID,
		CallbackURI:         joinURI(o.opts.CallbackURI, string(ringingID)),
		MediaURI:            withCallQuery(o.opts.MediaURI, ringingID),
	}
	connID, err := o.Calls.AnswerCall(ctx, ref)
	if err != nil {
		o.Registry.RemoveCall(ringingID)
		o.Metrics.IncCallAutomationFailure("answer")
		log.Error().Err(err).Str("module", "orch").Str("call_id", string(ringingID)).Msg("answer failed")
		return "", fmt.Errorf("answer %s: %w: %w", ringingID, domain.ErrCallAutomationFailure, err)
	}
	if connID == "" {
		connID = ringingID
	}
	if err := o.Registry.AnswerCall(ringingID, connID); err != nil {
		return "", err
	}

	if sid, ok := o.Registry.UnboundSessionInRoom(in.RoomID); ok {
		if err := o.Registry.MapCallToSession(connID, sid); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("call_id", string(connID)).Str("sid", string(sid)).Msg("could not bind waiting client")
		}
	}
	log.Info().Str("module", "orch").Str("call_id", string(connID)).Str("room", string(in.RoomID)).Str("caller", in.CallerID).Msg("call answered")
	return connID, nil
}

// OnCallConnected marks the call live, invites the interpreter bot and
// starts translation if a client is already bound.
func (o *Orchestrator) OnCallConnected(ctx context.Context, callID domain.CallID) error {
	o.Metrics.IncCallEvent("call_connected")
	if err := o.Registry.SetCallState(callID, domain.CallConnected); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("call_id", string(callID)).Msg("connected event for unknown call")
		return err
	}
	call, _ := o.Registry.Call(callID)

	if o.opts.Bot.RawID != "" {
		addCtx, cancel := context.WithTimeout(ctx, o.opts.HangUpTimeout)
		err := o.Calls.AddParticipant(addCtx, call.ID, o.opts.Bot)
		cancel()
		if err != nil {
			o.Metrics.IncCallAutomationFailure("add_participant")
			log.Error().Err(err).Str("module", "orch").Str("call_id", string(call.ID)).Msg("add bot participant failed")
		}
	}

	if call.SessionID == "" {
		log.Info().Str("module", "orch").Str("call_id", string(call.ID)).Msg("call connected, waiting for client")
		return nil
	}
	if err := o.StartInvoker(ctx, call.ID); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("call_id", string(call.ID)).Msg("invoker start failed, supervisor will retry")
	}
	return nil
}

func (o *Orchestrator) OnMediaStreamingStarted(_ context.Context, callID domain.CallID) {
	o.Metrics.IncCallEvent("media_streaming_started")
	log.Info().Str("module", "orch").Str("call_id", string(callID)).Msg("media streaming started")
}

func (o *Orchestrator) OnMediaStreamingStopped(ctx context.Context, callID domain.CallID) {
	o.Metrics.IncCallEvent("media_streaming_stopped")
	o.hangUpOnEvent(ctx, callID, "media_streaming_stopped")
}

func (o *Orchestrator) OnMediaStreamingFailed(ctx context.Context, callID domain.CallID, reason string) {
	o.Metrics.IncCallEvent("media_streaming_failed")
	log.Error().Str("module", "orch").Str("call_id", string(callID)).Str("reason", reason).Msg("media streaming failed")
	o.hangUpOnEvent(ctx, callID, "media_streaming_failed")
}

func (o *Orchestrator) OnAddParticipantFailed(ctx context.Context, callID domain.CallID, reason string) {
	o.Metrics.IncCallEvent("add_participant_failed")
	log.Error().Str("module", "orch").Str("call_id", string(callID)).Str("reason", reason).Msg("add participant failed")
	o.hangUpOnEvent(ctx, callID, "add_participant_failed")
}

func (o *Orchestrator) OnParticipantsUpdated(_ context.Context, callID domain.CallID, participants []string) {
	o.Metrics.IncCallEvent("participants_updated")
	log.Info().Str("module", "orch").Str("call_id", string(callID)).Strs("participants", participants).Msg("participants updated")
}

// OnCallDisconnected tears the call down; the provider already ended it.
func (o *Orchestrator) OnCallDisconnected(_ context.Context, callID domain.CallID) {
	o.Metrics.IncCallEvent("call_disconnected")
	o.teardown(callID, "disconnected")
}

func (o *Orchestrator) hangUpOnEvent(ctx context.Context, callID domain.CallID, reason string) {
	if _, ok := o.Registry.Call(callID); !ok {
		log.Warn().Str("module", "orch").Str("call_id", string(callID)).Str("reason", reason).Msg("event for unknown call")
		return
	}
	_ = o.HangUpCall(ctx, callID, reason)
}

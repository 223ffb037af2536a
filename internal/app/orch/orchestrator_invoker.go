package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Interpreter/internal/app"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/rs/zerolog/log"
)

// StartInvoker claims the call's invoker slot and starts a fresh invoker.
// A call that already has a live invoker is left alone.
func (o *Orchestrator) StartInvoker(ctx context.Context, callID domain.CallID) error {
	call, ok := o.Registry.Call(callID)
	if !ok {
		return domain.ErrUnknownCall
	}
	if call.SessionID == "" {
		return fmt.Errorf("call %s has no listener: %w", call.ID, domain.ErrUnknownSession)
	}
	langs, ok := o.Registry.Languages(call.SessionID)
	if !ok {
		return domain.ErrUnknownSession
	}
	langs = langs.Or(o.opts.DefaultLanguages)

	inv := app.NewInvoker(call.ID, langs, o.Engine, o, o.opts.Invoker, app.InvokerHooks{
		OnDropped: func(domain.Segment) { o.Metrics.IncSegmentsDropped("queue_full") },
		OnCrash:   func(error) { o.Metrics.IncInvokerCrashes() },
	})
	if err := o.Registry.ClaimInvoker(call.ID, inv); err != nil {
		if errors.Is(err, domain.ErrInvokerAlive) {
			return nil
		}
		return err
	}
	if err := inv.Start(ctx); err != nil {
		o.Registry.ReleaseInvoker(call.ID, inv)
		o.Metrics.IncInvokerStartFailures()
		return err
	}
	o.Metrics.IncInvokerStarts()
	return nil
}

// stopInvoker empties the call's slot and stops what was there.
func (o *Orchestrator) stopInvoker(callID domain.CallID) {
	if inv := o.Registry.DetachInvoker(callID); inv != nil {
		inv.Stop()
	}
}

// restartInvoker swaps the invoker for one built from current languages.
func (o *Orchestrator) restartInvoker(ctx context.Context, callID domain.CallID) {
	call, ok := o.Registry.Call(callID)
	if !ok {
		return
	}
	o.stopInvoker(call.ID)
	if call.State != domain.CallConnected || call.SessionID == "" {
		return
	}
	if err := o.StartInvoker(ctx, call.ID); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("call_id", string(call.ID)).Msg("invoker restart failed, supervisor will retry")
	}
}

// endCall marks the call Ended and stops the invoker it held. It reports
// false when another teardown already ended the call.
func (o *Orchestrator) endCall(callID domain.CallID) bool {
	inv, ok := o.Registry.EndCall(callID)
	if inv != nil {
		inv.Stop()
	}
	return ok
}

// removeCall forgets the call and stops anything still left in its slot.
func (o *Orchestrator) removeCall(callID domain.CallID) {
	o.dropPipe(callID)
	if inv := o.Registry.RemoveCall(callID); inv != nil {
		inv.Stop()
	}
}

// teardown releases everything the bridge holds for a call. The client, if
// any, stays registered and is told the call ended.
func (o *Orchestrator) teardown(callID domain.CallID, reason string) {
	call, ok := o.Registry.Call(callID)
	if !ok || !o.endCall(call.ID) {
		return
	}
	o.finishCall(call, reason)
}

func (o *Orchestrator) finishCall(call app.CallSnapshot, reason string) {
	o.removeCall(call.ID)
	if call.SessionID != "" {
		o.Publish(call.SessionID, CallEndedMsg{Type: "call_ended", CallID: call.ID, Reason: reason})
	}
	log.Info().Str("module", "orch").Str("call_id", string(call.ID)).Str("reason", reason).Msg("call torn down")
}

func (o *Orchestrator) hangUp(ctx context.Context, callID domain.CallID) error {
	if o.Calls == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.HangUpTimeout)
	defer cancel()
	if err := o.Calls.HangUp(ctx, callID); err != nil {
		o.Metrics.IncCallAutomationFailure("hang_up")
		err = fmt.Errorf("hang up %s: %w: %w", callID, domain.ErrCallAutomationFailure, err)
		log.Error().Err(err).Str("module", "orch").Str("call_id", string(callID)).Msg("hang up failed")
		return err
	}
	return nil
}

// HangUpCall ends a call on the provider side and tears it down locally.
// A call already being torn down is left to that teardown.
func (o *Orchestrator) HangUpCall(ctx context.Context, callID domain.CallID, reason string) error {
	call, ok := o.Registry.Call(callID)
	if !ok {
		return domain.ErrUnknownCall
	}
	if !o.endCall(call.ID) {
		return nil
	}
	err := o.hangUp(ctx, call.ID)
	o.finishCall(call, reason)
	return err
}

// ReclaimCall tears down an idle call together with its client: end the
// call, hang up, tell the client, close it, forget both.
func (o *Orchestrator) ReclaimCall(ctx context.Context, callID domain.CallID) error {
	call, ok := o.Registry.Call(callID)
	if !ok || !o.endCall(call.ID) {
		return nil
	}
	err := o.hangUp(ctx, call.ID)
	if call.SessionID != "" {
		o.endSession(call.SessionID, "idle")
	}
	o.removeCall(call.ID)
	o.Registry.RemoveSession(call.SessionID)
	log.Info().Str("module", "orch").Str("call_id", string(call.ID)).Str("sid", string(call.SessionID)).Msg("idle call reclaimed")
	return err
}

// ReclaimOrphanCall hangs up a call no client ever claimed.
func (o *Orchestrator) ReclaimOrphanCall(ctx context.Context, callID domain.CallID) error {
	call, ok := o.Registry.Call(callID)
	if !ok || call.SessionID != "" || !o.endCall(call.ID) {
		return nil
	}
	err := o.hangUp(ctx, call.ID)
	o.removeCall(call.ID)
	log.Info().Str("module", "orch").Str("call_id", string(call.ID)).Msg("orphan call reclaimed")
	return err
}

// StopAll ends every call's invoker, for shutdown. Calls stay registered.
func (o *Orchestrator) StopAll() {
	for _, call := range o.Registry.ListActiveCalls() {
		o.stopInvoker(call.ID)
	}
}

// ReclaimSession closes an idle client that never got a call.
func (o *Orchestrator) ReclaimSession(_ context.Context, sid domain.SessionID) error {
	if callID, bound := o.Registry.CallOf(sid); bound {
		return fmt.Errorf("session bound to %s: %w", callID, domain.ErrCallBound)
	}
	o.endSession(sid, "idle")
	o.Registry.RemoveSession(sid)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("idle session reclaimed")
	return nil
}

func (o *Orchestrator) endSession(sid domain.SessionID, reason string) {
	conn, ok := o.Registry.Connection(sid)
	if !ok {
		return
	}
	o.Publish(sid, SessionEndedMsg{Type: "session_ended", Reason: reason})
	conn.Close()
}

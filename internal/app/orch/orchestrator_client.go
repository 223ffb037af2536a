package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownControl = errors.New("unknown control frame")
	ErrRoomRequired   = errors.New("room is required")
)

// AttachClient registers a client connection and binds it to callHint, or
// else to a call in the room that has no listener yet. An empty roomID is
// taken from the hinted call.
func (o *Orchestrator) AttachClient(
	ctx context.Context,
	sid domain.SessionID,
	roomID domain.RoomID,
	conn core.ClientConnection,
	langs domain.Languages,
	callHint domain.CallID,
) error {
	langs = langs.Or(o.opts.DefaultLanguages)
	if callHint != "" {
		call, ok := o.Registry.Call(callHint)
		if !ok {
			return domain.ErrUnknownCall
		}
		callHint = call.ID
		if roomID == "" {
			roomID = call.RoomID
		}
	}
	if roomID == "" {
		return ErrRoomRequired
	}
	if err := o.Registry.RegisterClientConnection(sid, roomID, conn, langs); err != nil {
		return err
	}

	callID := callHint
	if callID == "" {
		callID, _ = o.Registry.UnboundCallInRoom(roomID)
	}
	if callID == "" {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomID)).Msg("client attached, no call yet")
		return nil
	}
	if err := o.Registry.MapCallToSession(callID, sid); err != nil {
		if callHint != "" {
			_ = o.Registry.UnregisterClientConnection(sid)
			return fmt.Errorf("bind %s to %s: %w", sid, callID, err)
		}
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("call_id", string(callID)).Msg("could not bind client to call")
		return nil
	}

	call, _ := o.Registry.Call(callID)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("call_id", string(call.ID)).Str("state", call.State.String()).Msg("client bound to call")
	if call.State == domain.CallConnected {
		if err := o.StartInvoker(ctx, call.ID); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("call_id", string(call.ID)).Msg("invoker start failed, supervisor will retry")
		}
	}
	return nil
}

// DetachClient forgets a client. Its call stays registered, but with no
// listener left the invoker is stopped.
func (o *Orchestrator) DetachClient(sid domain.SessionID) {
	callID, bound := o.Registry.CallOf(sid)
	if err := o.Registry.UnregisterClientConnection(sid); err != nil {
		log.Debug().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("detach")
		return
	}
	if bound {
		o.stopInvoker(callID)
		o.dropPipe(callID)
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("client detached")
}

// OnAudioChunk feeds client audio through the call's segmenter into its
// invoker. Audio from a client without a call only counts as activity.
func (o *Orchestrator) OnAudioChunk(sid domain.SessionID, chunk []byte) {
	if err := o.Registry.RecordActivity(sid); err != nil {
		return
	}
	callID, ok := o.Registry.CallOf(sid)
	if !ok {
		return
	}
	p := o.pipe(callID)
	p.mu.Lock()
	o.feed(callID, p.seg.Push(chunk))
	p.mu.Unlock()
}

type controlEnvelope struct {
	Type   string `json:"type"`
	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`
}

type LanguageMsg struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type WhoAmIMsg struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"sid"`
	Room      domain.RoomID    `json:"room"`
	CallID    domain.CallID    `json:"call_id,omitempty"`
	CallState string           `json:"call_state,omitempty"`
	Source    string           `json:"source"`
	Target    string           `json:"target"`
}

// OnControlFrame handles a JSON control message from a client.
func (o *Orchestrator) OnControlFrame(ctx context.Context, sid domain.SessionID, data []byte) error {
	if err := o.Registry.RecordActivity(sid); err != nil {
		return err
	}
	var env controlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("bad control frame: %w", err)
	}
	switch env.Type {
	case "language":
		langs, err := domain.NewLanguages(env.Source, env.Target)
		if err != nil {
			return err
		}
		return o.SetLanguages(ctx, sid, langs)
	case "whoami":
		o.whoAmI(sid)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownControl, env.Type)
	}
}

// SetLanguages changes a client's pair and restarts its call's invoker so
// the engine picks up the new instructions.
func (o *Orchestrator) SetLanguages(ctx context.Context, sid domain.SessionID, langs domain.Languages) error {
	if err := o.Registry.SetLanguages(sid, langs); err != nil {
		return err
	}
	if callID, ok := o.Registry.CallOf(sid); ok {
		o.restartInvoker(ctx, callID)
	}
	o.Publish(sid, LanguageMsg{Type: "language", Source: langs.Source, Target: langs.Target})
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("source", langs.Source).Str("target", langs.Target).Msg("languages changed")
	return nil
}

// SetRoomLanguages applies a pair to every client in a room and returns how
// many were updated.
func (o *Orchestrator) SetRoomLanguages(ctx context.Context, roomID domain.RoomID, langs domain.Languages) (int, error) {
	room, ok := o.Registry.Room(roomID)
	if !ok {
		return 0, domain.ErrUnknownRoom
	}
	n := 0
	for _, sid := range room.Participants {
		if err := o.SetLanguages(ctx, sid, langs); err == nil {
			n++
		}
	}
	return n, nil
}

func (o *Orchestrator) whoAmI(sid domain.SessionID) {
	sess, ok := o.Registry.Session(sid)
	if !ok {
		return
	}
	msg := WhoAmIMsg{
		Type:      "whoami",
		SessionID: sid,
		Room:      sess.RoomID,
		CallID:    sess.CallID,
		Source:    sess.Languages.Source,
		Target:    sess.Languages.Target,
	}
	if call, ok := o.Registry.Call(sess.CallID); ok {
		msg.CallState = call.State.String()
	}
	o.Publish(sid, msg)
}

// BindMediaHandlers routes decoded WebRTC audio into the session's pipeline.
func (o *Orchestrator) BindMediaHandlers(mc core.MediaConnection, sid domain.SessionID) {
	mc.OnAudio(func(pcm []byte) { o.OnAudioChunk(sid, pcm) })
	mc.OnClosed(func() {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("media connection closed")
	})
}

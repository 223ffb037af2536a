package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/dkeye/Interpreter/internal/adapters/callauto"
	"github.com/dkeye/Interpreter/internal/app/orch"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const maxWebhookBody = 1 << 20

type LanguageRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type LanguageResponse struct {
	Room    domain.RoomID `json:"room"`
	Source  string        `json:"source"`
	Target  string        `json:"target"`
	Updated int           `json:"updated"`
}

// API serves the REST and webhook endpoints.
type API struct {
	Orch *orch.Orchestrator
}

func NewAPI(o *orch.Orchestrator) *API {
	return &API{Orch: o}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownRoom),
		errors.Is(err, domain.ErrUnknownCall),
		errors.Is(err, domain.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateSession), errors.Is(err, domain.ErrCallBound):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLanguageEmpty), errors.Is(err, domain.ErrLanguageTooLong):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCallAutomationFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) Healthz(c *gin.Context) {
	st := a.Orch.Registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"rooms":         st.Rooms,
		"sessions":      st.Sessions,
		"calls":         st.Calls,
		"live_invokers": st.LiveInvokers,
	})
}

func (a *API) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, a.Orch.Registry.ListRooms())
}

func (a *API) GetRoom(c *gin.Context) {
	room, ok := a.Orch.Registry.Room(domain.RoomID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrUnknownRoom.Error()})
		return
	}
	c.JSON(http.StatusOK, room)
}

func (a *API) SetRoomLanguage(c *gin.Context) {
	var req LanguageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid languages"})
		return
	}
	langs, err := domain.NewLanguages(req.Source, req.Target)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	roomID := domain.RoomID(c.Param("id"))
	n, err := a.Orch.SetRoomLanguages(c.Request.Context(), roomID, langs)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, LanguageResponse{Room: roomID, Source: langs.Source, Target: langs.Target, Updated: n})
}

func (a *API) ListCalls(c *gin.Context) {
	c.JSON(http.StatusOK, a.Orch.Registry.ListActiveCalls())
}

// HangUpCall ends a call on operator request.
func (a *API) HangUpCall(c *gin.Context) {
	err := a.Orch.HangUpCall(c.Request.Context(), domain.CallID(c.Param("id")), "hangup")
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, domain.ErrUnknownCall):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		// Torn down locally even though the provider request failed.
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

// IncomingCall receives Event Grid notifications: subscription validation,
// direct incoming calls and room call starts.
func (a *API) IncomingCall(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	events, err := callauto.DecodeGridEvents(body)
	if err != nil {
		log.Warn().Err(err).Str("module", "transport.http").Msg("bad event grid payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		answered []domain.CallID
		failed   int
	)
	for _, ev := range events {
		switch ev.EventType {
		case callauto.SubscriptionValidation:
			code, err := ev.ValidationCode()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			log.Info().Str("module", "transport.http").Msg("event grid subscription validated")
			c.JSON(http.StatusOK, gin.H{"validationResponse": code})
			return
		case callauto.IncomingCallEvent, callauto.CallStartedEvent:
			in, err := ev.IncomingCall()
			if err != nil {
				log.Warn().Err(err).Str("module", "transport.http").Str("event_id", ev.ID).Msg("bad call event")
				failed++
				continue
			}
			id, err := a.Orch.OnIncomingCall(c.Request.Context(), orch.IncomingCall{
				ID:                  domain.CallID(in.EventID),
				RoomID:              in.RoomID,
				CallerID:            in.CallerID,
				IncomingCallContext: in.IncomingCallContext,
			})
			if err != nil {
				failed++
				continue
			}
			answered = append(answered, id)
		default:
			log.Debug().Str("module", "transport.http").Str("event_type", ev.EventType).Msg("event ignored")
		}
	}
	if failed > 0 {
		c.JSON(http.StatusBadGateway, gin.H{"answered": answered, "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"answered": answered})
}

// Callback receives mid-call events for the call answered under contextId.
func (a *API) Callback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	events, err := callauto.DecodeCallbackEvents(body)
	if err != nil {
		log.Warn().Err(err).Str("module", "transport.http").Msg("bad callback payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	contextID := domain.CallID(c.Param("contextId"))
	ctx := c.Request.Context()
	for _, ev := range events {
		callID := domain.CallID(ev.Data.CallConnectionID)
		if callID == "" {
			callID = a.Orch.Registry.ResolveCall(contextID)
		}
		log.Info().Str("module", "transport.http").Str("event", ev.Name()).Str("call_id", string(callID)).Msg("callback")

		switch ev.Type {
		case callauto.CallConnected:
			_ = a.Orch.OnCallConnected(ctx, callID)
		case callauto.MediaStreamingStarted:
			a.Orch.OnMediaStreamingStarted(ctx, callID)
		case callauto.MediaStreamingStopped:
			a.Orch.OnMediaStreamingStopped(ctx, callID)
		case callauto.MediaStreamingFailed:
			a.Orch.OnMediaStreamingFailed(ctx, callID, ev.Data.Reason())
		case callauto.AddParticipantFailed:
			a.Orch.OnAddParticipantFailed(ctx, callID, ev.Data.Reason())
		case callauto.ParticipantsUpdated:
			a.Orch.OnParticipantsUpdated(ctx, callID, ev.Data.ParticipantIDs())
		case callauto.CallDisconnected:
			a.Orch.OnCallDisconnected(ctx, callID)
		default:
			log.Debug().Str("module", "transport.http").Str("event", ev.Type).Msg("callback ignored")
		}
	}
	c.Status(http.StatusOK)
}

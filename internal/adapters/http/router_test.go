package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Interpreter/internal/app"
	"github.com/dkeye/Interpreter/internal/app/orch"
	"github.com/dkeye/Interpreter/internal/config"
	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/core/mocks"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/dkeye/Interpreter/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type nopConn struct{}

func (nopConn) TrySend(core.Frame) error { return nil }
func (nopConn) Close()                   {}

type downEngine struct{}

func (downEngine) OpenStream(context.Context, domain.CallID, domain.Languages) (core.EngineStream, error) {
	return nil, errors.New("engine down")
}

type fixture struct {
	router http.Handler
	orch   *orch.Orchestrator
	reg    *app.SessionRegistry
	calls  *mocks.MockCallAutomation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctrl := gomock.NewController(t)
	calls := mocks.NewMockCallAutomation(ctrl)
	reg := app.NewSessionRegistry()
	o := orch.New(reg, downEngine{}, calls, nil, metrics.New(), orch.Options{
		Segmenter:        app.DefaultSegmenterConfig(),
		Invoker:          app.DefaultInvokerConfig(),
		DefaultLanguages: domain.Languages{Source: "en", Target: "zh"},
		CallbackURI:      "https://example.test/api/callbacks",
		MediaURI:         "wss://example.test/api/ws/client",
	})
	cfg := &config.Config{Mode: "test", Secret: "secret", ReadLimit: 1 << 20, PingPeriod: time.Minute}
	return &fixture{
		router: SetupRouter(context.Background(), cfg, o),
		orch:   o,
		reg:    reg,
		calls:  calls,
	}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

const incomingCall = `[{"id":"evt-1","eventType":"Microsoft.Communication.CallStarted",
  "data":{"room":{"id":"room-1"},"startedBy":{"communicationIdentifier":{"rawId":"8:acs:alice"}}}}]`

func (f *fixture) answer(t *testing.T) {
	t.Helper()
	f.calls.EXPECT().AnswerCall(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, ref core.IncomingCallRef) (domain.CallID, error) {
			assert.Equal(t, domain.RoomID("room-1"), ref.RoomID)
			assert.Equal(t, "https://example.test/api/callbacks/evt-1", ref.CallbackURI)
			assert.Contains(t, ref.MediaURI, "call=evt-1")
			return "conn-1", nil
		})
	w := f.do(http.MethodPost, "/api/calls/incoming", incomingCall)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"answered":["conn-1"]}`, w.Body.String())
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "interpreter_live_invokers 0")
}

func TestSubscriptionValidation(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/calls/incoming",
		`[{"id":"v","eventType":"Microsoft.EventGrid.SubscriptionValidationEvent","data":{"validationCode":"code-42"}}]`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"validationResponse":"code-42"}`, w.Body.String())
	assert.Empty(t, w.Header().Get("Set-Cookie"), "webhooks carry no session")
}

func TestIncomingCallThenCallbacks(t *testing.T) {
	f := newFixture(t)
	f.answer(t)

	w := f.do(http.MethodPost, "/api/callbacks/evt-1",
		`[{"type":"Microsoft.Communication.CallConnected","data":{"callConnectionId":"conn-1"}}]`)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/calls", "")
	require.Equal(t, http.StatusOK, w.Code)
	var calls []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &calls))
	require.Len(t, calls, 1)
	assert.Equal(t, "conn-1", calls[0]["id"])
	assert.Equal(t, "connected", calls[0]["state"])

	// Event without a connection id resolves through the callback context.
	w = f.do(http.MethodPost, "/api/callbacks/evt-1",
		`{"type":"Microsoft.Communication.CallDisconnected","data":{}}`)
	require.Equal(t, http.StatusOK, w.Code)
	_, ok := f.reg.Call("conn-1")
	assert.False(t, ok)
}

func TestDuplicateIncomingCallAnsweredOnce(t *testing.T) {
	f := newFixture(t)
	f.answer(t)

	w := f.do(http.MethodPost, "/api/calls/incoming", incomingCall)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"answered":["conn-1"]}`, w.Body.String())
}

func TestIncomingCallAnswerFailure(t *testing.T) {
	f := newFixture(t)
	f.calls.EXPECT().AnswerCall(gomock.Any(), gomock.Any()).Return(domain.CallID(""), errors.New("503"))

	w := f.do(http.MethodPost, "/api/calls/incoming", incomingCall)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Empty(t, f.reg.ListActiveCalls())
}

func TestBadWebhookPayloads(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/calls/incoming", "not json").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/callbacks/x", "").Code)
}

func TestHangUpCall(t *testing.T) {
	f := newFixture(t)
	f.answer(t)

	f.calls.EXPECT().HangUp(gomock.Any(), domain.CallID("conn-1")).Return(nil)
	w := f.do(http.MethodDelete, "/api/calls/conn-1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodDelete, "/api/calls/conn-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoomsAndLanguage(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.AttachClient(context.Background(), "s1", "room-1", nopConn{}, domain.Languages{}, ""))

	w := f.do(http.MethodGet, "/api/rooms", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"room-1"`)
	assert.Contains(t, w.Header().Get("Set-Cookie"), "InterpreterSessions=")

	w = f.do(http.MethodGet, "/api/rooms/room-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"participants":["s1"]`)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/rooms/nope", "").Code)

	w = f.do(http.MethodPost, "/api/rooms/room-1/language", `{"source":"FR","target":"en"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"room":"room-1","source":"fr","target":"en","updated":1}`, w.Body.String())
	langs, _ := f.reg.Languages("s1")
	assert.Equal(t, domain.Languages{Source: "fr", Target: "en"}, langs)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/rooms/room-1/language", `{"source":""}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/rooms/nope/language", `{"source":"fr","target":"en"}`).Code)
}

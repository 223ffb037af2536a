package callauto

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultAPIVersion = "2024-09-15"

var ErrNoConnectionID = errors.New("call automation returned no call connection id")

type Config struct {
	Endpoint string
	// AccessKey is the base64 resource key used for HMAC request signing.
	AccessKey  string
	APIVersion string
	Timeout    time.Duration
}

// Client talks to the Call Automation REST API.
type Client struct {
	cfg        Config
	base       *url.URL
	key        []byte
	httpClient *http.Client
	now        func() time.Time
}

var _ core.CallAutomation = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(cfg.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("access key: %w", err)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		base: base,
		key:  key,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		now: time.Now,
	}, nil
}

type mediaStreamingOptions struct {
	TransportURL        string `json:"transportUrl"`
	TransportType       string `json:"transportType"`
	ContentType         string `json:"contentType"`
	AudioChannelType    string `json:"audioChannelType"`
	StartMediaStreaming bool   `json:"startMediaStreaming"`
	EnableBidirectional bool   `json:"enableBidirectional"`
	AudioFormat         string `json:"audioFormat"`
}

func streamingOptions(mediaURI string) *mediaStreamingOptions {
	if mediaURI == "" {
		return nil
	}
	return &mediaStreamingOptions{
		TransportURL:        mediaURI,
		TransportType:       "websocket",
		ContentType:         "audio",
		AudioChannelType:    "mixed",
		StartMediaStreaming: true,
		EnableBidirectional: true,
		AudioFormat:         "Pcm16KMono",
	}
}

type answerRequest struct {
	IncomingCallContext   string                 `json:"incomingCallContext"`
	CallbackURI           string                 `json:"callbackUri"`
	OperationContext      string                 `json:"operationContext,omitempty"`
	MediaStreamingOptions *mediaStreamingOptions `json:"mediaStreamingOptions,omitempty"`
}

type callLocator struct {
	Kind   string `json:"kind"`
	RoomID string `json:"roomId"`
}

type connectRequest struct {
	CallLocator           callLocator            `json:"callLocator"`
	CallbackURI           string                 `json:"callbackUri"`
	OperationContext      string                 `json:"operationContext,omitempty"`
	MediaStreamingOptions *mediaStreamingOptions `json:"mediaStreamingOptions,omitempty"`
}

type callConnectionProperties struct {
	CallConnectionID string `json:"callConnectionId"`
}

type communicationIdentifier struct {
	RawID string `json:"rawId"`
}

type addParticipantRequest struct {
	ParticipantToAdd  communicationIdentifier `json:"participantToAdd"`
	SourceDisplayName string                  `json:"sourceDisplayName,omitempty"`
	OperationContext  string                  `json:"operationContext,omitempty"`
}

// AnswerCall answers a direct call, or joins a room call when only the room
// is known.
func (c *Client) AnswerCall(ctx context.Context, ref core.IncomingCallRef) (domain.CallID, error) {
	var (
		path string
		body any
	)
	if ref.IncomingCallContext != "" {
		path = "/calling/callConnections:answer"
		body = answerRequest{
			IncomingCallContext:   ref.IncomingCallContext,
			CallbackURI:           ref.CallbackURI,
			OperationContext:      ref.EventID,
			MediaStreamingOptions: streamingOptions(ref.MediaURI),
		}
	} else {
		path = "/calling/callConnections:connect"
		body = connectRequest{
			CallLocator:           callLocator{Kind: "roomCallLocator", RoomID: string(ref.RoomID)},
			CallbackURI:           ref.CallbackURI,
			OperationContext:      ref.EventID,
			MediaStreamingOptions: streamingOptions(ref.MediaURI),
		}
	}
	var props callConnectionProperties
	if err := c.do(ctx, http.MethodPost, path, body, &props); err != nil {
		return "", err
	}
	if props.CallConnectionID == "" {
		return "", ErrNoConnectionID
	}
	log.Info().Str("module", "callauto").Str("call_id", props.CallConnectionID).Str("room", string(ref.RoomID)).Msg("call answered")
	return domain.CallID(props.CallConnectionID), nil
}

func (c *Client) AddParticipant(ctx context.Context, callID domain.CallID, p core.ParticipantRef) error {
	path := "/calling/callConnections/" + url.PathEscape(string(callID)) + "/participants:add"
	return c.do(ctx, http.MethodPost, path, addParticipantRequest{
		ParticipantToAdd:  communicationIdentifier{RawID: p.RawID},
		SourceDisplayName: p.DisplayName,
		OperationContext:  uuid.NewString(),
	}, nil)
}

// HangUp terminates the call for everyone.
func (c *Client) HangUp(ctx context.Context, callID domain.CallID) error {
	path := "/calling/callConnections/" + url.PathEscape(string(callID)) + ":terminate"
	return c.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("call automation: status %d: %s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	u := *c.base
	u.Path = c.base.Path + path
	q := u.Query()
	q.Set("api-version", c.cfg.APIVersion)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Repeatability-Request-ID", uuid.NewString())
	req.Header.Set("Repeatability-First-Sent", c.now().UTC().Format(http.TimeFormat))
	c.sign(req, payload)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// sign adds HMAC-SHA256 authentication headers.
func (c *Client) sign(req *http.Request, body []byte) {
	date := c.now().UTC().Format(http.TimeFormat)
	sum := sha256.Sum256(body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])

	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-content-sha256", contentHash)
	req.Header.Set("Authorization", "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+
		Signature(c.key, req.Method, req.URL.RequestURI(), date, req.URL.Host, contentHash))
}

// Signature computes the request signature over verb, path with query, date,
// host and content hash.
func Signature(key []byte, method, pathAndQuery, date, host, contentHash string) string {
	toSign := method + "\n" + pathAndQuery + "\n" + date + ";" + host + ";" + contentHash
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(toSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

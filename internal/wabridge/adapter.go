package wabridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ClientAdapter is the narrow RPC boundary to the external automation
// process that drives the messaging protocol. Every call distinguishes
// success, protocol rejection (ProtocolError) and connectivity failure
// (ConnectivityError); callers apply different recovery policy to each.
type ClientAdapter interface {
	Start(ctx context.Context, req StartRequest) (StartResult, error)
	Stop(ctx context.Context, channelID string) error
	Status(ctx context.Context, channelID string) (StatusResult, error)
	PairingCode(ctx context.Context, channelID string) (PairingCode, error)
	SendMessage(ctx context.Context, req SendRequest) (SendResult, error)
}

type StartRequest struct {
	ChannelID string          `json:"channel_id"`
	AuthData  json.RawMessage `json:"auth_data,omitempty"`
	CacheData json.RawMessage `json:"cache_data,omitempty"`
}

type StartResult struct {
	Status    string          `json:"status"`
	AuthData  json.RawMessage `json:"auth_data,omitempty"`
	CacheData json.RawMessage `json:"cache_data,omitempty"`
}

// AlreadyRunning reports the adapter-side guard against duplicate live
// sessions: a second start for a running channel returns this status
// instead of creating another session.
func (r StartResult) AlreadyRunning() bool { return r.Status == "already_running" }

type StatusResult struct {
	Status      string `json:"status"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Error       string `json:"error,omitempty"`
}

type PairingCode struct {
	Code      string    `json:"qr_code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type OutboundAttachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	Type     string `json:"type"`
}

type SendRequest struct {
	ChannelID   string               `json:"-"`
	To          string               `json:"to"`
	Message     string               `json:"message"`
	Attachments []OutboundAttachment `json:"attachments,omitempty"`
}

type SendResult struct {
	MessageID string `json:"message_id"`
}

// Per-operation timeout budgets. Start is long because it can trigger a
// slow external initialization; stop and status must return fast so that
// teardown and dashboards never hang on a wedged process.
const (
	startTimeout       = 30 * time.Second
	stopTimeout        = 10 * time.Second
	statusTimeout      = 5 * time.Second
	pairingCodeTimeout = 10 * time.Second
	sendTimeout        = 30 * time.Second
)

type HTTPAdapterOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

// HTTPClientAdapter talks JSON over HTTP to the automation process. The
// base URL points at the process's control API; each operation applies its
// own timeout on top of the caller's context.
type HTTPClientAdapter struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

func NewHTTPClientAdapter(opts HTTPAdapterOptions) *HTTPClientAdapter {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:3001"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClientAdapter{
		baseURL:    baseURL,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

func (a *HTTPClientAdapter) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	var result StartResult
	err := a.do(ctx, "start", http.MethodPost, "/client/start", startTimeout, req, &result)
	if err != nil {
		return StartResult{}, err
	}
	return result, nil
}

func (a *HTTPClientAdapter) Stop(ctx context.Context, channelID string) error {
	body := map[string]string{"channel_id": channelID}
	return a.do(ctx, "stop", http.MethodPost, "/client/stop", stopTimeout, body, nil)
}

func (a *HTTPClientAdapter) Status(ctx context.Context, channelID string) (StatusResult, error) {
	var result StatusResult
	path := "/client/" + channelID + "/status"
	if err := a.do(ctx, "status", http.MethodGet, path, statusTimeout, nil, &result); err != nil {
		return StatusResult{}, err
	}
	return result, nil
}

func (a *HTTPClientAdapter) PairingCode(ctx context.Context, channelID string) (PairingCode, error) {
	var result PairingCode
	path := "/client/" + channelID + "/qr"
	if err := a.do(ctx, "pairing-code", http.MethodGet, path, pairingCodeTimeout, nil, &result); err != nil {
		return PairingCode{}, err
	}
	return result, nil
}

func (a *HTTPClientAdapter) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	var result SendResult
	path := "/client/" + req.ChannelID + "/send-message"
	if err := a.do(ctx, "send-message", http.MethodPost, path, sendTimeout, req, &result); err != nil {
		return SendResult{}, err
	}
	return result, nil
}

func (a *HTTPClientAdapter) do(ctx context.Context, op, method, path string, timeout time.Duration, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		// Transport-level failure: refused, unresolvable, or timed out.
		// All of these mean the process cannot be reached right now.
		return &ConnectivityError{Op: op, Err: err}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &ConnectivityError{Op: op, Err: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
		return nil
	}

	return &ProtocolError{Op: op, Status: resp.StatusCode, Message: extractErrorMessage(respBody)}
}

func extractErrorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return strings.TrimSpace(string(body))
}

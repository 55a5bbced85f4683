package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chatdesk/wabridge/internal/wabridge"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
}

type ServerOptions struct {
	Store     *wabridge.Store
	Engine    *wabridge.Engine
	Lifecycle *wabridge.LifecycleManager
	Sender    *wabridge.Sender
	Vault     wabridge.SessionStore
	Config    ServerConfig
}

type Server struct {
	store              *wabridge.Store
	engine             *wabridge.Engine
	lifecycle          *wabridge.LifecycleManager
	sender             *wabridge.Sender
	vault              wabridge.SessionStore
	hub                *Hub
	cfg                ServerConfig
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:              opts.Store,
		engine:             opts.Engine,
		lifecycle:          opts.Lifecycle,
		sender:             opts.Sender,
		vault:              opts.Vault,
		hub:                NewHub(),
		cfg:                cfg,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/v1/internal/events" && r.Method == http.MethodPost {
		s.handleInternalEvent(w, r)
		return
	}
	if r.URL.Path == "/v1/events/stream" && r.Method == http.MethodGet {
		s.handleEventStream(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "accounts" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	accountID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "channels" && r.Method == http.MethodGet:
		requiredScope = "channels:read"
		route = "channels_list"
	case len(parts) == 4 && parts[3] == "channels" && r.Method == http.MethodPost:
		requiredScope = "channels:write"
		route = "channel_create"
	case len(parts) == 5 && parts[3] == "channels" && r.Method == http.MethodGet:
		requiredScope = "channels:read"
		route = "channel_get"
	case len(parts) == 5 && parts[3] == "channels" && r.Method == http.MethodPatch:
		requiredScope = "channels:write"
		route = "channel_update"
	case len(parts) == 5 && parts[3] == "channels" && r.Method == http.MethodDelete:
		requiredScope = "channels:write"
		route = "channel_delete"
	case len(parts) == 6 && parts[3] == "channels" && parts[5] == "start" && r.Method == http.MethodPost:
		requiredScope = "channels:write"
		route = "channel_start"
	case len(parts) == 6 && parts[3] == "channels" && parts[5] == "stop" && r.Method == http.MethodPost:
		requiredScope = "channels:write"
		route = "channel_stop"
	case len(parts) == 6 && parts[3] == "channels" && parts[5] == "pairing" && r.Method == http.MethodGet:
		requiredScope = "channels:read"
		route = "channel_pairing"
	case len(parts) == 6 && parts[3] == "channels" && parts[5] == "status" && r.Method == http.MethodGet:
		requiredScope = "channels:read"
		route = "channel_status"
	case len(parts) == 6 && parts[3] == "conversations" && parts[5] == "messages" && r.Method == http.MethodGet:
		requiredScope = "messages:read"
		route = "messages_list"
	case len(parts) == 6 && parts[3] == "conversations" && parts[5] == "messages" && r.Method == http.MethodPost:
		requiredScope = "messages:send"
		route = "message_send"
	case len(parts) == 6 && parts[3] == "conversations" && parts[5] == "resolve" && r.Method == http.MethodPost:
		requiredScope = "conversations:write"
		route = "conversation_resolve"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, accountID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := accountID + "|" + claims.AgentName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "channels_list":
		s.handleChannelsList(w, accountID)
	case "channel_create":
		s.handleChannelCreate(w, r, accountID, correlationID)
	case "channel_get":
		s.handleChannelGet(w, accountID, parts[4], correlationID)
	case "channel_update":
		s.handleChannelUpdate(w, r, accountID, parts[4], correlationID)
	case "channel_delete":
		s.handleChannelDelete(w, r, accountID, parts[4], correlationID)
	case "channel_start":
		s.handleChannelStart(w, r, accountID, parts[4], correlationID)
	case "channel_stop":
		s.handleChannelStop(w, r, accountID, parts[4], correlationID)
	case "channel_pairing":
		s.handleChannelPairing(w, r, accountID, parts[4], correlationID)
	case "channel_status":
		s.handleChannelStatus(w, r, accountID, parts[4], correlationID)
	case "messages_list":
		s.handleMessagesList(w, accountID, parts[4], correlationID)
	case "message_send":
		s.handleMessageSend(w, r, accountID, parts[4], claims.AgentName, correlationID)
	case "conversation_resolve":
		s.handleConversationResolve(w, accountID, parts[4], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleInternalEvent is the push boundary for the automation process.
// The body is schema-validated before it touches the engine; accepted
// envelopes are fanned out to stream subscribers as well.
func (s *Server) handleInternalEvent(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Bridge-Timestamp"),
		r.Header.Get("X-Bridge-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Bridge-Timestamp"), r.Header.Get("X-Bridge-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	env, err := wabridge.ParseEnvelope(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if err := s.engine.Ingest(env); err != nil {
		switch {
		case errors.Is(err, wabridge.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
		case errors.Is(err, wabridge.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	s.hub.Publish(body)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":        "accepted",
		"correlationId": correlationID,
	})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(bearerFromRequest(r), s.cfg.JWTSecret, "", "events:read", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	s.hub.ServeStream(w, r)
}

// channelView is the external shape of a channel. Credential material
// never leaves the process.
type channelView struct {
	ID               string            `json:"id"`
	AccountID        string            `json:"accountId"`
	PhoneNumber      string            `json:"phoneNumber,omitempty"`
	ConnectionState  string            `json:"connectionState"`
	PairingToken     string            `json:"pairingToken,omitempty"`
	PairingExpiresAt *time.Time        `json:"pairingExpiresAt,omitempty"`
	ProviderConfig   map[string]string `json:"providerConfig,omitempty"`
	LockToSingle     bool              `json:"lockToSingle,omitempty"`
	ReauthRequired   bool              `json:"reauthRequired,omitempty"`
	InboxID          string            `json:"inboxId,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

func toChannelView(c wabridge.Channel) channelView {
	view := channelView{
		ID:              c.ID,
		AccountID:       c.AccountID,
		PhoneNumber:     c.PhoneNumber,
		ConnectionState: string(c.ConnectionState),
		PairingToken:    c.PairingToken,
		ProviderConfig:  c.ProviderConfig,
		LockToSingle:    c.LockToSingle,
		ReauthRequired:  c.ReauthRequired,
		InboxID:         c.InboxID,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if !c.PairingExpiresAt.IsZero() {
		expires := c.PairingExpiresAt
		view.PairingExpiresAt = &expires
	}
	return view
}

func (s *Server) handleChannelsList(w http.ResponseWriter, accountID string) {
	channels := s.store.ListChannels(accountID)
	views := make([]channelView, 0, len(channels))
	for _, channel := range channels {
		views = append(views, toChannelView(channel))
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": views})
}

func (s *Server) handleChannelCreate(w http.ResponseWriter, r *http.Request, accountID, correlationID string) {
	var body struct {
		PhoneNumber    string            `json:"phoneNumber"`
		ProviderConfig map[string]string `json:"providerConfig"`
		LockToSingle   bool              `json:"lockToSingle"`
		InboxName      string            `json:"inboxName"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	providerConfig := body.ProviderConfig
	if body.InboxName != "" {
		if providerConfig == nil {
			providerConfig = map[string]string{}
		}
		providerConfig["pending_inbox_name"] = body.InboxName
	}
	channel, err := s.store.CreateChannel(wabridge.CreateChannelParams{
		AccountID:      accountID,
		PhoneNumber:    body.PhoneNumber,
		ProviderConfig: providerConfig,
		LockToSingle:   body.LockToSingle,
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, toChannelView(channel))
}

// channelForAccount loads the channel and enforces account ownership.
func (s *Server) channelForAccount(accountID, channelID string) (wabridge.Channel, error) {
	channel, err := s.store.GetChannel(channelID)
	if err != nil {
		return wabridge.Channel{}, err
	}
	if channel.AccountID != accountID {
		return wabridge.Channel{}, wabridge.ErrNotFound
	}
	return channel, nil
}

func (s *Server) handleChannelGet(w http.ResponseWriter, accountID, channelID, correlationID string) {
	channel, err := s.channelForAccount(accountID, channelID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, toChannelView(channel))
}

func (s *Server) handleChannelUpdate(w http.ResponseWriter, r *http.Request, accountID, channelID, correlationID string) {
	if _, err := s.channelForAccount(accountID, channelID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	var body struct {
		PhoneNumber    *string           `json:"phoneNumber"`
		ProviderConfig map[string]string `json:"providerConfig"`
		LockToSingle   *bool             `json:"lockToSingle"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	channel, err := s.store.UpdateChannel(channelID, wabridge.UpdateChannelParams{
		PhoneNumber:    body.PhoneNumber,
		ProviderConfig: body.ProviderConfig,
		LockToSingle:   body.LockToSingle,
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, toChannelView(channel))
}

// handleChannelDelete tears down the external session and stored session
// material best-effort before removing the records.
func (s *Server) handleChannelDelete(w http.ResponseWriter, r *http.Request, accountID, channelID, correlationID string) {
	if _, err := s.channelForAccount(accountID, channelID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	_, _ = s.lifecycle.StopChannel(ctx, channelID)
	if s.vault != nil {
		_ = s.vault.Cleanup(channelID)
	}
	if err := s.store.DeleteChannel(channelID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "channelId": channelID})
}

func (s *Server) handleChannelStart(w http.ResponseWriter, r *http.Request, accountID, channelID, correlationID string) {
	if _, err := s.channelForAccount(accountID, channelID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	channel, err := s.lifecycle.StartChannel(r.Context(), channelID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, toChannelView(channel))
}

func (s *Server) handleChannelStop(w http.ResponseWriter, r *http.Request, accountID, channelID, correlationID string) {
	if _, err := s.channelForAccount(accountID, channelID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	channel, err := s.lifecycle.StopChannel(r.Context(), channelID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, toChannelView(channel))
}

func (s *Server) handleChannelPairing(w http.ResponseWriter, r *http.Request, accountID, channelID, correlationID string) {
	if _, err := s.channelForAccount(accountID, channelID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	info, err := s.lifecycle.Pairing(r.Context(), channelID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleChannelStatus(w http.ResponseWriter, r *http.Request, accountID, channelID, correlationID string) {
	if _, err := s.channelForAccount(accountID, channelID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	status, err := s.lifecycle.Status(r.Context(), channelID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// conversationForAccount resolves a conversation through its inbox and
// channel to enforce account ownership.
func (s *Server) conversationForAccount(accountID, conversationID string) (wabridge.Conversation, error) {
	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		return wabridge.Conversation{}, err
	}
	inbox, err := s.store.GetInbox(conv.InboxID)
	if err != nil {
		return wabridge.Conversation{}, err
	}
	if _, err := s.channelForAccount(accountID, inbox.ChannelID); err != nil {
		return wabridge.Conversation{}, err
	}
	return conv, nil
}

func (s *Server) handleMessagesList(w http.ResponseWriter, accountID, conversationID, correlationID string) {
	conv, err := s.conversationForAccount(accountID, conversationID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	messages := s.store.MessagesForConversation(conv.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": conv.ID,
		"status":         conv.Status,
		"messages":       messages,
	})
}

func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request, accountID, conversationID, agentName, correlationID string) {
	if _, err := s.conversationForAccount(accountID, conversationID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	var body struct {
		Content     string `json:"content"`
		Attachments []struct {
			URL      string `json:"url"`
			Filename string `json:"filename"`
			MimeType string `json:"mimeType"`
			FileType string `json:"fileType"`
		} `json:"attachments"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	attachments := make([]wabridge.Attachment, 0, len(body.Attachments))
	for _, a := range body.Attachments {
		fileType := a.FileType
		if fileType == "" {
			fileType = wabridge.FileTypeForMime(a.MimeType)
		}
		attachments = append(attachments, wabridge.Attachment{
			FileType: fileType,
			MimeType: a.MimeType,
			URL:      a.URL,
			Filename: a.Filename,
		})
	}
	msg, err := s.sender.Send(r.Context(), conversationID, wabridge.OutboundMessage{
		Content:     body.Content,
		SenderID:    agentName,
		Attachments: attachments,
	})
	if err != nil {
		// A rejected send still produced a stored failed message; surface
		// both so the operator sees the error text in context.
		if msg.ID != "" {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"code":          "send_failed",
				"message":       err.Error(),
				"correlationId": correlationID,
				"storedMessage": msg,
			})
			return
		}
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleConversationResolve(w http.ResponseWriter, accountID, conversationID, correlationID string) {
	if _, err := s.conversationForAccount(accountID, conversationID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	conv, err := s.store.ResolveConversation(conversationID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, wabridge.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, wabridge.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, wabridge.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, wabridge.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.Is(err, wabridge.ErrConnectivity):
		writeError(w, http.StatusServiceUnavailable, "automation_unreachable", err.Error(), correlationID)
	case errors.Is(err, wabridge.ErrProtocol):
		writeError(w, http.StatusBadGateway, "automation_rejected", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

// bearerFromRequest also accepts the token via query parameter for
// websocket clients that cannot set headers.
func bearerFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return "Bearer " + token
	}
	return ""
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

package wabridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// pairingTokenTTL bounds how long a pairing code stays valid. Expired codes
// are never returned to callers; a fresh one is negotiated instead.
const pairingTokenTTL = 2 * time.Minute

// newPairingToken returns a 64-char hex token. 32 bytes of entropy makes
// collisions across channels a non-concern.
func newPairingToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("pairing token entropy unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// SessionStore is the slice of the session vault the lifecycle manager
// needs: opaque credential and cache blobs keyed by channel.
type SessionStore interface {
	LoadCredentials(channelID string) (json.RawMessage, error)
	SaveCredentials(channelID string, data json.RawMessage) error
	LoadCache(channelID string) (json.RawMessage, error)
	SaveCache(channelID string, data json.RawMessage) error
	Cleanup(channelID string) error
}

type LifecycleOptions struct {
	Store   *Store
	Adapter ClientAdapter
	Vault   SessionStore
	Logger  *slog.Logger
	Now     func() time.Time
}

// LifecycleManager owns the channel connection state machine. It is the
// only component that calls the adapter's start/stop/status/pairing
// operations and the only writer of connection state transitions.
type LifecycleManager struct {
	store   *Store
	adapter ClientAdapter
	vault   SessionStore
	logger  *slog.Logger
	now     func() time.Time
}

func NewLifecycleManager(opts LifecycleOptions) *LifecycleManager {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &LifecycleManager{
		store:   opts.Store,
		adapter: opts.Adapter,
		vault:   opts.Vault,
		logger:  opts.Logger,
		now:     now,
	}
}

func (m *LifecycleManager) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}

// StartChannel boots the external session for a channel, replaying stored
// credentials and cache when present. Starting an already-running channel
// is a no-op success: the stored state is never demoted, so a connected
// channel stays connected through a redundant start. On connectivity
// failure the channel is forced to disconnected and the error is surfaced
// to the caller.
func (m *LifecycleManager) StartChannel(ctx context.Context, channelID string) (Channel, error) {
	channel, err := m.store.GetChannel(channelID)
	if err != nil {
		return Channel{}, err
	}

	req := StartRequest{ChannelID: channelID}
	if m.vault != nil {
		creds, err := m.vault.LoadCredentials(channelID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Channel{}, err
		}
		req.AuthData = creds
		cache, err := m.vault.LoadCache(channelID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			m.log().Warn("session cache unavailable, starting cold",
				"channel_id", channelID, "error", err)
		} else {
			req.CacheData = cache
		}
	}

	// Only a genuinely fresh start transitions to connecting. A channel
	// already connecting or connected keeps its state; the adapter call is
	// still made because its start is itself idempotent and may hand back
	// refreshed session material.
	if channel.ConnectionState != StateConnecting && !channel.Connected() {
		if _, err := m.store.SetConnectionState(channelID, StateConnecting); err != nil {
			return Channel{}, err
		}
	}

	result, err := m.adapter.Start(ctx, req)
	if err != nil {
		if IsConnectivity(err) {
			if _, stateErr := m.store.SetConnectionState(channelID, StateDisconnected); stateErr != nil {
				m.log().Error("failed to record disconnect after unreachable start",
					"channel_id", channelID, "error", stateErr)
			}
		}
		return Channel{}, err
	}

	if result.AlreadyRunning() {
		m.log().Info("start requested for running channel", "channel_id", channelID)
	}
	if m.vault != nil {
		if len(result.AuthData) > 0 {
			if err := m.vault.SaveCredentials(channelID, result.AuthData); err != nil {
				m.log().Error("failed to persist credentials after start",
					"channel_id", channelID, "error", err)
			}
		}
		if len(result.CacheData) > 0 {
			if err := m.vault.SaveCache(channelID, result.CacheData); err != nil {
				m.log().Warn("failed to persist session cache after start",
					"channel_id", channelID, "error", err)
			}
		}
	}

	channel, err = m.store.GetChannel(channelID)
	if err != nil {
		return Channel{}, err
	}
	return channel, nil
}

// StopChannel tears down the external session. Connectivity failures are
// swallowed: a process we cannot reach holds no session worth keeping, so
// the channel is marked disconnected either way.
func (m *LifecycleManager) StopChannel(ctx context.Context, channelID string) (Channel, error) {
	if _, err := m.store.GetChannel(channelID); err != nil {
		return Channel{}, err
	}
	if err := m.adapter.Stop(ctx, channelID); err != nil {
		if !IsConnectivity(err) {
			return Channel{}, err
		}
		m.log().Warn("automation service unreachable during stop, marking disconnected anyway",
			"channel_id", channelID, "error", err)
	}
	return m.store.SetConnectionState(channelID, StateDisconnected)
}

// PairingInfo is what the pairing endpoint returns to operators. Available
// is false when the automation process cannot be reached; that is not an
// error, the operator simply retries.
type PairingInfo struct {
	Available bool            `json:"available"`
	Code      string          `json:"code,omitempty"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
	State     ConnectionState `json:"connection_state"`
}

// Pairing returns the channel's current pairing code, transparently
// refreshing it from the automation process when the stored one has
// expired. An expired code is reported once via the qr-expired state and
// never handed out.
func (m *LifecycleManager) Pairing(ctx context.Context, channelID string) (PairingInfo, error) {
	channel, err := m.store.GetChannel(channelID)
	if err != nil {
		return PairingInfo{}, err
	}
	if channel.Connected() {
		return PairingInfo{}, ErrInvalidState
	}

	now := m.now()
	if channel.PairingToken != "" && !channel.PairingExpired(now) {
		return PairingInfo{
			Available: true,
			Code:      channel.PairingToken,
			ExpiresAt: channel.PairingExpiresAt,
			State:     channel.ConnectionState,
		}, nil
	}

	if channel.PairingToken != "" && channel.PairingExpired(now) {
		if _, err := m.store.SetPairing(channelID, "", time.Time{}, StateQRExpired); err != nil {
			return PairingInfo{}, err
		}
	}

	code, err := m.adapter.PairingCode(ctx, channelID)
	if err != nil {
		if IsConnectivity(err) {
			channel, getErr := m.store.GetChannel(channelID)
			if getErr != nil {
				return PairingInfo{}, getErr
			}
			return PairingInfo{Available: false, State: channel.ConnectionState}, nil
		}
		return PairingInfo{}, err
	}

	expiresAt := code.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = m.now().Add(pairingTokenTTL)
	}
	updated, err := m.store.SetPairing(channelID, code.Code, expiresAt, StateConnecting)
	if err != nil {
		return PairingInfo{}, err
	}
	return PairingInfo{
		Available: true,
		Code:      updated.PairingToken,
		ExpiresAt: updated.PairingExpiresAt,
		State:     updated.ConnectionState,
	}, nil
}

// ChannelStatus merges stored connection state with the automation
// process's live view. When the process is unreachable the stored state is
// returned alone; status is a read path and must not fail on an outage.
type ChannelStatus struct {
	ChannelID      string          `json:"channel_id"`
	State          ConnectionState `json:"connection_state"`
	PhoneNumber    string          `json:"phone_number,omitempty"`
	ReauthRequired bool            `json:"reauth_required,omitempty"`
	Live           bool            `json:"live"`
	LiveStatus     string          `json:"live_status,omitempty"`
	LiveError      string          `json:"live_error,omitempty"`
}

func (m *LifecycleManager) Status(ctx context.Context, channelID string) (ChannelStatus, error) {
	channel, err := m.store.GetChannel(channelID)
	if err != nil {
		return ChannelStatus{}, err
	}
	status := ChannelStatus{
		ChannelID:      channel.ID,
		State:          channel.ConnectionState,
		PhoneNumber:    channel.PhoneNumber,
		ReauthRequired: channel.ReauthRequired,
	}
	live, err := m.adapter.Status(ctx, channelID)
	if err != nil {
		if IsConnectivity(err) {
			return status, nil
		}
		return ChannelStatus{}, err
	}
	status.Live = true
	status.LiveStatus = live.Status
	status.LiveError = live.Error
	return status, nil
}

// providerConfigPendingInbox carries the operator-chosen inbox name from
// channel creation until the session first reports ready.
const providerConfigPendingInbox = "pending_inbox_name"

// HandleReady records a successful session bind: the channel becomes
// connected under the reported phone number and its inbox is created on
// first ready.
func (m *LifecycleManager) HandleReady(channelID, phoneNumber string) error {
	channel, err := m.store.MarkConnected(channelID, phoneNumber)
	if err != nil {
		return err
	}
	name := channel.ProviderConfig[providerConfigPendingInbox]
	if name == "" {
		name = "WhatsApp"
		if channel.PhoneNumber != "" {
			name = "WhatsApp " + channel.PhoneNumber
		}
	}
	if _, err := m.store.EnsureInbox(channelID, name); err != nil {
		return err
	}
	if err := m.store.SetProviderConfigValue(channelID, providerConfigPendingInbox, ""); err != nil {
		return err
	}
	m.log().Info("channel ready", "channel_id", channelID, "phone_number", phoneNumber)
	return nil
}

func (m *LifecycleManager) HandleDisconnected(channelID string) error {
	_, err := m.store.SetConnectionState(channelID, StateDisconnected)
	if err == nil {
		m.log().Info("channel disconnected", "channel_id", channelID)
	}
	return err
}

// HandleAuthFailure marks the channel as needing a fresh pairing and
// discards the stored session material, which the failure proved stale.
func (m *LifecycleManager) HandleAuthFailure(channelID string) error {
	if _, err := m.store.MarkReauthRequired(channelID); err != nil {
		return err
	}
	if m.vault != nil {
		if err := m.vault.Cleanup(channelID); err != nil {
			m.log().Warn("session cleanup failed after auth failure",
				"channel_id", channelID, "error", err)
		}
	}
	m.log().Info("channel requires re-authentication", "channel_id", channelID)
	return nil
}

// HandleQR stores a freshly issued pairing code with the standard expiry.
func (m *LifecycleManager) HandleQR(channelID, code string) error {
	if code == "" {
		return ErrInvalidInput
	}
	_, err := m.store.SetPairing(channelID, code, m.now().Add(pairingTokenTTL), StateConnecting)
	return err
}

package wabridge

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateQRExpired    ConnectionState = "disconnected_qr_expired"
)

func validConnectionState(state ConnectionState) bool {
	switch state {
	case StateDisconnected, StateConnecting, StateConnected, StateQRExpired:
		return true
	}
	return false
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// statusRank orders ack transitions; a message status never moves backward.
func statusRank(status MessageStatus) int {
	switch status {
	case MessageSent:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	default:
		return 0
	}
}

type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationResolved ConversationStatus = "resolved"
)

// Channel is one binding to one external messaging account. The channel row
// is the single source of truth for connection state; only the lifecycle
// manager and the session vault mutate it.
type Channel struct {
	ID               string            `json:"id"`
	AccountID        string            `json:"accountId"`
	PhoneNumber      string            `json:"phoneNumber,omitempty"`
	ConnectionState  ConnectionState   `json:"connectionState"`
	PairingToken     string            `json:"pairingToken,omitempty"`
	PairingExpiresAt time.Time         `json:"pairingExpiresAt,omitempty"`
	AuthBlob         []byte            `json:"authBlob,omitempty"`
	CacheStorageRef  string            `json:"cacheStorageRef,omitempty"`
	ProviderConfig   map[string]string `json:"providerConfig,omitempty"`
	LockToSingle     bool              `json:"lockToSingle,omitempty"`
	ReauthRequired   bool              `json:"reauthRequired,omitempty"`
	InboxID          string            `json:"inboxId,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

func (c Channel) Connected() bool { return c.ConnectionState == StateConnected }

func (c Channel) PairingExpired(now time.Time) bool {
	return !c.PairingExpiresAt.IsZero() && c.PairingExpiresAt.Before(now)
}

// Inbox is the top-level conversation grouping for one channel; at most one
// exists per channel and it is created when the channel first reports ready.
type Inbox struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Contact struct {
	ID          string    `json:"id"`
	InboxID     string    `json:"inboxId"`
	SourceID    string    `json:"sourceId"`
	Name        string    `json:"name"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Conversation struct {
	ID             string             `json:"id"`
	InboxID        string             `json:"inboxId"`
	ContactID      string             `json:"contactId"`
	Status         ConversationStatus `json:"status"`
	LastActivityAt time.Time          `json:"lastActivityAt"`
	CreatedAt      time.Time          `json:"createdAt"`
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SourceID       string        `json:"sourceId,omitempty"`
	Direction      Direction     `json:"direction"`
	Content        string        `json:"content"`
	ContentType    string        `json:"contentType"`
	Status         MessageStatus `json:"status"`
	SenderID       string        `json:"senderId,omitempty"`
	ExternalError  string        `json:"externalError,omitempty"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

type Attachment struct {
	FileType string `json:"fileType"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type storeSnapshot struct {
	Channels      map[string]Channel      `json:"channels"`
	Inboxes       map[string]Inbox        `json:"inboxes"`
	Contacts      map[string]Contact      `json:"contacts"`
	Conversations map[string]Conversation `json:"conversations"`
	Messages      map[string]Message      `json:"messages"`
}

// StateBackend persists the store snapshot. Implementations: JSON file and
// Postgres (lib/pq).
type StateBackend interface {
	Load() (*storeSnapshot, error)
	Save(snapshot *storeSnapshot) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*storeSnapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot storeSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(snapshot *storeSnapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type StoreOptions struct {
	StateBackend StateBackend
	StateFile    string
	Now          func() time.Time
}

// Store is the multi-tenant ticketing data model: channels, inboxes,
// contacts, conversations and messages. Authoritative state lives in memory
// behind the mutex; every mutation is snapshotted through the state backend.
type Store struct {
	mu           sync.RWMutex
	channels     map[string]Channel
	inboxes      map[string]Inbox
	contacts     map[string]Contact
	convs        map[string]Conversation
	messages     map[string]Message
	contactIndex map[string]string // inboxID|sourceID -> contactID
	sourceIndex  map[string]string // conversationID|sourceID -> messageID
	stateBackend StateBackend
	now          func() time.Time
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	backend := opts.StateBackend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Store{
		channels:     map[string]Channel{},
		inboxes:      map[string]Inbox{},
		contacts:     map[string]Contact{},
		convs:        map[string]Conversation{},
		messages:     map[string]Message{},
		contactIndex: map[string]string{},
		sourceIndex:  map[string]string{},
		stateBackend: backend,
		now:          now,
	}
	_ = s.loadFromBackend()
	return s
}

func (s *Store) Close() {
	if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
		_ = closer.Close()
	}
}

func (s *Store) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil || snapshot == nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.Channels != nil {
		s.channels = snapshot.Channels
	}
	if snapshot.Inboxes != nil {
		s.inboxes = snapshot.Inboxes
	}
	if snapshot.Contacts != nil {
		s.contacts = snapshot.Contacts
	}
	if snapshot.Conversations != nil {
		s.convs = snapshot.Conversations
	}
	if snapshot.Messages != nil {
		s.messages = snapshot.Messages
	}
	s.rebuildIndexesLocked()
	return nil
}

func (s *Store) rebuildIndexesLocked() {
	s.contactIndex = map[string]string{}
	for id, contact := range s.contacts {
		s.contactIndex[contact.InboxID+"|"+contact.SourceID] = id
	}
	s.sourceIndex = map[string]string{}
	for id, msg := range s.messages {
		if msg.SourceID != "" {
			s.sourceIndex[msg.ConversationID+"|"+msg.SourceID] = id
		}
	}
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot := &storeSnapshot{
		Channels:      s.channels,
		Inboxes:       s.inboxes,
		Contacts:      s.contacts,
		Conversations: s.convs,
		Messages:      s.messages,
	}
	return s.stateBackend.Save(snapshot)
}

type CreateChannelParams struct {
	AccountID      string
	PhoneNumber    string
	ProviderConfig map[string]string
	LockToSingle   bool
}

// CreateChannel provisions a channel with a fresh pairing token and the
// fixed two-minute expiry.
func (s *Store) CreateChannel(params CreateChannelParams) (Channel, error) {
	if strings.TrimSpace(params.AccountID) == "" {
		return Channel{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if params.PhoneNumber != "" {
		for _, existing := range s.channels {
			if existing.PhoneNumber == params.PhoneNumber {
				return Channel{}, ErrInvalidInput
			}
		}
	}
	now := s.now()
	channel := Channel{
		ID:               uuid.NewString(),
		AccountID:        params.AccountID,
		PhoneNumber:      params.PhoneNumber,
		ConnectionState:  StateDisconnected,
		PairingToken:     newPairingToken(),
		PairingExpiresAt: now.Add(pairingTokenTTL),
		ProviderConfig:   copyStringMap(params.ProviderConfig),
		LockToSingle:     params.LockToSingle,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.channels[channel.ID] = channel
	_ = s.saveLocked()
	return channel, nil
}

func (s *Store) GetChannel(channelID string) (Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channel, ok := s.channels[channelID]
	if !ok {
		return Channel{}, ErrNotFound
	}
	return channel, nil
}

func (s *Store) ListChannels(accountID string) []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Channel, 0, len(s.channels))
	for _, channel := range s.channels {
		if accountID != "" && channel.AccountID != accountID {
			continue
		}
		out = append(out, channel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type UpdateChannelParams struct {
	PhoneNumber    *string
	ProviderConfig map[string]string
	LockToSingle   *bool
}

func (s *Store) UpdateChannel(channelID string, params UpdateChannelParams) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.channels[channelID]
	if !ok {
		return Channel{}, ErrNotFound
	}
	if params.PhoneNumber != nil && *params.PhoneNumber != channel.PhoneNumber {
		for id, existing := range s.channels {
			if id != channelID && existing.PhoneNumber == *params.PhoneNumber && *params.PhoneNumber != "" {
				return Channel{}, ErrInvalidInput
			}
		}
		channel.PhoneNumber = *params.PhoneNumber
	}
	if params.ProviderConfig != nil {
		channel.ProviderConfig = copyStringMap(params.ProviderConfig)
	}
	if params.LockToSingle != nil {
		channel.LockToSingle = *params.LockToSingle
	}
	channel.UpdatedAt = s.now()
	s.channels[channelID] = channel
	_ = s.saveLocked()
	return channel, nil
}

// DeleteChannel removes the channel and everything scoped to its inbox.
// Adapter stop and vault cleanup are the caller's responsibility and are
// best-effort; deletion itself never depends on them.
func (s *Store) DeleteChannel(channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	delete(s.channels, channelID)
	if channel.InboxID != "" {
		delete(s.inboxes, channel.InboxID)
		for id, contact := range s.contacts {
			if contact.InboxID == channel.InboxID {
				delete(s.contacts, id)
			}
		}
		for id, conv := range s.convs {
			if conv.InboxID != channel.InboxID {
				continue
			}
			delete(s.convs, id)
			for msgID, msg := range s.messages {
				if msg.ConversationID == id {
					delete(s.messages, msgID)
				}
			}
		}
		s.rebuildIndexesLocked()
	}
	_ = s.saveLocked()
	return nil
}

// mutateChannel applies fn to the channel row under the write lock.
func (s *Store) mutateChannel(channelID string, fn func(*Channel)) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.channels[channelID]
	if !ok {
		return Channel{}, ErrNotFound
	}
	fn(&channel)
	if !validConnectionState(channel.ConnectionState) {
		return Channel{}, ErrInvalidState
	}
	channel.UpdatedAt = s.now()
	s.channels[channelID] = channel
	_ = s.saveLocked()
	return channel, nil
}

func (s *Store) SetConnectionState(channelID string, state ConnectionState) (Channel, error) {
	return s.mutateChannel(channelID, func(c *Channel) {
		c.ConnectionState = state
	})
}

func (s *Store) SetPairing(channelID, token string, expiresAt time.Time, state ConnectionState) (Channel, error) {
	return s.mutateChannel(channelID, func(c *Channel) {
		c.PairingToken = token
		c.PairingExpiresAt = expiresAt
		c.ConnectionState = state
	})
}

// MarkConnected records the now-bound phone number and clears the pairing
// token. Phone uniqueness across channels is enforced here.
func (s *Store) MarkConnected(channelID, phoneNumber string) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.channels[channelID]
	if !ok {
		return Channel{}, ErrNotFound
	}
	if phoneNumber != "" {
		for id, existing := range s.channels {
			if id != channelID && existing.PhoneNumber == phoneNumber {
				return Channel{}, ErrInvalidInput
			}
		}
		channel.PhoneNumber = phoneNumber
	}
	channel.ConnectionState = StateConnected
	channel.PairingToken = ""
	channel.PairingExpiresAt = time.Time{}
	channel.ReauthRequired = false
	channel.UpdatedAt = s.now()
	s.channels[channelID] = channel
	_ = s.saveLocked()
	return channel, nil
}

func (s *Store) MarkReauthRequired(channelID string) (Channel, error) {
	return s.mutateChannel(channelID, func(c *Channel) {
		c.ConnectionState = StateDisconnected
		c.ReauthRequired = true
	})
}

func (s *Store) SetAuthBlob(channelID string, blob []byte) error {
	_, err := s.mutateChannel(channelID, func(c *Channel) {
		c.AuthBlob = blob
	})
	return err
}

func (s *Store) SetCacheRef(channelID, ref string) error {
	_, err := s.mutateChannel(channelID, func(c *Channel) {
		c.CacheStorageRef = ref
	})
	return err
}

func (s *Store) SetProviderConfigValue(channelID, key, value string) error {
	_, err := s.mutateChannel(channelID, func(c *Channel) {
		if c.ProviderConfig == nil {
			c.ProviderConfig = map[string]string{}
		}
		if value == "" {
			delete(c.ProviderConfig, key)
		} else {
			c.ProviderConfig[key] = value
		}
	})
	return err
}

// EnsureInbox creates the channel's inbox if it does not exist yet and
// returns it. A channel has at most one inbox.
func (s *Store) EnsureInbox(channelID, name string) (Inbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.channels[channelID]
	if !ok {
		return Inbox{}, ErrNotFound
	}
	if channel.InboxID != "" {
		if inbox, exists := s.inboxes[channel.InboxID]; exists {
			return inbox, nil
		}
	}
	inbox := Inbox{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Name:      name,
		CreatedAt: s.now(),
	}
	s.inboxes[inbox.ID] = inbox
	channel.InboxID = inbox.ID
	channel.UpdatedAt = s.now()
	s.channels[channelID] = channel
	_ = s.saveLocked()
	return inbox, nil
}

func (s *Store) GetInbox(inboxID string) (Inbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inbox, ok := s.inboxes[inboxID]
	if !ok {
		return Inbox{}, ErrNotFound
	}
	return inbox, nil
}

type ContactAttributes struct {
	Name        string
	PhoneNumber string
}

// FindOrCreateContact resolves a counterpart identity within an inbox by
// its source id, creating the contact record on first sight.
func (s *Store) FindOrCreateContact(inboxID, sourceID string, attrs ContactAttributes) (Contact, error) {
	if inboxID == "" || sourceID == "" {
		return Contact{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inboxes[inboxID]; !ok {
		return Contact{}, ErrNotFound
	}
	key := inboxID + "|" + sourceID
	if contactID, exists := s.contactIndex[key]; exists {
		return s.contacts[contactID], nil
	}
	name := attrs.Name
	if name == "" {
		name = sourceID
	}
	contact := Contact{
		ID:          uuid.NewString(),
		InboxID:     inboxID,
		SourceID:    sourceID,
		Name:        name,
		PhoneNumber: attrs.PhoneNumber,
		CreatedAt:   s.now(),
	}
	s.contacts[contact.ID] = contact
	s.contactIndex[key] = contact.ID
	_ = s.saveLocked()
	return contact, nil
}

func (s *Store) GetContact(contactID string) (Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contact, ok := s.contacts[contactID]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return contact, nil
}

// ConversationsForContact returns the contact's conversations in an inbox,
// most recently created first.
func (s *Store) ConversationsForContact(inboxID, contactID string) []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationsLocked(func(conv Conversation) bool {
		return conv.InboxID == inboxID && conv.ContactID == contactID
	})
}

// LatestConversation returns the most recently created conversation in the
// inbox regardless of counterpart, for lock-to-single channels.
func (s *Store) LatestConversation(inboxID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convs := s.conversationsLocked(func(conv Conversation) bool {
		return conv.InboxID == inboxID
	})
	if len(convs) == 0 {
		return Conversation{}, false
	}
	return convs[0], true
}

func (s *Store) conversationsLocked(match func(Conversation) bool) []Conversation {
	out := make([]Conversation, 0, 4)
	for _, conv := range s.convs {
		if match(conv) {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Store) GetConversation(conversationID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return conv, nil
}

func (s *Store) ResolveConversation(conversationID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	conv.Status = ConversationResolved
	s.convs[conversationID] = conv
	_ = s.saveLocked()
	return conv, nil
}

func (s *Store) ReopenConversation(conversationID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	conv.Status = ConversationOpen
	s.convs[conversationID] = conv
	_ = s.saveLocked()
	return conv, nil
}

type NewMessage struct {
	SourceID    string
	Direction   Direction
	Content     string
	ContentType string
	Status      MessageStatus
	SenderID    string
	Attachments []Attachment
}

// CreateConversationWithMessage inserts a conversation and its first
// message as one atomic unit: either both become visible or neither does.
func (s *Store) CreateConversationWithMessage(inboxID, contactID string, msg NewMessage) (Conversation, Message, error) {
	if inboxID == "" || contactID == "" {
		return Conversation{}, Message{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inboxes[inboxID]; !ok {
		return Conversation{}, Message{}, ErrNotFound
	}
	if _, ok := s.contacts[contactID]; !ok {
		return Conversation{}, Message{}, ErrNotFound
	}
	now := s.now()
	conv := Conversation{
		ID:             uuid.NewString(),
		InboxID:        inboxID,
		ContactID:      contactID,
		Status:         ConversationOpen,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	message, err := s.insertMessageLocked(conv.ID, msg, now)
	if err != nil {
		return Conversation{}, Message{}, err
	}
	s.convs[conv.ID] = conv
	_ = s.saveLocked()
	return conv, message, nil
}

func (s *Store) CreateMessage(conversationID string, msg NewMessage) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return Message{}, ErrNotFound
	}
	now := s.now()
	message, err := s.insertMessageLocked(conversationID, msg, now)
	if err != nil {
		return Message{}, err
	}
	conv.LastActivityAt = now
	s.convs[conversationID] = conv
	_ = s.saveLocked()
	return message, nil
}

func (s *Store) insertMessageLocked(conversationID string, msg NewMessage, now time.Time) (Message, error) {
	if msg.SourceID != "" {
		if _, exists := s.sourceIndex[conversationID+"|"+msg.SourceID]; exists {
			return Message{}, ErrInvalidState
		}
	}
	status := msg.Status
	if status == "" {
		status = MessageSent
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "text"
	}
	message := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SourceID:       msg.SourceID,
		Direction:      msg.Direction,
		Content:        msg.Content,
		ContentType:    contentType,
		Status:         status,
		SenderID:       msg.SenderID,
		Attachments:    append([]Attachment(nil), msg.Attachments...),
		CreatedAt:      now,
	}
	s.messages[message.ID] = message
	if message.SourceID != "" {
		s.sourceIndex[conversationID+"|"+message.SourceID] = message.ID
	}
	return message, nil
}

func (s *Store) GetMessage(messageID string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	message, ok := s.messages[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	return message, nil
}

// FindMessageBySourceID looks up a message by external id within one
// conversation. This is dedup layer 1.
func (s *Store) FindMessageBySourceID(conversationID, sourceID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messageID, ok := s.sourceIndex[conversationID+"|"+sourceID]
	if !ok {
		return Message{}, false
	}
	return s.messages[messageID], true
}

// FindOutgoingInInbox looks up an outgoing message by external id anywhere
// in the channel's inbox. This is dedup layer 2: a panel send already
// recorded this id before the device echo arrived.
func (s *Store) FindOutgoingInInbox(inboxID, sourceID string) (Message, bool) {
	if sourceID == "" {
		return Message{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.messages {
		if msg.SourceID != sourceID || msg.Direction != DirectionOutgoing {
			continue
		}
		if conv, ok := s.convs[msg.ConversationID]; ok && conv.InboxID == inboxID {
			return msg, true
		}
	}
	return Message{}, false
}

// FindRecentOutgoingWithoutSource returns the newest outgoing message in
// the conversation created within the window and still missing an external
// id. This is the dedup layer 3 race-window probe.
func (s *Store) FindRecentOutgoingWithoutSource(conversationID string, window time.Duration) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-window)
	var newest Message
	var found bool
	for _, msg := range s.messages {
		if msg.ConversationID != conversationID || msg.Direction != DirectionOutgoing {
			continue
		}
		if msg.SourceID != "" || msg.CreatedAt.Before(cutoff) {
			continue
		}
		if !found || msg.CreatedAt.After(newest.CreatedAt) {
			newest = msg
			found = true
		}
	}
	return newest, found
}

// AttachSourceID sets the external id on a message that was created before
// the id was known. The message is updated in place, never duplicated.
func (s *Store) AttachSourceID(messageID, sourceID string) (Message, error) {
	if sourceID == "" {
		return Message{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if message.SourceID == sourceID {
		return message, nil
	}
	key := message.ConversationID + "|" + sourceID
	if _, exists := s.sourceIndex[key]; exists {
		return Message{}, ErrInvalidState
	}
	if message.SourceID != "" {
		delete(s.sourceIndex, message.ConversationID+"|"+message.SourceID)
	}
	message.SourceID = sourceID
	s.messages[messageID] = message
	s.sourceIndex[key] = messageID
	_ = s.saveLocked()
	return message, nil
}

// UpdateMessageStatusBySourceID applies an ack to the message carrying the
// external id within the inbox. Unknown ids and backward transitions are
// quiet no-ops.
func (s *Store) UpdateMessageStatusBySourceID(inboxID, sourceID string, status MessageStatus) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, msg := range s.messages {
		if msg.SourceID != sourceID {
			continue
		}
		conv, ok := s.convs[msg.ConversationID]
		if !ok || conv.InboxID != inboxID {
			continue
		}
		if statusRank(status) <= statusRank(msg.Status) {
			return msg, false
		}
		msg.Status = status
		s.messages[id] = msg
		_ = s.saveLocked()
		return msg, true
	}
	return Message{}, false
}

func (s *Store) MarkMessageDelivered(messageID, sourceID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if sourceID != "" && message.SourceID != sourceID {
		if message.SourceID != "" {
			delete(s.sourceIndex, message.ConversationID+"|"+message.SourceID)
		}
		message.SourceID = sourceID
		s.sourceIndex[message.ConversationID+"|"+sourceID] = messageID
	}
	message.Status = MessageDelivered
	message.ExternalError = ""
	s.messages[messageID] = message
	_ = s.saveLocked()
	return message, nil
}

func (s *Store) MarkMessageFailed(messageID, errText string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	message.Status = MessageFailed
	message.ExternalError = errText
	s.messages[messageID] = message
	_ = s.saveLocked()
	return message, nil
}

// MessagesForConversation returns the conversation's messages oldest first.
func (s *Store) MessagesForConversation(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, 8)
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

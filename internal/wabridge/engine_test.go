package wabridge

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, store *Store, clock *fakeClock) *Engine {
	t.Helper()
	lifecycle := NewLifecycleManager(LifecycleOptions{
		Store:   store,
		Adapter: &stubAdapter{},
		Now:     clock.Now,
	})
	engine := NewEngine(EngineOptions{Store: store, Lifecycle: lifecycle})
	t.Cleanup(engine.Close)
	return engine
}

func messageEnvelope(t *testing.T, channelID string, p MessagePayload) EventEnvelope {
	t.Helper()
	payload, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return EventEnvelope{ChannelID: channelID, EventType: EventMessage, Payload: payload}
}

func ackEnvelope(t *testing.T, channelID string, p AckPayload) EventEnvelope {
	t.Helper()
	payload, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return EventEnvelope{ChannelID: channelID, EventType: EventMessageAck, Payload: payload}
}

func TestInboundMessageCreatesContactAndConversation(t *testing.T) {
	store, clock := newTestStore(t)
	engine := newTestEngine(t, store, clock)
	channel, inbox := mustReadyChannel(t, store, CreateChannelParams{})

	env := messageEnvelope(t, channel.ID, MessagePayload{
		ID:          "wamid-1",
		From:        "15557770000@c.us",
		To:          "15551230000@c.us",
		Body:        "hello there",
		ContactName: "Dana",
	})
	if err := engine.Process(env); err != nil {
		t.Fatalf("Process: %v", err)
	}

	contact, err := store.FindOrCreateContact(inbox.ID, "15557770000@c.us", ContactAttributes{})
	if err != nil {
		t.Fatalf("contact lookup: %v", err)
	}
	if contact.Name != "Dana" || contact.PhoneNumber != "+15557770000" {
		t.Fatalf("contact = %+v", contact)
	}
	convs := store.ConversationsForContact(inbox.ID, contact.ID)
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	msgs := store.MessagesForConversation(convs[0].ID)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.SourceID != "wamid-1" || msg.Direction != DirectionIncoming || msg.Content != "hello there" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestReplayedMessageEventIsIdempotent(t *testing.T) {
	store, clock := newTestStore(t)
	engine := newTestEngine(t, store, clock)
	channel, inbox := mustReadyChannel(t, store, CreateChannelParams{})

	env := messageEnvelope(t, channel.ID, MessagePayload{
		ID:   "wamid-1",
		From: "15557770000@c.us",
		To:   "15551230000@c.us",
		Body: "hello",
	})
	for i := 0; i < 3; i++ {
		if err := engine.Process(env); err != nil {
			t.Fatalf("Process #%d: %v", i+1, err)
		}
	}

	contact, _ := store.FindOrCreateContact(inbox.ID, "15557770000@c.us", ContactAttributes{})
	convs := store.ConversationsForContact(inbox.ID, contact.ID)
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1 after replay", len(convs))
	}
	if msgs := store.MessagesForConversation(convs[0].ID); len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 after replay", len(msgs))
	}
}

func TestFilteredMessagesLeaveNoTrace(t *testing.T) {
	store, clock := newTestStore(t)
	engine := newTestEngine(t, store, clock)
	channel, inbox := mustReadyChannel(t, store, CreateChannelParams{})

	payloads := []MessagePayload{
		{ID: "g1", From: "12345-67890@g.us", To: "15551230000@c.us", Body: "group chatter"},
		{ID: "s1", From: "status@broadcast", To: "15551230000@c.us", Body: "status update"},
		{ID: "p1", From: "15557770000@c.us", To: "15551230000@c.us", Type: "e2e_notification", Body: "x"},
		{ID: "e1", From: "15557770000@c.us", To: "15551230000@c.us", Body: "   "},
	}
	for _, p := range payloads {
		if err := engine.Process(messageEnvelope(t, channel.ID, p)); err != nil {
			t.Fatalf("Process %s: %v", p.ID, err)
		}
	}

	if _, ok := store.LatestConversation(inbox.ID); ok {
		t.Fatal("filtered events must not create conversations")
	}
}

func TestMessageBeforeInboxIsReconcileError(t *testing.T) {
	store, clock := newTestStore(t)
	engine := newTestEngine(t, store, clock)
	channel := mustCreateChannel(t, store, CreateChannelParams{})

	env := messageEnvelope(t, channel.ID, MessagePayload{
		ID:   "wamid-1",
		From: "15557770000@c.us",
		Body: "too early",
	})
	err := engine.Process(env)
	if !errors.Is(err, ErrReconcile) || !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected reconcile/invalid-state error before first ready, got %v", err)
	}
}

func TestDeviceEchoClaimsRecentPanelSend(t *testing.T) {
	store, clock := newTestStore(t)
	engine := newTestEngine(t, store, clock)
	channel, inbox := mustReadyChannel(t, store, CreateChannelParams{})

	contact, err := store.FindOrCreateContact(inbox.ID, "15557770000@c.us", ContactAttributes{
		Name: "Dana", PhoneNumber: "+15557770000",
	})
	if err != nil {
		t.Fatalf("FindOrCreateContact: %v", err)
	}
	conv, _, err := store.CreateConversationWithMessage(inbox.ID, contact.ID, NewMessage{
		SourceID:  "wamid-0",
		Direction: DirectionIncoming,
		Content:   "hi",
	})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	// Panel send recorded without an external id, as the send pipeline does.
	if _, err := store.CreateMessage(conv.ID, NewMessage{
		Direction: DirectionOutgoing,
		Content:   "on our way",
		Status:    MessageSent,
		SenderID:  "agent-7",
	}); err != nil {
		t.Fatalf("seed panel send: %v", err)
	}

	clock.Advance(1 * time.Second)
	echo := messageEnvelope(t, channel.ID, MessagePayload{
		ID:             "wamid-echo",
		From:           "15551230000@c.us",
		To:             "15557770000@c.us",
		SelfOriginated: true,
		Body:           "on our way",
	})
	if err := engine.Process(echo); err != nil {
		t.Fatalf("Process echo: %v", err)
	}

	msgs := store.MessagesForConversation(conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (echo must not create a twin)", len(msgs))
	}
	claimed, found := store.FindMessageBySourceID(conv.ID, "wamid-echo")
	if !found {
		t.Fatal("echo id was not attached to the panel send")
	}
	if claimed.SenderID != "agent-7" {
		t.Fatalf("echo claimed the wrong message: %+v", claimed)
	}
}

func TestLateEchoCreatesOwnMessage(t *testing.T) {
	store, clock := newTestStore(t)
	engine := newTestEngine(t, store, clock)
	channel, inbox := mustReadyChannel(t, store, CreateChannelParams{})

	contact, err := store.FindOrCreateContact(inbox.ID, "15557770000@c.us", ContactAttributes{
		PhoneNumber: "+15557770000",
	})
	if err != nil {
		t.Fatalf("FindOrCreateContact: %v", err)
	}
	conv, _, err := store.CreateConversationWithMessage(inbox.ID, contact.ID, NewMessage{
		SourceID:  "wamid-0",
		Direction: DirectionIncoming,
		Content:   "hi",
	})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if _, err := store.CreateMessage(conv.ID, NewMessage{
		Direction: DirectionOutgoing,
		Content:   "old draft",
		Status:    MessageSent,
		SenderID:  "agent-7",
	}); err != nil {
		t.Fatalf("seed panel send: %v", err)
	}

	clock.Advance(5 * time.Second)
	echo := messageEnvelope(t, channel.ID, MessagePayload{
		ID:             "wamid-echo",
		From:           "15551230000@c.us",
		To:             "15557770000@c.us",
		SelfOriginated: true,
		Body:           "sent from the phone",
	})
	if err := engine.Process(echo); err != nil {
		t.Fatalf("Process echo: %v", err)
	}

	msgs := store.MessagesForConversation(conv.ID)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3 (stale send is out of the race window)", len(msgs))
	}
	msg, found := store.FindMessageBySourceID(conv.ID, "wamid-echo")
	if !found {
		t.Fatal("late echo should be recorded under its own id")
	}
	if msg.Direction != DirectionOutgoing || msg.SenderID != "operator" || msg.Status != MessageDelivered {
		t.Fatalf("late echo message = %+v", msg)
	}
}

func TestResolvedConversationReopensOnFreshMessage(t *testing.T) {
	store, clock := newTestStore(t)
	engine := newTestEngine(t, store, clock)
	channel, inbox := mustReadyChannel(t, store, CreateChannelParams{})

	first := messageEnvelope(t, channel.ID, MessagePayload{
		ID: "wamid-1", From: "15557770000@c.us", To: "15551230000@c.us", Body: "hello",
	})
	if err := engine.Process(first); err != nil {
		t.Fatalf("Process first: %v", err)
	}
	conv, ok := store.LatestConversation(inbox.ID)
	if !ok {
		t.Fatal("conversation missing")
	}
	if _, err := store.ResolveConversation(conv.ID); err != nil {
		t.Fatalf("ResolveConversation: %v", err)
	}

	clock.Advance(2 * time.Hour)
	second := messageEnvelope(t, channel.ID, MessagePayload{
		ID: "wamid-2", From: "15557770000@c.us", To: "15551230000@c.us", Body: "one more thing",
	})
	if err := engine.Process(second); err != nil {
		t.Fatalf("Process second: %v", err)
	}

	got, err := store.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Status != ConversationOpen {
		t.Fatalf("status = %s, want reopened", got.Status)
	}
	if msgs := store.MessagesForConversation(conv.ID); len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 in the reopened conversation", len(msgs))
	}
}

func TestStaleResolvedConversationGetsNewThread(t *testing.T) {
	store, clock := newTestStore(t)
	engine := newTestEngine(t, store, clock)
	channel, inbox := mustReadyChannel(t, store, CreateChannelParams{})

	first := messageEnvelope(t, channel.ID, MessagePayload{
		ID: "wamid-1", From: "15557770000@c.us", To: "15551230000@c.us", Body: "hello",
	})
	if err := engine.Process(first); err != nil {
		t.Fatalf("Process first: %v", err)
	}
	conv, _ := store.LatestConversation(inbox.ID)
	if _, err := store.ResolveConversation(conv.ID); err != nil {
		t.Fatalf("ResolveConversation: %v", err)
	}

	clock.Advance(25 * time.Hour)
	second := messageEnvelope(t, channel.ID, MessagePayload{
		ID: "wamid-2", From: "15557770000@c.us", To: "15551230000@c.us", Body: "new issue",
	})
	if err := engine.Process(second); err != nil {
		t.Fatalf("Process second: %v", err)
	}

	contact, _ := store.FindOrCreateContact(inbox.ID, "15557770000@c.us", ContactAttributes{})
	convs := store.ConversationsForContact(inbox.ID, contact.ID)
	if len(convs) != 2 {
		t.Fatalf("conversations = %d, want a fresh thread after 25h", len(convs))
	}
	old, _ := store.GetConversation(conv.ID)
	if old.Status != ConversationResolved {
		t.Fatalf("old conversation status = %s, want still resolved", old.Status)
	}
}

func TestAckAdvancesStatusMonotonically(t *testing.T) {
	store, clock := newTestStore(t)
	engine := newTestEngine(t, store, clock)
	channel, inbox := mustReadyChannel(t, store, CreateChannelParams{})

	echo := messageEnvelope(t, channel.ID, MessagePayload{
		ID:             "wamid-out",
		From:           "15551230000@c.us",
		To:             "15557770000@c.us",
		SelfOriginated: true,
		Body:           "shipped",
	})
	if err := engine.Process(echo); err != nil {
		t.Fatalf("Process echo: %v", err)
	}
	conv, _ := store.LatestConversation(inbox.ID)

	if err := engine.Process(ackEnvelope(t, channel.ID, AckPayload{MessageID: "wamid-out", Status: "read"})); err != nil {
		t.Fatalf("Process read ack: %v", err)
	}
	if err := engine.Process(ackEnvelope(t, channel.ID, AckPayload{MessageID: "wamid-out", Status: "delivered"})); err != nil {
		t.Fatalf("Process delivered ack: %v", err)
	}

	msg, found := store.FindMessageBySourceID(conv.ID, "wamid-out")
	if !found {
		t.Fatal("echo message missing")
	}
	if msg.Status != MessageRead {
		t.Fatalf("status = %s, want read (delivered ack must not regress)", msg.Status)
	}

	// Acks for ids that were never recorded fall through silently.
	if err := engine.Process(ackEnvelope(t, channel.ID, AckPayload{MessageID: "wamid-ghost", Status: "read"})); err != nil {
		t.Fatalf("ghost ack should be a no-op, got %v", err)
	}

	// The ack contract only carries delivered and read; anything else is
	// unmapped and ignored.
	if err := engine.Process(ackEnvelope(t, channel.ID, AckPayload{MessageID: "wamid-out", Status: "sent"})); err != nil {
		t.Fatalf("sent ack should be ignored, got %v", err)
	}
	msg, _ = store.FindMessageBySourceID(conv.ID, "wamid-out")
	if msg.Status != MessageRead {
		t.Fatalf("status = %s after unmapped ack, want read", msg.Status)
	}
}

func TestLifecycleEventsRouteThroughEngine(t *testing.T) {
	store, clock := newTestStore(t)
	engine := newTestEngine(t, store, clock)
	channel := mustCreateChannel(t, store, CreateChannelParams{})

	ready := EventEnvelope{
		ChannelID: channel.ID,
		EventType: EventReady,
		Payload:   json.RawMessage(`{"phone_number":"+15551230000"}`),
	}
	if err := engine.Process(ready); err != nil {
		t.Fatalf("Process ready: %v", err)
	}
	got, _ := store.GetChannel(channel.ID)
	if !got.Connected() || got.InboxID == "" {
		t.Fatalf("ready event did not connect channel: %+v", got)
	}

	disconnected := EventEnvelope{ChannelID: channel.ID, EventType: EventDisconnected}
	if err := engine.Process(disconnected); err != nil {
		t.Fatalf("Process disconnected: %v", err)
	}
	got, _ = store.GetChannel(channel.ID)
	if got.ConnectionState != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got.ConnectionState)
	}

	qr := EventEnvelope{
		ChannelID: channel.ID,
		EventType: EventQR,
		Payload:   json.RawMessage(`{"qr_code":"fresh-code"}`),
	}
	if err := engine.Process(qr); err != nil {
		t.Fatalf("Process qr: %v", err)
	}
	got, _ = store.GetChannel(channel.ID)
	if got.PairingToken != "fresh-code" || got.ConnectionState != StateConnecting {
		t.Fatalf("qr event not applied: %+v", got)
	}

	authFailure := EventEnvelope{ChannelID: channel.ID, EventType: EventAuthFailure}
	if err := engine.Process(authFailure); err != nil {
		t.Fatalf("Process auth_failure: %v", err)
	}
	got, _ = store.GetChannel(channel.ID)
	if !got.ReauthRequired {
		t.Fatal("auth_failure event did not flag reauth")
	}
}

func TestUnknownEventTypeRejected(t *testing.T) {
	store, clock := newTestStore(t)
	engine := newTestEngine(t, store, clock)
	channel := mustCreateChannel(t, store, CreateChannelParams{})

	err := engine.Process(EventEnvelope{ChannelID: channel.ID, EventType: "presence"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown event type, got %v", err)
	}
}

func TestIngestAfterCloseFails(t *testing.T) {
	store, clock := newTestStore(t)
	lifecycle := NewLifecycleManager(LifecycleOptions{Store: store, Adapter: &stubAdapter{}, Now: clock.Now})
	engine := NewEngine(EngineOptions{Store: store, Lifecycle: lifecycle})
	engine.Close()

	err := engine.Ingest(EventEnvelope{ChannelID: "ch-1", EventType: EventDisconnected})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after close, got %v", err)
	}
}

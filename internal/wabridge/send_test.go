package wabridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func seedConversation(t *testing.T, store *Store, inboxID string) (Contact, Conversation) {
	t.Helper()
	contact, err := store.FindOrCreateContact(inboxID, "15557770000@c.us", ContactAttributes{
		Name:        "Dana",
		PhoneNumber: "+15557770000",
	})
	if err != nil {
		t.Fatalf("FindOrCreateContact: %v", err)
	}
	conv, _, err := store.CreateConversationWithMessage(inboxID, contact.ID, NewMessage{
		SourceID:  "wamid-seed",
		Direction: DirectionIncoming,
		Content:   "hello",
	})
	if err != nil {
		t.Fatalf("CreateConversationWithMessage: %v", err)
	}
	return contact, conv
}

func TestSendRecordsBeforeDelivering(t *testing.T) {
	store, _ := newTestStore(t)
	_, inbox := mustReadyChannel(t, store, CreateChannelParams{})
	_, conv := seedConversation(t, store, inbox.ID)

	adapter := &stubAdapter{sendRes: SendResult{MessageID: "wamid-out"}}
	sender := NewSender(SenderOptions{Store: store, Adapter: adapter})

	msg, err := sender.Send(context.Background(), conv.ID, OutboundMessage{
		Content:  "on our way",
		SenderID: "agent-7",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Status != MessageDelivered || msg.SourceID != "wamid-out" {
		t.Fatalf("message = %+v", msg)
	}
	if msg.SenderID != "agent-7" || msg.Direction != DirectionOutgoing {
		t.Fatalf("message = %+v", msg)
	}
	if adapter.lastSend.To != "15557770000@c.us" || adapter.lastSend.Message != "on our way" {
		t.Fatalf("send request = %+v", adapter.lastSend)
	}
}

func TestSendFailureKeepsFailedRecord(t *testing.T) {
	store, _ := newTestStore(t)
	_, inbox := mustReadyChannel(t, store, CreateChannelParams{})
	_, conv := seedConversation(t, store, inbox.ID)

	adapter := &stubAdapter{sendErr: &ProtocolError{Op: "send-message", Status: 422, Message: "number not registered"}}
	sender := NewSender(SenderOptions{Store: store, Adapter: adapter})

	msg, err := sender.Send(context.Background(), conv.ID, OutboundMessage{Content: "hi", SenderID: "agent-7"})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if msg.Status != MessageFailed {
		t.Fatalf("status = %s, want failed", msg.Status)
	}
	if !strings.Contains(msg.ExternalError, "number not registered") {
		t.Fatalf("failure reason = %q", msg.ExternalError)
	}

	msgs := store.MessagesForConversation(conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want the failed record kept", len(msgs))
	}
}

func TestSendRejectedWhenChannelNotConnected(t *testing.T) {
	store, _ := newTestStore(t)
	channel, inbox := mustReadyChannel(t, store, CreateChannelParams{})
	_, conv := seedConversation(t, store, inbox.ID)
	if _, err := store.SetConnectionState(channel.ID, StateDisconnected); err != nil {
		t.Fatalf("SetConnectionState: %v", err)
	}

	sender := NewSender(SenderOptions{Store: store, Adapter: &stubAdapter{}})
	if _, err := sender.Send(context.Background(), conv.ID, OutboundMessage{Content: "hi"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for disconnected channel, got %v", err)
	}
	if msgs := store.MessagesForConversation(conv.ID); len(msgs) != 1 {
		t.Fatalf("messages = %d, nothing should be recorded", len(msgs))
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	store, _ := newTestStore(t)
	_, inbox := mustReadyChannel(t, store, CreateChannelParams{})
	_, conv := seedConversation(t, store, inbox.ID)

	sender := NewSender(SenderOptions{Store: store, Adapter: &stubAdapter{}})
	if _, err := sender.Send(context.Background(), conv.ID, OutboundMessage{Content: "   "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank content, got %v", err)
	}
}

func TestSendForwardsAttachments(t *testing.T) {
	store, _ := newTestStore(t)
	_, inbox := mustReadyChannel(t, store, CreateChannelParams{})
	_, conv := seedConversation(t, store, inbox.ID)

	adapter := &stubAdapter{sendRes: SendResult{MessageID: "wamid-out"}}
	sender := NewSender(SenderOptions{Store: store, Adapter: adapter})

	_, err := sender.Send(context.Background(), conv.ID, OutboundMessage{
		SenderID: "agent-7",
		Attachments: []Attachment{{
			FileType: "image",
			MimeType: "image/png",
			URL:      "https://cdn.example/receipt.png",
			Filename: "receipt.png",
		}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(adapter.lastSend.Attachments) != 1 {
		t.Fatalf("attachments = %+v", adapter.lastSend.Attachments)
	}
	sent := adapter.lastSend.Attachments[0]
	if sent.Type != "image" || sent.URL != "https://cdn.example/receipt.png" {
		t.Fatalf("attachment = %+v", sent)
	}
}

func TestSendThenEchoConverges(t *testing.T) {
	store, clock := newTestStore(t)
	engine := newTestEngine(t, store, clock)
	channel, inbox := mustReadyChannel(t, store, CreateChannelParams{})
	_, conv := seedConversation(t, store, inbox.ID)

	adapter := &stubAdapter{sendRes: SendResult{MessageID: "wamid-out"}}
	sender := NewSender(SenderOptions{Store: store, Adapter: adapter})
	if _, err := sender.Send(context.Background(), conv.ID, OutboundMessage{
		Content: "on our way", SenderID: "agent-7",
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The device echoes the panel send back as a self-originated event.
	clock.Advance(time.Second)
	echo := messageEnvelope(t, channel.ID, MessagePayload{
		ID:             "wamid-out",
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
		t.Fatalf("messages = %d, want seed + single outgoing", len(msgs))
	}
	msg, found := store.FindMessageBySourceID(conv.ID, "wamid-out")
	if !found || msg.SenderID != "agent-7" {
		t.Fatalf("echo did not converge on the panel send: %+v", msg)
	}
}

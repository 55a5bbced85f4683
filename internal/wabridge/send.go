package wabridge

import (
	"context"
	"log/slog"
	"strings"
)

type SenderOptions struct {
	Store   *Store
	Adapter ClientAdapter
	Logger  *slog.Logger
}

// Sender is the outbound path: operator replies become protocol sends.
// The message record is written before the send so that the device echo
// always finds something to attach to.
type Sender struct {
	store   *Store
	adapter ClientAdapter
	logger  *slog.Logger
}

func NewSender(opts SenderOptions) *Sender {
	return &Sender{
		store:   opts.Store,
		adapter: opts.Adapter,
		logger:  opts.Logger,
	}
}

func (s *Sender) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

type OutboundMessage struct {
	Content     string
	SenderID    string
	Attachments []Attachment
}

// Send delivers an operator message into a conversation. On success the
// stored message carries the external id and delivered status; on failure
// it carries failed status plus the rejection text, and the error is
// returned as well.
func (s *Sender) Send(ctx context.Context, conversationID string, out OutboundMessage) (Message, error) {
	if strings.TrimSpace(out.Content) == "" && len(out.Attachments) == 0 {
		return Message{}, ErrInvalidInput
	}

	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		return Message{}, err
	}
	inbox, err := s.store.GetInbox(conv.InboxID)
	if err != nil {
		return Message{}, err
	}
	channel, err := s.store.GetChannel(inbox.ChannelID)
	if err != nil {
		return Message{}, err
	}
	if !channel.Connected() {
		return Message{}, ErrInvalidState
	}
	contact, err := s.store.GetContact(conv.ContactID)
	if err != nil {
		return Message{}, err
	}

	target := contact.SourceID
	if target == "" {
		target = SourceIDForPhone(contact.PhoneNumber)
	}

	msg, err := s.store.CreateMessage(conversationID, NewMessage{
		Direction:   DirectionOutgoing,
		Content:     out.Content,
		Status:      MessageSent,
		SenderID:    out.SenderID,
		Attachments: out.Attachments,
	})
	if err != nil {
		return Message{}, err
	}

	result, sendErr := s.adapter.SendMessage(ctx, SendRequest{
		ChannelID:   channel.ID,
		To:          target,
		Message:     out.Content,
		Attachments: outboundAttachments(out.Attachments),
	})
	if sendErr != nil {
		failed, markErr := s.store.MarkMessageFailed(msg.ID, sendErr.Error())
		if markErr != nil {
			s.log().Error("failed to record send failure",
				"message_id", msg.ID, "error", markErr)
			return msg, sendErr
		}
		s.log().Warn("outbound send failed",
			"channel_id", channel.ID, "conversation_id", conversationID, "error", sendErr)
		return failed, sendErr
	}

	delivered, err := s.store.MarkMessageDelivered(msg.ID, result.MessageID)
	if err != nil {
		return msg, err
	}
	return delivered, nil
}

func outboundAttachments(in []Attachment) []OutboundAttachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]OutboundAttachment, 0, len(in))
	for _, a := range in {
		out = append(out, OutboundAttachment{
			URL:      a.URL,
			Filename: a.Filename,
			MimeType: a.MimeType,
			Type:     a.FileType,
		})
	}
	return out
}

package wabridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Event types emitted by the automation process.
const (
	EventMessage      = "message"
	EventMessageAck   = "message_ack"
	EventQR           = "qr"
	EventReady        = "ready"
	EventDisconnected = "disconnected"
	EventAuthFailure  = "auth_failure"
)

// EventEnvelope is the wire unit pushed by the automation process. Payload
// shape depends on EventType; DecodeMessage and friends pick it apart.
type EventEnvelope struct {
	ChannelID string          `json:"channel_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// MessagePayload is the payload of a "message" event. From and To carry
// raw protocol identifiers (digits plus a server suffix).
type MessagePayload struct {
	ID             string              `json:"id"`
	From           string              `json:"from"`
	To             string              `json:"to"`
	SelfOriginated bool                `json:"self_originated"`
	Type           string              `json:"type"`
	Body           string              `json:"body"`
	ContactName    string              `json:"contact_name,omitempty"`
	Attachments    []InboundAttachment `json:"attachments,omitempty"`
}

type InboundAttachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type AckPayload struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

type QRPayload struct {
	Code string `json:"qr_code"`
}

type ReadyPayload struct {
	PhoneNumber string `json:"phone_number"`
}

const envelopeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["channel_id", "event_type"],
  "properties": {
    "channel_id": {"type": "string", "minLength": 1},
    "event_type": {
      "type": "string",
      "enum": ["message", "message_ack", "qr", "ready", "disconnected", "auth_failure"]
    },
    "payload": {"type": "object"}
  }
}`

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
)

func compiledEnvelopeSchema() *jsonschema.Schema {
	envelopeSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
		if err != nil {
			panic("envelope schema: " + err.Error())
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("envelope.json", doc); err != nil {
			panic("envelope schema: " + err.Error())
		}
		envelopeSchema = compiler.MustCompile("envelope.json")
	})
	return envelopeSchema
}

// ParseEnvelope validates raw bytes against the envelope schema and decodes
// them. Schema failures come back wrapping ErrInvalidInput so transports
// can reject the push without retry.
func ParseEnvelope(raw []byte) (EventEnvelope, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := compiledEnvelopeSchema().Validate(doc); err != nil {
		return EventEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var env EventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return EventEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return env, nil
}

func (e EventEnvelope) DecodeMessage() (MessagePayload, error) {
	var p MessagePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return MessagePayload{}, fmt.Errorf("%w: message payload: %v", ErrInvalidInput, err)
	}
	if p.ID == "" {
		return MessagePayload{}, fmt.Errorf("%w: message payload missing id", ErrInvalidInput)
	}
	return p, nil
}

func (e EventEnvelope) DecodeAck() (AckPayload, error) {
	var p AckPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return AckPayload{}, fmt.Errorf("%w: ack payload: %v", ErrInvalidInput, err)
	}
	if p.MessageID == "" || p.Status == "" {
		return AckPayload{}, fmt.Errorf("%w: ack payload missing fields", ErrInvalidInput)
	}
	return p, nil
}

func (e EventEnvelope) DecodeQR() (QRPayload, error) {
	var p QRPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return QRPayload{}, fmt.Errorf("%w: qr payload: %v", ErrInvalidInput, err)
	}
	return p, nil
}

func (e EventEnvelope) DecodeReady() (ReadyPayload, error) {
	var p ReadyPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ReadyPayload{}, fmt.Errorf("%w: ready payload: %v", ErrInvalidInput, err)
	}
	return p, nil
}

// Protocol identifier suffixes. Individual chats use the c.us and
// s.whatsapp.net servers; groups use g.us.
const (
	suffixIndividual = "@c.us"
	suffixUserServer = "@s.whatsapp.net"
	suffixGroup      = "@g.us"
	statusBroadcast  = "status@broadcast"
)

// Message types that are protocol chatter rather than user content.
var ignoredMessageTypes = map[string]bool{
	"protocol":              true,
	"e2e_notification":      true,
	"notification":          true,
	"notification_template": true,
	"gp2":                   true,
	"call_log":              true,
	"ciphertext":            true,
	"revoked":               true,
}

// ShouldIgnoreMessage filters events that never become ticket messages:
// group traffic, status broadcasts, protocol notifications, and content-free
// messages with no attachments.
func ShouldIgnoreMessage(p MessagePayload) bool {
	counterpart := p.From
	if p.SelfOriginated {
		counterpart = p.To
	}
	if strings.HasSuffix(counterpart, suffixGroup) || strings.HasSuffix(p.From, suffixGroup) {
		return true
	}
	if counterpart == statusBroadcast || p.From == statusBroadcast {
		return true
	}
	if ignoredMessageTypes[p.Type] {
		return true
	}
	if strings.TrimSpace(p.Body) == "" && len(p.Attachments) == 0 {
		return true
	}
	return false
}

// NormalizePhone strips the protocol server suffix from an identifier and
// returns E.164 digits with a leading plus. "15551230000@c.us" becomes
// "+15551230000". Identifiers that are not individual-chat ids come back
// unchanged without the plus.
func NormalizePhone(sourceID string) string {
	id := sourceID
	for _, suffix := range []string{suffixIndividual, suffixUserServer} {
		if strings.HasSuffix(id, suffix) {
			id = strings.TrimSuffix(id, suffix)
			if id != "" && !strings.HasPrefix(id, "+") {
				id = "+" + id
			}
			return id
		}
	}
	return id
}

// SourceIDForPhone maps an E.164 phone number back to the protocol
// identifier used for sends.
func SourceIDForPhone(phone string) string {
	digits := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	return digits + suffixIndividual
}

// ContentTypeFor maps a protocol message type to the stored content type.
func ContentTypeFor(messageType string) string {
	switch messageType {
	case "", "chat", "text":
		return "text"
	default:
		return messageType
	}
}

// FileTypeForMime buckets an attachment mime type into the file type the
// ticketing model stores.
func FileTypeForMime(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

// mapAttachments converts inbound attachment metadata to stored records.
func mapAttachments(in []InboundAttachment) []Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, Attachment{
			FileType: FileTypeForMime(a.MimeType),
			MimeType: a.MimeType,
			URL:      a.URL,
			Filename: a.Filename,
		})
	}
	return out
}

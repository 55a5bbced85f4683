package wabridge

import (
	"errors"
	"testing"
)

func TestParseEnvelopeValidatesSchema(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{
		"channel_id": "ch-1",
		"event_type": "message",
		"payload": {"id": "wamid-1", "from": "15557770000@c.us", "body": "hi"}
	}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.ChannelID != "ch-1" || env.EventType != EventMessage {
		t.Fatalf("envelope = %+v", env)
	}
	payload, err := env.DecodeMessage()
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if payload.ID != "wamid-1" || payload.Body != "hi" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestParseEnvelopeRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"not json":           `{`,
		"missing channel":    `{"event_type": "message"}`,
		"empty channel":      `{"channel_id": "", "event_type": "message"}`,
		"unknown event type": `{"channel_id": "ch-1", "event_type": "presence"}`,
		"payload not object": `{"channel_id": "ch-1", "event_type": "message", "payload": "hi"}`,
	}
	for name, raw := range cases {
		if _, err := ParseEnvelope([]byte(raw)); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestDecodeAckRequiresFields(t *testing.T) {
	env := EventEnvelope{EventType: EventMessageAck, Payload: []byte(`{"message_id": "wamid-1"}`)}
	if _, err := env.DecodeAck(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for ack without status, got %v", err)
	}
}

func TestShouldIgnoreMessage(t *testing.T) {
	cases := []struct {
		name string
		p    MessagePayload
		want bool
	}{
		{"plain inbound", MessagePayload{From: "15557770000@c.us", Body: "hi"}, false},
		{"group chat", MessagePayload{From: "12345-67890@g.us", Body: "hi"}, true},
		{"status broadcast", MessagePayload{From: "status@broadcast", Body: "hi"}, true},
		{"protocol notification", MessagePayload{From: "15557770000@c.us", Type: "e2e_notification", Body: "x"}, true},
		{"revoked", MessagePayload{From: "15557770000@c.us", Type: "revoked", Body: "x"}, true},
		{"empty body no attachments", MessagePayload{From: "15557770000@c.us", Body: "  "}, true},
		{"empty body with attachment", MessagePayload{
			From:        "15557770000@c.us",
			Attachments: []InboundAttachment{{URL: "https://cdn.example/a.jpg", MimeType: "image/jpeg"}},
		}, false},
		{"self-originated to group", MessagePayload{
			From: "15551230000@c.us", To: "12345-67890@g.us", SelfOriginated: true, Body: "hi",
		}, true},
		{"self-originated to individual", MessagePayload{
			From: "15551230000@c.us", To: "15557770000@c.us", SelfOriginated: true, Body: "hi",
		}, false},
	}
	for _, tc := range cases {
		if got := ShouldIgnoreMessage(tc.p); got != tc.want {
			t.Errorf("%s: ShouldIgnoreMessage = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"15551230000@c.us", "+15551230000"},
		{"15551230000@s.whatsapp.net", "+15551230000"},
		{"+15551230000@c.us", "+15551230000"},
		{"12345-67890@g.us", "12345-67890@g.us"},
		{"status@broadcast", "status@broadcast"},
	}
	for _, tc := range cases {
		if got := NormalizePhone(tc.in); got != tc.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSourceIDForPhoneRoundTrips(t *testing.T) {
	if got := SourceIDForPhone("+15551230000"); got != "15551230000@c.us" {
		t.Fatalf("SourceIDForPhone = %q", got)
	}
	if got := NormalizePhone(SourceIDForPhone("+15551230000")); got != "+15551230000" {
		t.Fatalf("round trip = %q", got)
	}
}

func TestContentTypeFor(t *testing.T) {
	if got := ContentTypeFor("chat"); got != "text" {
		t.Fatalf("chat = %q", got)
	}
	if got := ContentTypeFor(""); got != "text" {
		t.Fatalf("empty = %q", got)
	}
	if got := ContentTypeFor("location"); got != "location" {
		t.Fatalf("location = %q", got)
	}
}

func TestFileTypeForMime(t *testing.T) {
	cases := map[string]string{
		"image/jpeg":      "image",
		"video/mp4":       "video",
		"audio/ogg":       "audio",
		"application/pdf": "file",
		"":                "file",
	}
	for mime, want := range cases {
		if got := FileTypeForMime(mime); got != want {
			t.Errorf("FileTypeForMime(%q) = %q, want %q", mime, got, want)
		}
	}
}

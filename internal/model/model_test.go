package model

import (
	"errors"
	"testing"
)

func testMessage() Message {
	return Message{
		Platform:     PlatformQQ,
		Conversation: &Conversation{Platform: PlatformQQ, ID: "group-1", Kind: ConversationGroup},
		Sender:       &Participant{Platform: PlatformQQ, ID: "10001", DisplayName: "Alice"},
		Timestamp:    1441418400000,
		Kind:         KindText,
		Text:         "hello",
	}
}

func TestDedupKey_Deterministic(t *testing.T) {
	a, err := DedupKey(testMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := DedupKey(testMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Errorf("expected identical keys, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestDedupKey_IgnoresMutableFields(t *testing.T) {
	m := testMessage()
	base, _ := DedupKey(m)

	m.Sender = &Participant{Platform: PlatformQQ, ID: "10001", DisplayName: "Alice (renamed)"}
	m.Conversation.Title = "new title"
	m.Attachments = []AttachmentRef{{Kind: KindImage, Status: AttachmentResolved}}
	renamed, _ := DedupKey(m)

	if base != renamed {
		t.Error("display name, title and attachment status must not change the dedup key")
	}
}

func TestDedupKey_ImageOnlyMessagesInOneSecond(t *testing.T) {
	image := func(names ...string) Message {
		m := testMessage()
		m.Kind, m.Text = KindImage, ""
		for _, n := range names {
			m.Attachments = append(m.Attachments, AttachmentRef{Kind: KindImage, Name: n})
		}
		return m
	}

	a, _ := DedupKey(image("{AAA}.dat"))
	b, _ := DedupKey(image("{BBB}.dat"))
	if a == b {
		t.Error("different images sent in the same second must not share a key")
	}

	ab, _ := DedupKey(image("{AAA}.dat", "{BBB}.dat"))
	ba, _ := DedupKey(image("{BBB}.dat", "{AAA}.dat"))
	if ab != ba {
		t.Error("attachment order must not change the key")
	}
}

func TestDedupKey_NativeIDWins(t *testing.T) {
	m := testMessage()
	m.NativeID = "svr-42"
	first, _ := DedupKey(m)

	m.Text = "edited text"
	m.Timestamp++
	second, _ := DedupKey(m)

	if first != second {
		t.Error("with a native id the key must not depend on payload or timestamp")
	}
}

func TestDedupKey_DistinguishesContent(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
	}{
		{"text", func(m *Message) { m.Text = "other" }},
		{"timestamp", func(m *Message) { m.Timestamp += 1000 }},
		{"kind", func(m *Message) { m.Kind = KindSystem }},
		{"sender", func(m *Message) { m.Sender = &Participant{Platform: PlatformQQ, ID: "10002"} }},
		{"conversation", func(m *Message) { m.Conversation = &Conversation{Platform: PlatformQQ, ID: "group-2"} }},
		{"platform", func(m *Message) { m.Platform = PlatformSMS }},
		{"attachment name", func(m *Message) { m.Attachments = []AttachmentRef{{Kind: KindImage, Name: "{AAA}.dat"}} }},
	}

	base, _ := DedupKey(testMessage())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testMessage()
			tt.mutate(&m)
			key, err := DedupKey(m)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if key == base {
				t.Errorf("changing %s should change the key", tt.name)
			}
		})
	}
}

func TestDedupKey_RejectsMissingReferences(t *testing.T) {
	m := testMessage()
	m.Conversation = nil
	if _, err := DedupKey(m); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("expected invariant violation without conversation, got %v", err)
	}

	m = testMessage()
	m.Sender = nil
	if _, err := DedupKey(m); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("expected invariant violation without sender, got %v", err)
	}
}

func TestSeal_SystemParticipant(t *testing.T) {
	m := testMessage()
	m.Kind = KindSystem
	m.Text = ""
	m.Sender = SystemParticipant(PlatformQQ)

	if err := Seal(&m); err != nil {
		t.Fatalf("system message should seal, got %v", err)
	}
	if m.DedupKey == "" {
		t.Error("expected dedup key to be set")
	}
	if !m.Sender.IsSystem() {
		t.Error("expected system participant")
	}
}

func TestValidate_MixedPlatforms(t *testing.T) {
	m := testMessage()
	m.Sender = &Participant{Platform: PlatformWeChat, ID: "wxid_1"}
	if err := m.Validate(); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("expected invariant violation, got %v", err)
	}
}

func TestContentHash(t *testing.T) {
	if _, err := ContentHash(nil); !errors.Is(err, ErrRecordCorrupt) {
		t.Errorf("empty payload should be a corrupt record, got %v", err)
	}

	a, err := ContentHash([]byte("png-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := ContentHash([]byte("png-bytes"))
	if a != b {
		t.Error("identical bytes must hash identically")
	}
	c, _ := ContentHash([]byte("png-bytes!"))
	if a == c {
		t.Error("different bytes must hash differently")
	}
}

func TestKindFromMIME(t *testing.T) {
	tests := map[string]Kind{
		"image/jpeg":               KindImage,
		"IMAGE/HEIC":               KindImage,
		"audio/amr":                KindVoice,
		"video/quicktime":          KindVideo,
		"text/vcard":               KindText,
		"application/octet-stream": KindUnknown,
		"":                         KindUnknown,
	}
	for mime, want := range tests {
		if got := KindFromMIME(mime); got != want {
			t.Errorf("KindFromMIME(%q) = %s, want %s", mime, got, want)
		}
	}
}

func TestConversation_AddMember(t *testing.T) {
	c := Conversation{Platform: PlatformSMS, ID: "chat1"}
	c.AddMember(Participant{Platform: PlatformSMS, ID: "+15550001"})
	c.AddMember(Participant{Platform: PlatformSMS, ID: "+15550001", DisplayName: "dup"})
	c.AddMember(Participant{Platform: PlatformSMS, ID: "+15550002"})
	if len(c.Members) != 2 {
		t.Errorf("expected 2 members, got %d", len(c.Members))
	}
}

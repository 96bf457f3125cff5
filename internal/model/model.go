package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Platform tags the chat client a record was decoded from.
type Platform string

const (
	PlatformQQ     Platform = "qq"
	PlatformWeChat Platform = "wechat"
	PlatformSMS    Platform = "sms"
)

// SystemParticipantID is the reserved sender for messages a source emits without a sender.
const SystemParticipantID = "__system__"

// Participant is a stable identity within one platform, keyed by (Platform, ID).
type Participant struct {
	Platform    Platform `json:"platform"`
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
}

// Key returns the dedup key of the participant.
func (p Participant) Key() string {
	return string(p.Platform) + "|" + p.ID
}

// IsSystem reports whether p is the reserved system participant.
func (p Participant) IsSystem() bool {
	return p.ID == SystemParticipantID
}

// SystemParticipant returns the reserved system participant for a platform.
func SystemParticipant(platform Platform) *Participant {
	return &Participant{Platform: platform, ID: SystemParticipantID, DisplayName: "system"}
}

// ConversationKind distinguishes one-to-one from group conversations.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation is keyed by (Platform, ID). Members may grow across imports.
type Conversation struct {
	Platform Platform         `json:"platform"`
	ID       string           `json:"id"`
	Kind     ConversationKind `json:"kind"`
	Title    string           `json:"title,omitempty"`
	Members  []Participant    `json:"members,omitempty"`
}

// Key returns the identity key of the conversation.
func (c Conversation) Key() string {
	return string(c.Platform) + "|" + c.ID
}

// AddMember appends p unless a member with the same key is already present.
func (c *Conversation) AddMember(p Participant) {
	for _, m := range c.Members {
		if m.Key() == p.Key() {
			return
		}
	}
	c.Members = append(c.Members, p)
}

// Kind classifies the payload of a message.
type Kind string

const (
	KindText    Kind = "text"
	KindImage   Kind = "image"
	KindVoice   Kind = "voice"
	KindVideo   Kind = "video"
	KindSystem  Kind = "system"
	KindUnknown Kind = "unknown"
)

// KindFromMIME maps a media type to a message kind.
func KindFromMIME(mime string) Kind {
	mime = strings.ToLower(mime)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "audio/"):
		return KindVoice
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	case strings.HasPrefix(mime, "text/"):
		return KindText
	default:
		return KindUnknown
	}
}

// Message is the canonical unit of import. Once committed it is never updated.
type Message struct {
	ID           uuid.UUID       `json:"id"`
	Platform     Platform        `json:"platform"`
	Conversation *Conversation   `json:"conversation"`
	Sender       *Participant    `json:"sender"`
	NativeID     string          `json:"native_id,omitempty"`
	Timestamp    int64           `json:"timestamp"` // epoch milliseconds
	Kind         Kind            `json:"kind"`
	Text         string          `json:"text"`
	Service      string          `json:"service,omitempty"`
	Attachments  []AttachmentRef `json:"attachments,omitempty"`
	DedupKey     string          `json:"dedup_key"`
}

// Validate checks the canonical model contract. Every message needs exactly one
// conversation and one sender on the same platform as the message.
func (m *Message) Validate() error {
	if m.Platform == "" {
		return InvariantViolation("message has no platform")
	}
	if m.Conversation == nil || m.Conversation.ID == "" {
		return InvariantViolation("message %q has no conversation reference", m.NativeID)
	}
	if m.Sender == nil || m.Sender.ID == "" {
		return InvariantViolation("message %q in %s has no sender reference", m.NativeID, m.Conversation.ID)
	}
	if m.Conversation.Platform != m.Platform || m.Sender.Platform != m.Platform {
		return InvariantViolation("message %q mixes platforms: %s/%s/%s",
			m.NativeID, m.Platform, m.Conversation.Platform, m.Sender.Platform)
	}
	switch m.Kind {
	case KindText, KindImage, KindVoice, KindVideo, KindSystem, KindUnknown:
	default:
		return InvariantViolation("message %q has invalid kind %q", m.NativeID, m.Kind)
	}
	return nil
}

func (m Message) String() string {
	conv, sender := "<nil>", "<nil>"
	if m.Conversation != nil {
		conv = m.Conversation.ID
	}
	if m.Sender != nil {
		sender = m.Sender.ID
	}
	return fmt.Sprintf("%s/%s from %s at %d (%s)", m.Platform, conv, sender, m.Timestamp, m.Kind)
}

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
)

const dedupKeyVersion = "v1"

// DedupKey derives the deterministic dedup key of m from immutable source fields:
// platform, conversation id, sender id, and the native message id when the source
// has one, else a hash of timestamp, kind, payload and attachment names.
func DedupKey(m Message) (string, error) {
	if m.Conversation == nil || m.Conversation.ID == "" {
		return "", InvariantViolation("dedup key: message has no conversation reference")
	}
	if m.Sender == nil || m.Sender.ID == "" {
		return "", InvariantViolation("dedup key: message in %s has no sender reference", m.Conversation.ID)
	}

	var identity string
	if m.NativeID != "" {
		identity = "id:" + m.NativeID
	} else {
		payload := strconv.FormatInt(m.Timestamp, 10) + "|" + string(m.Kind) + "|" + m.Text
		if names := attachmentNames(m.Attachments); len(names) > 0 {
			payload += "|a:" + strings.Join(names, ",")
		}
		content := sha256.Sum256([]byte(payload))
		identity = "h:" + hex.EncodeToString(content[:])
	}

	h := sha256.Sum256([]byte(strings.Join([]string{
		dedupKeyVersion,
		string(m.Platform),
		m.Conversation.ID,
		m.Sender.ID,
		identity,
	}, "|")))
	return hex.EncodeToString(h[:]), nil
}

// attachmentNames returns the sorted source names of refs. Names come from the
// export itself, so they are as stable as the message text.
func attachmentNames(refs []AttachmentRef) []string {
	var names []string
	for _, r := range refs {
		if r.Name != "" {
			names = append(names, r.Name)
		}
	}
	slices.Sort(names)
	return names
}

// Seal validates m and stamps its dedup key.
func Seal(m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	key, err := DedupKey(*m)
	if err != nil {
		return err
	}
	m.DedupKey = key
	return nil
}

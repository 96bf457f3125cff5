package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// LocatorKind says how an unresolved attachment reference finds its bytes.
type LocatorKind string

const (
	LocatorInline   LocatorKind = "inline"
	LocatorPath     LocatorKind = "path"
	LocatorManifest LocatorKind = "manifest"
)

// Locator is a platform-specific pointer to attachment bytes.
type Locator struct {
	Kind         LocatorKind `json:"kind"`
	Name         string      `json:"name,omitempty"`
	Inline       []byte      `json:"-"`
	Path         string      `json:"path,omitempty"`
	Domain       string      `json:"domain,omitempty"`
	RelativePath string      `json:"relative_path,omitempty"`
}

// String renders the locator in a form that can be stored and retried later.
func (l Locator) String() string {
	switch l.Kind {
	case LocatorInline:
		return "inline:" + l.Name
	case LocatorPath:
		return "path:" + l.Path
	case LocatorManifest:
		return "manifest:" + l.Domain + "/" + l.RelativePath
	default:
		return string(l.Kind)
	}
}

// AttachmentStatus tracks resolution of an AttachmentRef.
type AttachmentStatus string

const (
	AttachmentPending    AttachmentStatus = "pending"
	AttachmentResolved   AttachmentStatus = "resolved"
	AttachmentUnresolved AttachmentStatus = "unresolved"
)

// AttachmentRef is a message's reference to a binary payload.
type AttachmentRef struct {
	Kind        Kind             `json:"kind"`
	Name        string           `json:"name,omitempty"`
	MIME        string           `json:"mime,omitempty"`
	Locator     Locator          `json:"locator"`
	Status      AttachmentStatus `json:"status"`
	ContentHash string           `json:"content_hash,omitempty"`
}

// Attachment is a stored payload addressed by the hash of its bytes.
type Attachment struct {
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`
	MIME        string `json:"mime,omitempty"`
	Data        []byte `json:"-"`
}

// ContentHash returns the hex sha256 of data. Empty payloads are corrupt records,
// never empty attachments.
func ContentHash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", RecordCorrupt("attachment payload is empty")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NewAttachment hashes data into an Attachment.
func NewAttachment(data []byte, mime string) (Attachment, error) {
	hash, err := ContentHash(data)
	if err != nil {
		return Attachment{}, err
	}
	return Attachment{ContentHash: hash, Size: int64(len(data)), MIME: mime, Data: data}, nil
}

func (a Attachment) String() string {
	return fmt.Sprintf("%s (%d bytes)", a.ContentHash, a.Size)
}

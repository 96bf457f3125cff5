// Package decoder defines the contract every source decoder implements: turn a
// backup root into a lazy stream of canonical records with unresolved attachments.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/MikeSquared-Agency/archivist/internal/model"
)

// Source is the closed set of supported backup families.
type Source int

const (
	SourceQQ Source = iota
	SourceWeChat
	SourceSMS
)

func (s Source) String() string {
	switch s {
	case SourceQQ:
		return "qq"
	case SourceWeChat:
		return "wechat"
	case SourceSMS:
		return "sms"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// ParseSource maps a CLI mode name to a Source.
func ParseSource(name string) (Source, error) {
	switch strings.ToLower(name) {
	case "qq", "qq-mht", "web-archive":
		return SourceQQ, nil
	case "wechat", "wc":
		return SourceWeChat, nil
	case "sms", "imessage":
		return SourceSMS, nil
	default:
		return 0, fmt.Errorf("unknown source %q", name)
	}
}

// Platform returns the canonical platform tag produced by the source.
func (s Source) Platform() model.Platform {
	switch s {
	case SourceWeChat:
		return model.PlatformWeChat
	case SourceSMS:
		return model.PlatformSMS
	default:
		return model.PlatformQQ
	}
}

// Identity is the operator's own identity, threaded explicitly into a decode run.
type Identity struct {
	Account string   // QQ number, phone number or wxid of the operator
	Name    string   // operator nickname used for the self participant
	Filter  string   // SMS: restrict to one correspondent (identifier or partial name)
	Chats   []string // WeChat: restrict to these chats (user names, hashes or name fragments)
}

// Record is one decoded message with its attachments still unresolved.
type Record struct {
	Message     model.Message
	Attachments []model.AttachmentRef
}

// Decoder turns one backup root into canonical records.
//
// Decode returns a forward-only sequence that cannot be restarted. Record-level
// failures are yielded as errors wrapping model.ErrRecordCorrupt and the sequence
// continues; an error wrapping model.ErrFormatMismatch is the last value yielded.
// Decoders never write to the backup root.
type Decoder interface {
	Source() Source
	Probe(root string) error
	Decode(ctx context.Context, root string) iter.Seq2[Record, error]
}

// IsFatal reports whether a yielded error ends the decode.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, model.ErrRecordCorrupt)
}

// Warning attaches the source locator to a record-level failure. The result
// always wraps model.ErrRecordCorrupt.
func Warning(locator string, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, model.ErrRecordCorrupt) {
		err = fmt.Errorf("%w: %w", model.ErrRecordCorrupt, err)
	}
	return fmt.Errorf("%s: %w", locator, err)
}

// Fail returns a sequence yielding only err.
func Fail(err error) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		yield(Record{}, err)
	}
}

package decoder

import (
	"errors"
	"testing"

	"github.com/MikeSquared-Agency/archivist/internal/model"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		in   string
		want Source
	}{
		{"qq", SourceQQ},
		{"QQ", SourceQQ},
		{"wc", SourceWeChat},
		{"wechat", SourceWeChat},
		{"sms", SourceSMS},
		{"imessage", SourceSMS},
	}
	for _, tt := range tests {
		got, err := ParseSource(tt.in)
		if err != nil {
			t.Fatalf("ParseSource(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseSource(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if _, err := ParseSource("telegram"); err == nil {
		t.Error("expected error for unknown source")
	}
}

func TestSourcePlatform(t *testing.T) {
	if SourceQQ.Platform() != model.PlatformQQ {
		t.Error("qq platform mismatch")
	}
	if SourceWeChat.Platform() != model.PlatformWeChat {
		t.Error("wechat platform mismatch")
	}
	if SourceSMS.Platform() != model.PlatformSMS {
		t.Error("sms platform mismatch")
	}
}

func TestIsFatal(t *testing.T) {
	if IsFatal(nil) {
		t.Error("nil is not fatal")
	}
	if IsFatal(model.RecordCorrupt("bad row")) {
		t.Error("corrupt record is not fatal")
	}
	if !IsFatal(model.FormatMismatch("not a backup")) {
		t.Error("format mismatch is fatal")
	}
	if !IsFatal(errors.New("boom")) {
		t.Error("unclassified errors are fatal")
	}
}

func TestFail(t *testing.T) {
	want := model.FormatMismatch("x")
	n := 0
	for _, err := range Fail(want) {
		n++
		if !errors.Is(err, model.ErrFormatMismatch) {
			t.Errorf("unexpected error %v", err)
		}
	}
	if n != 1 {
		t.Errorf("expected one value, got %d", n)
	}
}

func TestWarning(t *testing.T) {
	if Warning("x", nil) != nil {
		t.Error("nil error should stay nil")
	}

	plain := Warning("chat.mht row 4", errors.New("bad clock"))
	if !errors.Is(plain, model.ErrRecordCorrupt) || IsFatal(plain) {
		t.Errorf("plain error should become record-corrupt: %v", plain)
	}
	if got := plain.Error(); got != "chat.mht row 4: record corrupt: bad clock" {
		t.Errorf("unexpected message %q", got)
	}

	corrupt := Warning("sms.db", model.RecordCorrupt("no handle"))
	if !errors.Is(corrupt, model.ErrRecordCorrupt) {
		t.Errorf("corrupt error lost its class: %v", corrupt)
	}
}

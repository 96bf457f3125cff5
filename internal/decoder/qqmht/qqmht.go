// Package qqmht decodes chat logs exported by the PC QQ message manager, either
// as MIME web archives (.mht) or as plain HTML with images beside the file.
package qqmht

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/MikeSquared-Agency/archivist/internal/decoder"
	"github.com/MikeSquared-Agency/archivist/internal/model"
)

const sniffLen = 4096

var extensions = []string{".mht", ".mhtml", ".html", ".htm"}

// Decoder reads one export file or a directory of them. Each file holds one
// conversation.
type Decoder struct {
	identity decoder.Identity
	loc      *time.Location
	logger   *slog.Logger
}

// New returns a web-archive decoder. Wall-clock times in the export are read in loc.
func New(identity decoder.Identity, loc *time.Location, logger *slog.Logger) *Decoder {
	if loc == nil {
		loc = time.Local
	}
	return &Decoder{identity: identity, loc: loc, logger: logger.With("component", "qqmht")}
}

func (d *Decoder) Source() decoder.Source { return decoder.SourceQQ }

// Probe checks that root is an export file or a directory containing some.
func (d *Decoder) Probe(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return model.FormatMismatch("%s: %v", root, err)
	}
	if info.IsDir() {
		files, err := exportFiles(root)
		if err != nil {
			return model.FormatMismatch("%s: %v", root, err)
		}
		if len(files) == 0 {
			return model.FormatMismatch("%s: no .mht or .html exports found", root)
		}
		return nil
	}
	head, err := sniff(root)
	if err != nil {
		return model.FormatMismatch("%s: %v", root, err)
	}
	if !isMIME(head) && !isHTML(head) {
		return model.FormatMismatch("%s: neither a web archive nor an HTML page", root)
	}
	return nil
}

// Decode streams every conversation under root. In a directory, files that are not
// chat exports are skipped with a warning; the decode fails only if none is.
func (d *Decoder) Decode(ctx context.Context, root string) iter.Seq2[decoder.Record, error] {
	return func(yield func(decoder.Record, error) bool) {
		info, err := os.Stat(root)
		if err != nil {
			yield(decoder.Record{}, model.FormatMismatch("%s: %v", root, err))
			return
		}
		if !info.IsDir() {
			f, err := d.open(root)
			if err != nil {
				yield(decoder.Record{}, err)
				return
			}
			f.base = filepath.Dir(root)
			d.stream(ctx, f, yield)
			return
		}

		files, err := exportFiles(root)
		if err != nil {
			yield(decoder.Record{}, model.FormatMismatch("%s: %v", root, err))
			return
		}
		decoded := 0
		for _, name := range files {
			if err := ctx.Err(); err != nil {
				yield(decoder.Record{}, err)
				return
			}
			f, err := d.open(name)
			if err != nil {
				d.logger.Warn("skipping file", "path", name, "error", err)
				continue
			}
			f.base = root
			decoded++
			if !d.stream(ctx, f, yield) {
				return
			}
		}
		if decoded == 0 {
			yield(decoder.Record{}, model.FormatMismatch("%s: no chat exports among %d files", root, len(files)))
		}
	}
}

// exportFiles lists candidate files below dir in lexical order.
func exportFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.IsDir() && slices.Contains(extensions, strings.ToLower(filepath.Ext(p))) {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

func sniff(name string) ([]byte, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func isMIME(head []byte) bool {
	h := bytes.ToLower(head)
	return bytes.Contains(h, []byte("mime-version:")) || bytes.Contains(h, []byte("content-type:multipart")) ||
		bytes.Contains(h, []byte("content-type: multipart"))
}

func isHTML(head []byte) bool {
	h := bytes.ToLower(head)
	return bytes.Contains(h, []byte("<html")) || bytes.Contains(h, []byte("<table"))
}

// export is one parsed file ready to stream.
type export struct {
	path  string
	base  string // directory path locators are relative to
	rows  []row
	parts map[string]part
}

// open parses a whole export file. Any failure is a FormatMismatch for that file.
func (d *Decoder) open(name string) (*export, error) {
	head, err := sniff(name)
	if err != nil {
		return nil, model.FormatMismatch("%s: %v", name, err)
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, model.FormatMismatch("%s: %v", name, err)
	}
	defer f.Close()

	e := &export{path: name}
	var body io.Reader
	switch {
	case isMIME(head):
		a, err := parseMHT(bufio.NewReader(f))
		if err != nil {
			return nil, model.FormatMismatch("%s: %v", name, err)
		}
		body, e.parts = bytes.NewReader(a.html), a.parts
	case isHTML(head):
		r, err := charset.NewReader(f, "text/html")
		if err != nil {
			return nil, model.FormatMismatch("%s: %v", name, err)
		}
		body = r
	default:
		return nil, model.FormatMismatch("%s: neither a web archive nor an HTML page", name)
	}

	doc, err := html.Parse(body)
	if err != nil {
		return nil, model.FormatMismatch("%s: parse html: %v", name, err)
	}
	e.rows = collectRows(doc)
	if !slices.ContainsFunc(e.rows, func(r row) bool { return r.kind == rowDate || r.kind == rowTitle }) {
		return nil, model.FormatMismatch("%s: no chat message table", name)
	}
	return e, nil
}

// stream yields the records of one export and reports whether to continue.
func (d *Decoder) stream(ctx context.Context, e *export, yield func(decoder.Record, error) bool) bool {
	stem := strings.TrimSuffix(filepath.Base(e.path), filepath.Ext(e.path))
	conv := &model.Conversation{Platform: model.PlatformQQ, ID: stem, Kind: model.ConversationDirect, Title: stem}
	if d.identity.Account != "" || d.identity.Name != "" {
		conv.AddMember(*d.self("", ""))
	}
	relDir, _ := filepath.Rel(e.base, filepath.Dir(e.path))

	var (
		date   string
		sysSeq int // system rows seen on the current date
	)
	for i, r := range e.rows {
		if err := ctx.Err(); err != nil {
			yield(decoder.Record{}, err)
			return false
		}
		var (
			rec decoder.Record
			err error
		)
		switch r.kind {
		case rowGroup:
			if strings.Contains(r.value, "群") {
				conv.Kind = model.ConversationGroup
			}
			continue
		case rowTitle:
			name, id := splitSender(r.value)
			if id != "" {
				conv.ID, conv.Title = id, name
			}
			continue
		case rowDate:
			date, sysSeq = r.value, 0
			continue
		case rowText:
			if date == "" {
				continue
			}
			rec = d.system(conv, date, sysSeq, r)
			sysSeq++
		case rowMessage:
			rec, err = d.message(conv, date, relDir, e.parts, r)
			err = decoder.Warning(fmt.Sprintf("%s row %d", e.path, i), err)
		default:
			continue
		}
		if !yield(rec, err) {
			return false
		}
	}
	return true
}

// self builds the owner participant. The id printed in the export wins over the
// operator's hints so that outgoing dedup keys do not depend on which hints a
// run was given.
func (d *Decoder) self(name, id string) *model.Participant {
	p := &model.Participant{Platform: model.PlatformQQ, ID: id, DisplayName: d.identity.Name}
	if p.ID == "" {
		p.ID = d.identity.Account
	}
	if p.ID == "" {
		p.ID = d.identity.Name
	}
	if p.DisplayName == "" {
		p.DisplayName = name
	}
	return p
}

func (d *Decoder) isSelf(name, id string) bool {
	acct, nick := d.identity.Account, d.identity.Name
	return (acct != "" && (id == acct || name == acct)) || (nick != "" && name == nick)
}

func (d *Decoder) timestamp(date, clock string) (int64, error) {
	t, err := time.ParseInLocation("2006-1-2 15:04:05", date+" "+clock, d.loc)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func (d *Decoder) message(conv *model.Conversation, date, relDir string, parts map[string]part, r row) (decoder.Record, error) {
	if date == "" {
		return decoder.Record{}, model.RecordCorrupt("message from %q before any date row", r.sender)
	}
	ts, err := d.timestamp(date, r.clock)
	if err != nil {
		return decoder.Record{}, model.RecordCorrupt("message from %q: bad time %q: %v", r.sender, r.clock, err)
	}
	name, id := splitSender(r.sender)
	if id == "" {
		return decoder.Record{}, model.RecordCorrupt("message at %s %s has no sender", date, r.clock)
	}

	sender := &model.Participant{Platform: model.PlatformQQ, ID: id, DisplayName: name}
	if d.isSelf(name, id) {
		sender = d.self(name, id)
	}
	conv.AddMember(*sender)

	text, images := content(r.body)
	msg := model.Message{
		Platform:     model.PlatformQQ,
		Conversation: conv,
		Sender:       sender,
		Timestamp:    ts,
		Kind:         model.KindText,
		Text:         text,
	}
	switch {
	case len(images) > 0 && text == "":
		msg.Kind = model.KindImage
	case len(images) == 0 && text == "":
		msg.Kind = model.KindUnknown
	}

	rec := decoder.Record{Message: msg}
	for _, src := range images {
		rec.Attachments = append(rec.Attachments, imageRef(src, relDir, parts))
	}
	return rec, nil
}

// system turns an unlabelled row after the first date into a system message. The
// row carries no time of its own, so it is placed at the start of its day and
// identified by its position among that day's system rows.
func (d *Decoder) system(conv *model.Conversation, date string, seq int, r row) decoder.Record {
	ts, _ := d.timestamp(date, "00:00:00")
	return decoder.Record{Message: model.Message{
		Platform:     model.PlatformQQ,
		Conversation: conv,
		Sender:       model.SystemParticipant(model.PlatformQQ),
		NativeID:     fmt.Sprintf("system:%s#%d", date, seq),
		Timestamp:    ts,
		Kind:         model.KindSystem,
		Text:         r.value,
	}}
}

// imageRef points at an archive part when the archive carries the image, else at
// a file next to the export.
func imageRef(src, relDir string, parts map[string]part) model.AttachmentRef {
	name := baseName(src)
	ref := model.AttachmentRef{Kind: model.KindImage, Name: name, Status: model.AttachmentPending}
	if p, ok := parts[name]; ok {
		ref.MIME = p.mime
		ref.Locator = model.Locator{Kind: model.LocatorInline, Name: name, Inline: p.data}
		return ref
	}

	rel := strings.ReplaceAll(strings.TrimPrefix(src, "file:///"), "\\", "/")
	if path.IsAbs(rel) || filepath.VolumeName(rel) != "" || strings.Contains(rel, ":") {
		rel = name
	}
	ref.MIME = mime.TypeByExtension(strings.ToLower(path.Ext(name)))
	ref.Locator = model.Locator{Kind: model.LocatorPath, Name: name, Path: path.Join(filepath.ToSlash(relDir), rel)}
	return ref
}

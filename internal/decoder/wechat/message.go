package wechat

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/MikeSquared-Agency/archivist/internal/backup"
	"github.com/MikeSquared-Agency/archivist/internal/decoder"
	"github.com/MikeSquared-Agency/archivist/internal/model"
)

// Message type codes stored in Chat_<hash>.Type.
const (
	typeText         = 1
	typeImage        = 3
	typeVoice        = 34
	typeContactShare = 42
	typeVideo        = 43
	typeEmoji        = 47
	typeLocation     = 48
	typeApp          = 49
	typeVoipContent  = 50
	typeShortVideo   = 62
	typeVoipStatus   = 64
	typeWorkContact  = 66
	typeSystem       = 10000
	typeRevoke       = 10002
)

var placeholders = map[int64]string{
	typeEmoji:        "[emoji]",
	typeContactShare: "[contact]",
	typeWorkContact:  "[contact]",
	typeLocation:     "[location]",
	typeApp:          "[app]",
	typeVoipContent:  "[voip]",
	typeVoipStatus:   "[voip]",
}

var (
	senderPrefix = regexp.MustCompile(`^\s*([A-Za-z0-9_\-@.]+?)\s*:\s*\n`)
	fromAttr     = regexp.MustCompile(`fromusername\s*=\s*"(.*?)"`)
	fromCDATA    = regexp.MustCompile(`(?s)<fromusername><!\[CDATA\[(.*?)\]\]></fromusername>`)
	fromElem     = regexp.MustCompile(`(?s)<fromusername>(.*?)</fromusername>`)
)

var requiredColumns = []string{"MesLocalID", "CreateTime", "Message", "Type", "Des"}

type messageRow struct {
	localID    int64
	serverID   int64
	createTime int64
	message    string
	typ        int64
	inbound    bool
}

// chatRows streams one chat's rows from every message database holding it,
// merged by creation time, then local id. Each cursor is already ordered, so a
// chat held by a single database streams straight from its cursor.
type chatRows struct {
	table   string
	cursors []*chatCursor
	err     error
}

type chatCursor struct {
	file backup.File
	rs   *sql.Rows
	head messageRow
	ok   bool
}

// openChat opens a cursor per database. Tables missing a required column are
// skipped with a warning.
func (a *account) openChat(ctx context.Context, hash string, dbs []openDB, idx []int) (*chatRows, error) {
	cr := &chatRows{table: "Chat_" + hash}
	for _, i := range idx {
		db := dbs[i].db
		cols, err := backup.Columns(ctx, db, cr.table)
		if err != nil {
			cr.Close()
			return nil, err
		}
		if missing := missingColumns(cols); len(missing) > 0 {
			a.logger.Warn("chat table lacks required columns, skipping", "table", cr.table, "missing", missing)
			continue
		}
		svr := "0"
		if cols["MesSvrID"] {
			svr = "MesSvrID"
		}
		rs, err := db.QueryContext(ctx, fmt.Sprintf(
			"SELECT MesLocalID, %s, CreateTime, Message, Type, Des FROM %s ORDER BY CreateTime, MesLocalID", svr, cr.table))
		if err != nil {
			cr.Close()
			return nil, fmt.Errorf("%s in %s: %w", cr.table, dbs[i].file.String(), err)
		}
		c := &chatCursor{file: dbs[i].file, rs: rs}
		cr.cursors = append(cr.cursors, c)
		if err := c.advance(); err != nil {
			cr.Close()
			return nil, fmt.Errorf("%s in %s: %w", cr.table, c.file.String(), err)
		}
	}
	return cr, nil
}

// Next returns the earliest pending row. It reports false once every cursor
// is drained or a read failed; Err tells the two apart.
func (cr *chatRows) Next() (messageRow, bool) {
	if cr.err != nil {
		return messageRow{}, false
	}
	var next *chatCursor
	for _, c := range cr.cursors {
		if c.ok && (next == nil || before(c.head, next.head)) {
			next = c
		}
	}
	if next == nil {
		return messageRow{}, false
	}
	row := next.head
	if err := next.advance(); err != nil {
		cr.err = fmt.Errorf("%s in %s: %w", cr.table, next.file.String(), err)
	}
	return row, true
}

func (cr *chatRows) Err() error { return cr.err }

func (cr *chatRows) Close() {
	for _, c := range cr.cursors {
		c.rs.Close()
	}
}

// advance loads the cursor's next row into head.
func (c *chatCursor) advance() error {
	if c.ok = c.rs.Next(); !c.ok {
		return c.rs.Err()
	}
	var (
		svr     sql.NullInt64
		msg     sql.NullString
		typ     sql.NullInt64
		inbound sql.NullInt64
	)
	r := &c.head
	if err := c.rs.Scan(&r.localID, &svr, &r.createTime, &msg, &typ, &inbound); err != nil {
		c.ok = false
		return err
	}
	r.serverID, r.message, r.typ, r.inbound = svr.Int64, msg.String, typ.Int64, inbound.Int64 != 0
	return nil
}

// before orders rows by creation time, then local id. Ties keep database order.
func before(x, y messageRow) bool {
	if c := cmp.Compare(x.createTime, y.createTime); c != 0 {
		return c < 0
	}
	return x.localID < y.localID
}

func missingColumns(cols map[string]bool) []string {
	var missing []string
	for _, c := range requiredColumns {
		if !cols[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

// kindOf maps a type code to the canonical kind.
func kindOf(typ int64) model.Kind {
	switch typ {
	case typeText:
		return model.KindText
	case typeImage:
		return model.KindImage
	case typeVoice:
		return model.KindVoice
	case typeVideo, typeShortVideo:
		return model.KindVideo
	case typeSystem, typeRevoke:
		return model.KindSystem
	default:
		return model.KindUnknown
	}
}

func (a *account) record(bk *backup.Backup, conv *model.Conversation, c contact, row messageRow) (decoder.Record, error) {
	kind := kindOf(row.typ)
	msg := model.Message{
		Platform:     model.PlatformWeChat,
		Conversation: conv,
		Timestamp:    row.createTime * 1000,
		Kind:         kind,
		NativeID:     "local:" + strconv.FormatInt(row.localID, 10),
	}
	if row.serverID != 0 {
		msg.NativeID = strconv.FormatInt(row.serverID, 10)
	}

	content := row.message
	switch {
	case !row.inbound:
		msg.Sender = a.self()
		if id, rest, ok := splitSender(content); ok && id == a.wxid {
			content = rest
		}
	case !c.isGroup():
		msg.Sender = a.participant(c.userName)
	default:
		if id, rest, ok := splitSender(content); ok {
			msg.Sender, content = a.participant(id), rest
		} else if id := fromUser(content); id != "" {
			msg.Sender = a.participant(id)
		} else if kind == model.KindSystem {
			msg.Sender = model.SystemParticipant(model.PlatformWeChat)
		} else {
			return decoder.Record{}, model.RecordCorrupt("chat %s message %d: group message without sender", c.userName, row.localID)
		}
		if !msg.Sender.IsSystem() {
			conv.AddMember(*msg.Sender)
		}
	}

	switch kind {
	case model.KindText:
		msg.Text = strings.NewReplacer("\u2028", " ", "\u2029", " ").Replace(content)
	case model.KindSystem:
		msg.Text = content
	case model.KindUnknown:
		msg.Text = placeholders[row.typ]
	}

	rec := decoder.Record{Message: msg}
	rec.Attachments = mediaRef(bk, a.hash, userHash(c.userName), row.localID, kind)
	return rec, nil
}

// splitSender separates the "wxid:\n" prefix group messages carry.
func splitSender(content string) (id, rest string, ok bool) {
	m := senderPrefix.FindStringSubmatchIndex(content)
	if m == nil {
		return "", content, false
	}
	return content[m[2]:m[3]], content[m[1]:], true
}

// fromUser extracts the sender of XML payloads (emoji, app, voip, system).
func fromUser(content string) string {
	for _, re := range []*regexp.Regexp{fromAttr, fromCDATA, fromElem} {
		if m := re.FindStringSubmatch(content); m != nil && strings.TrimSpace(m[1]) != "" {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

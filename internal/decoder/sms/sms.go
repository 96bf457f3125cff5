// Package sms decodes SMS and iMessage history from the sms.db database of an
// iOS device backup.
package sms

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/MikeSquared-Agency/archivist/internal/backup"
	"github.com/MikeSquared-Agency/archivist/internal/decoder"
	"github.com/MikeSquared-Agency/archivist/internal/model"
)

const (
	homeDomain  = "HomeDomain"
	mediaDomain = "MediaDomain"
	dbPath      = "Library/SMS/sms.db"

	// appleEpoch is 2001-01-01T00:00:00Z in Unix seconds.
	appleEpoch = 978307200
	// Dates above this are nanoseconds (iOS 11+), below it seconds.
	nanosecondThreshold = 100_000_000_000

	// chat.style for group conversations.
	styleGroup = 43

	objectReplacement = "\ufffc"

	// spamTag marks messages the device filed as junk. They are imported like
	// any other message.
	spamTag = ";spam"
)

// Decoder reads sms.db out of a device backup.
type Decoder struct {
	identity decoder.Identity
	backups  *backup.Set
	logger   *slog.Logger
}

// New returns an SMS decoder. backups is shared with the attachment resolver.
func New(identity decoder.Identity, backups *backup.Set, logger *slog.Logger) *Decoder {
	return &Decoder{
		identity: identity,
		backups:  backups,
		logger:   logger.With("component", "sms"),
	}
}

func (d *Decoder) Source() decoder.Source { return decoder.SourceSMS }

// Probe checks that root is a device backup containing the messages database.
func (d *Decoder) Probe(root string) error {
	bk, err := d.backups.Open(context.Background(), root)
	if err != nil {
		return err
	}
	if _, ok := bk.Find(homeDomain, dbPath); !ok {
		return model.FormatMismatch("%s: backup has no %s", root, dbPath)
	}
	return nil
}

// capabilities records which optional schema features the database has.
type capabilities struct {
	message map[string]bool
	chat    map[string]bool
	handle  map[string]bool

	chatHandleJoin bool
	attachments    bool
}

func (c capabilities) col(cols map[string]bool, name, fallback string) string {
	if cols[name] {
		return name
	}
	return fallback
}

type handle struct {
	rowID           int64
	id              string
	uncanonicalized string
}

type chat struct {
	conv    *model.Conversation
	members []int64
}

type attachmentRow struct {
	filename string
	mime     string
	name     string
}

// Decode streams the messages of every chat, ordered by chat, date and row id.
func (d *Decoder) Decode(ctx context.Context, root string) iter.Seq2[decoder.Record, error] {
	return func(yield func(decoder.Record, error) bool) {
		bk, err := d.backups.Open(ctx, root)
		if err != nil {
			yield(decoder.Record{}, err)
			return
		}
		f, ok := bk.Find(homeDomain, dbPath)
		if !ok {
			yield(decoder.Record{}, model.FormatMismatch("%s: backup has no %s", root, dbPath))
			return
		}
		db, closeDB, err := bk.OpenDatabase(f)
		if err != nil {
			yield(decoder.Record{}, model.FormatMismatch("%s: opening %s: %v", root, dbPath, err))
			return
		}
		defer closeDB()

		r := &reader{d: d, db: db, bk: bk}
		if err := r.prepare(ctx); err != nil {
			yield(decoder.Record{}, err)
			return
		}
		r.stream(ctx, yield)
	}
}

type reader struct {
	d  *Decoder
	db *sql.DB
	bk *backup.Backup

	caps        capabilities
	handles     map[int64]handle
	matched     map[int64]bool
	chats       map[int64]*chat
	allowed     map[int64]bool
	attachments map[int64][]attachmentRow
}

func (r *reader) prepare(ctx context.Context) error {
	var err error
	for _, t := range []string{"message", "chat_message_join", "handle", "chat"} {
		ok, err := backup.HasTable(ctx, r.db, t)
		if err != nil {
			return model.FormatMismatch("%s: %v", dbPath, err)
		}
		if !ok {
			return model.FormatMismatch("%s: missing table %s", dbPath, t)
		}
	}
	if r.caps.message, err = backup.Columns(ctx, r.db, "message"); err != nil {
		return model.FormatMismatch("%s: %v", dbPath, err)
	}
	for _, c := range []string{"text", "handle_id", "date", "is_from_me"} {
		if !r.caps.message[c] {
			return model.FormatMismatch("%s: message table has no %s column", dbPath, c)
		}
	}
	if r.caps.chat, err = backup.Columns(ctx, r.db, "chat"); err != nil {
		return model.FormatMismatch("%s: %v", dbPath, err)
	}
	if r.caps.handle, err = backup.Columns(ctx, r.db, "handle"); err != nil {
		return model.FormatMismatch("%s: %v", dbPath, err)
	}
	r.caps.chatHandleJoin, _ = backup.HasTable(ctx, r.db, "chat_handle_join")
	hasJoin, _ := backup.HasTable(ctx, r.db, "message_attachment_join")
	hasAttachment, _ := backup.HasTable(ctx, r.db, "attachment")
	r.caps.attachments = hasJoin && hasAttachment

	if err := r.loadHandles(ctx); err != nil {
		return err
	}
	if err := r.loadChats(ctx); err != nil {
		return err
	}
	if r.caps.attachments {
		if err := r.loadAttachments(ctx); err != nil {
			return err
		}
	}

	if r.d.identity.Filter != "" {
		r.applyFilter()
	}
	return nil
}

func (r *reader) loadHandles(ctx context.Context) error {
	q := fmt.Sprintf("SELECT ROWID, id, %s FROM handle",
		r.caps.col(r.caps.handle, "uncanonicalized_id", "NULL"))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return model.FormatMismatch("%s: reading handles: %v", dbPath, err)
	}
	defer rows.Close()

	r.handles = map[int64]handle{}
	for rows.Next() {
		var (
			h     handle
			id    sql.NullString
			uncan sql.NullString
		)
		if err := rows.Scan(&h.rowID, &id, &uncan); err != nil {
			r.d.logger.Warn("skipping unreadable handle", "error", err)
			continue
		}
		h.id, h.uncanonicalized = id.String, uncan.String
		r.handles[h.rowID] = h
	}
	return rows.Err()
}

func (r *reader) loadChats(ctx context.Context) error {
	q := fmt.Sprintf("SELECT ROWID, %s, %s, %s FROM chat",
		r.caps.col(r.caps.chat, "chat_identifier", "NULL"),
		r.caps.col(r.caps.chat, "style", "0"),
		r.caps.col(r.caps.chat, "display_name", "NULL"))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return model.FormatMismatch("%s: reading chats: %v", dbPath, err)
	}
	defer rows.Close()

	r.chats = map[int64]*chat{}
	for rows.Next() {
		var (
			rowID int64
			ident sql.NullString
			style sql.NullInt64
			name  sql.NullString
		)
		if err := rows.Scan(&rowID, &ident, &style, &name); err != nil {
			r.d.logger.Warn("skipping unreadable chat", "error", err)
			continue
		}
		id := ident.String
		if id == "" {
			id = "chat:" + strconv.FormatInt(rowID, 10)
		}
		conv := &model.Conversation{Platform: model.PlatformSMS, ID: id, Kind: model.ConversationDirect, Title: name.String}
		if style.Int64 == styleGroup {
			conv.Kind = model.ConversationGroup
		}
		if conv.Title == "" {
			conv.Title = id
		}
		r.chats[rowID] = &chat{conv: conv}
	}
	if err := rows.Err(); err != nil {
		return model.FormatMismatch("%s: reading chats: %v", dbPath, err)
	}

	if !r.caps.chatHandleJoin {
		return nil
	}
	members, err := r.db.QueryContext(ctx, "SELECT chat_id, handle_id FROM chat_handle_join ORDER BY chat_id, handle_id")
	if err != nil {
		return model.FormatMismatch("%s: reading chat members: %v", dbPath, err)
	}
	defer members.Close()
	for members.Next() {
		var chatID, handleID int64
		if err := members.Scan(&chatID, &handleID); err != nil {
			continue
		}
		c, ok := r.chats[chatID]
		if !ok {
			continue
		}
		c.members = append(c.members, handleID)
		if h, ok := r.handles[handleID]; ok {
			c.conv.AddMember(model.Participant{Platform: model.PlatformSMS, ID: h.id, DisplayName: h.id})
		}
		if len(c.members) > 1 {
			c.conv.Kind = model.ConversationGroup
		}
	}
	return members.Err()
}

func (r *reader) loadAttachments(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT j.message_id, a.filename, a.mime_type, a.transfer_name
		FROM message_attachment_join j
		JOIN attachment a ON a.ROWID = j.attachment_id
		ORDER BY j.message_id, a.ROWID`)
	if err != nil {
		r.d.logger.Warn("attachment table unreadable, attachments skipped", "error", err)
		r.caps.attachments = false
		return nil
	}
	defer rows.Close()

	r.attachments = map[int64][]attachmentRow{}
	for rows.Next() {
		var (
			msgID          int64
			file, mime, nm sql.NullString
		)
		if err := rows.Scan(&msgID, &file, &mime, &nm); err != nil {
			r.d.logger.Warn("skipping unreadable attachment row", "error", err)
			continue
		}
		if file.String == "" {
			continue
		}
		r.attachments[msgID] = append(r.attachments[msgID], attachmentRow{filename: file.String, mime: mime.String, name: nm.String})
	}
	return rows.Err()
}

// applyFilter resolves Identity.Filter to handles and the chats they belong to.
func (r *reader) applyFilter() {
	filter := strings.ToLower(strings.TrimSpace(r.d.identity.Filter))
	r.matched = map[int64]bool{}
	for id, h := range r.handles {
		if matchesHandle(filter, h) {
			r.matched[id] = true
		}
	}
	r.allowed = map[int64]bool{}
	for id, c := range r.chats {
		for _, m := range c.members {
			if r.matched[m] {
				r.allowed[id] = true
				break
			}
		}
	}
	if len(r.matched) == 0 {
		r.d.logger.Warn("no handle matches filter", "filter", r.d.identity.Filter)
	}
}

func matchesHandle(filter string, h handle) bool {
	for _, v := range []string{h.id, h.uncanonicalized} {
		v = strings.ToLower(v)
		if v == "" {
			continue
		}
		if v == filter || strings.Contains(v, filter) {
			return true
		}
		if d := digits(filter); d != "" && len(d) >= 4 && strings.Contains(digits(v), d) {
			return true
		}
	}
	return false
}

func digits(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

type messageRow struct {
	chatID     int64
	rowID      int64
	guid       sql.NullString
	text       sql.NullString
	handleID   sql.NullInt64
	service    sql.NullString
	date       sql.NullInt64
	isFromMe   sql.NullBool
	callerID   sql.NullString
	isSpam     sql.NullBool
	itemType   sql.NullInt64
	attributed []byte
}

func (r *reader) stream(ctx context.Context, yield func(decoder.Record, error) bool) {
	col := func(name, fallback string) string {
		if r.caps.message[name] {
			return "m." + name
		}
		return fallback
	}
	q := fmt.Sprintf(`
		SELECT cmj.chat_id, m.ROWID, %s, m.text, m.handle_id, %s, m.date, m.is_from_me, %s, %s, %s, %s
		FROM chat_message_join cmj
		JOIN message m ON m.ROWID = cmj.message_id
		ORDER BY cmj.chat_id, m.date, m.ROWID`,
		col("guid", "NULL"),
		col("service", "NULL"),
		col("destination_caller_id", "NULL"),
		col("is_spam", "0"),
		col("item_type", "0"),
		col("attributedBody", "NULL"),
	)

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		yield(decoder.Record{}, model.FormatMismatch("%s: querying messages: %v", dbPath, err))
		return
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			yield(decoder.Record{}, err)
			return
		}
		var row messageRow
		if err := rows.Scan(&row.chatID, &row.rowID, &row.guid, &row.text, &row.handleID, &row.service,
			&row.date, &row.isFromMe, &row.callerID, &row.isSpam, &row.itemType, &row.attributed); err != nil {
			if !yield(decoder.Record{}, decoder.Warning(dbPath, fmt.Errorf("scan message row: %w", err))) {
				return
			}
			continue
		}
		if r.allowed != nil && !r.allowed[row.chatID] && !r.matched[row.handleID.Int64] {
			continue
		}

		rec, err := r.record(row)
		if !yield(rec, err) {
			return
		}
	}
	if err := rows.Err(); err != nil {
		yield(decoder.Record{}, model.FormatMismatch("%s: reading messages: %v", dbPath, err))
	}
}

func (r *reader) record(row messageRow) (decoder.Record, error) {
	c, ok := r.chats[row.chatID]
	if !ok {
		return decoder.Record{}, model.RecordCorrupt("message %d references unknown chat %d", row.rowID, row.chatID)
	}

	msg := model.Message{
		Platform:     model.PlatformSMS,
		Conversation: c.conv,
		Timestamp:    appleTimestamp(row.date.Int64),
		Kind:         model.KindText,
		Service:      row.service.String,
		NativeID:     row.guid.String,
	}
	if msg.NativeID == "" {
		msg.NativeID = "rowid:" + strconv.FormatInt(row.rowID, 10)
	}
	if row.isSpam.Bool {
		msg.Service += spamTag
	}

	switch {
	case row.isFromMe.Bool:
		msg.Sender = r.self(row.callerID.String)
	case row.handleID.Int64 != 0:
		h, ok := r.handles[row.handleID.Int64]
		if !ok || h.id == "" {
			return decoder.Record{}, model.RecordCorrupt("message %d references unknown handle %d", row.rowID, row.handleID.Int64)
		}
		msg.Sender = &model.Participant{Platform: model.PlatformSMS, ID: h.id, DisplayName: h.id}
	default:
		msg.Sender = model.SystemParticipant(model.PlatformSMS)
	}

	text := row.text.String
	if text == "" && len(row.attributed) > 0 {
		text = textFromAttributedBody(row.attributed)
	}
	msg.Text = strings.TrimSpace(strings.ReplaceAll(text, objectReplacement, ""))

	if row.itemType.Int64 != 0 {
		msg.Kind = model.KindSystem
	}

	rec := decoder.Record{Message: msg}
	for _, a := range r.attachments[row.rowID] {
		rec.Attachments = append(rec.Attachments, r.attachmentRef(a))
	}
	if msg.Kind == model.KindText && msg.Text == "" && len(rec.Attachments) > 0 {
		rec.Message.Kind = rec.Attachments[0].Kind
	}
	return rec, nil
}

func (r *reader) self(callerID string) *model.Participant {
	id := callerID
	if id == "" {
		id = r.d.identity.Account
	}
	if id == "" {
		id = "self"
	}
	name := r.d.identity.Name
	if name == "" {
		name = id
	}
	return &model.Participant{Platform: model.PlatformSMS, ID: id, DisplayName: name}
}

// attachmentRef maps an on-device path such as ~/Library/SMS/Attachments/.. to
// its manifest entry.
func (r *reader) attachmentRef(a attachmentRow) model.AttachmentRef {
	rel := a.filename
	for _, prefix := range []string{"~/", "/var/mobile/", "/private/var/mobile/"} {
		if strings.HasPrefix(rel, prefix) {
			rel = strings.TrimPrefix(rel, prefix)
			break
		}
	}
	domain := mediaDomain
	if _, ok := r.bk.Find(mediaDomain, rel); !ok {
		if _, ok := r.bk.Find(homeDomain, rel); ok {
			domain = homeDomain
		}
	}

	name := a.name
	if name == "" {
		name = path.Base(rel)
	}
	kind := model.KindFromMIME(a.mime)
	return model.AttachmentRef{
		Kind:    kind,
		Name:    name,
		MIME:    a.mime,
		Status:  model.AttachmentPending,
		Locator: model.Locator{Kind: model.LocatorManifest, Name: name, Domain: domain, RelativePath: rel},
	}
}

// appleTimestamp converts a message.date value to Unix milliseconds.
func appleTimestamp(date int64) int64 {
	if date > nanosecondThreshold || date < -nanosecondThreshold {
		return appleEpoch*1000 + date/1_000_000
	}
	return (appleEpoch + date) * 1000
}

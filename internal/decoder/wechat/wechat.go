// Package wechat decodes WeChat chat history from the app container of an iOS
// device backup.
package wechat

import (
	"cmp"
	"context"
	"database/sql"
	"iter"
	"log/slog"
	"path"
	"regexp"
	"slices"
	"strconv"

	"github.com/MikeSquared-Agency/archivist/internal/backup"
	"github.com/MikeSquared-Agency/archivist/internal/decoder"
	"github.com/MikeSquared-Agency/archivist/internal/model"
)

const domain = "AppDomain-com.tencent.xin"

var (
	accountDB   = regexp.MustCompile(`^Documents/([0-9a-f]{32})/DB/(WCDB_Contact\.sqlite|MM\.sqlite|message_\d+\.sqlite)$`)
	chatTable   = regexp.MustCompile(`^Chat_([0-9a-f]{32})$`)
	emptyMD5    = userHash("")
	settingName = "mmsetting.archive"
)

// Decoder reads every WeChat account found in a device backup.
type Decoder struct {
	identity decoder.Identity
	backups  *backup.Set
	logger   *slog.Logger
}

// New returns a WeChat decoder. identity.Chats restricts the chats imported.
func New(identity decoder.Identity, backups *backup.Set, logger *slog.Logger) *Decoder {
	return &Decoder{identity: identity, backups: backups, logger: logger.With("component", "wechat")}
}

func (d *Decoder) Source() decoder.Source { return decoder.SourceWeChat }

// Probe checks that root is a device backup holding at least one WeChat account.
func (d *Decoder) Probe(root string) error {
	bk, err := d.backups.Open(context.Background(), root)
	if err != nil {
		return err
	}
	if len(d.discover(bk)) == 0 {
		return model.FormatMismatch("%s: no WeChat account databases in backup", root)
	}
	return nil
}

// account groups the databases of one logged-in user, keyed by md5(wxid).
type account struct {
	hash       string
	contactDB  backup.File
	hasContact bool
	messageDBs []backup.File

	wxid     string
	name     string
	contacts map[string]contact
	logger   *slog.Logger
}

func (d *Decoder) discover(bk *backup.Backup) []*account {
	byHash := map[string]*account{}
	for _, f := range bk.Match(domain, accountDB) {
		m := accountDB.FindStringSubmatch(f.RelativePath)
		hash := m[1]
		if hash == emptyMD5 {
			continue
		}
		a, ok := byHash[hash]
		if !ok {
			a = &account{hash: hash, logger: d.logger.With("account", hash)}
			byHash[hash] = a
		}
		if m[2] == "WCDB_Contact.sqlite" {
			a.contactDB, a.hasContact = f, true
		} else {
			a.messageDBs = append(a.messageDBs, f)
		}
	}

	var out []*account
	for _, a := range byHash {
		if !a.hasContact || len(a.messageDBs) == 0 {
			d.logger.Warn("incomplete account databases, skipping", "account", a.hash)
			continue
		}
		if d.identity.Account != "" && a.hash != userHash(d.identity.Account) && a.hash != d.identity.Account {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(x, y *account) int { return cmp.Compare(x.hash, y.hash) })
	return out
}

// loadSettings reads the account's own wxid and nickname from mmsetting.archive.
func (d *Decoder) loadSettings(bk *backup.Backup, a *account) {
	f, ok := bk.Find(domain, path.Join("Documents", a.hash, settingName))
	if ok {
		data, err := bk.ReadFile(f)
		if err != nil {
			a.logger.Warn("account settings unreadable", "error", err)
		} else if objs, err := backup.ArchivedObjects(data); err != nil {
			a.logger.Warn("account settings not decodable", "error", err)
		} else if len(objs) > 3 {
			a.wxid, _ = objs[2].(string)
			a.name, _ = objs[3].(string)
		}
	}
	if a.wxid == "" {
		a.wxid = d.identity.Account
	}
	if a.wxid == "" {
		a.wxid = "account:" + a.hash
	}
	if a.name == "" {
		a.name = d.identity.Name
	}
	if a.name == "" {
		a.name = a.wxid
	}
}

// Decode streams every selected chat of every account, each chat in time order.
func (d *Decoder) Decode(ctx context.Context, root string) iter.Seq2[decoder.Record, error] {
	return func(yield func(decoder.Record, error) bool) {
		bk, err := d.backups.Open(ctx, root)
		if err != nil {
			yield(decoder.Record{}, err)
			return
		}
		accounts := d.discover(bk)
		if len(accounts) == 0 {
			yield(decoder.Record{}, model.FormatMismatch("%s: no WeChat account databases in backup", root))
			return
		}
		for _, a := range accounts {
			if !d.decodeAccount(ctx, bk, a, yield) {
				return
			}
		}
	}
}

type openDB struct {
	file backup.File
	db   *sql.DB
}

// decodeAccount returns false when the consumer stopped or decoding must end.
func (d *Decoder) decodeAccount(ctx context.Context, bk *backup.Backup, a *account, yield func(decoder.Record, error) bool) bool {
	d.loadSettings(bk, a)

	cdb, closeContacts, err := bk.OpenDatabase(a.contactDB)
	if err != nil {
		a.logger.Warn("contact database unavailable, skipping account", "error", err)
		return true
	}
	err = a.loadContacts(ctx, cdb)
	closeContacts()
	if err != nil {
		a.logger.Warn("contacts unreadable, skipping account", "error", err)
		return true
	}

	var dbs []openDB
	defer func() {
		for _, o := range dbs {
			o.db.Close()
		}
	}()
	var cleanups []func()
	defer func() {
		for _, c := range cleanups {
			c()
		}
	}()

	chats := map[string][]int{}
	for _, f := range a.messageDBs {
		p, cleanup, err := bk.Materialize(f)
		if err != nil {
			a.logger.Warn("message database unavailable, skipping", "file", f.String(), "error", err)
			continue
		}
		cleanups = append(cleanups, cleanup)
		db, err := backup.OpenDatabase(p)
		if err != nil {
			a.logger.Warn("message database unreadable, skipping", "file", f.String(), "error", err)
			continue
		}
		tables, err := backup.Tables(ctx, db, "Chat_%")
		if err != nil {
			a.logger.Warn("listing chat tables failed", "file", f.String(), "error", err)
			db.Close()
			continue
		}
		dbs = append(dbs, openDB{file: f, db: db})
		for _, t := range tables {
			if m := chatTable.FindStringSubmatch(t); m != nil {
				chats[m[1]] = append(chats[m[1]], len(dbs)-1)
			}
		}
	}

	for _, hash := range a.selectChats(chats, d.identity.Chats) {
		c := a.contacts[hash]
		rows, err := a.openChat(ctx, hash, dbs, chats[hash])
		if err != nil {
			a.logger.Warn("chat unreadable, skipping", "chat", c.userName, "error", err)
			continue
		}
		a.logger.Debug("decoding chat", "chat", c.userName, "databases", len(chats[hash]))

		if !a.streamChat(ctx, bk, c, rows, yield) {
			return false
		}
	}
	return true
}

// streamChat yields one chat's records and closes its cursors. A read failure
// part way through ends the chat with a warning.
func (a *account) streamChat(ctx context.Context, bk *backup.Backup, c contact, rows *chatRows, yield func(decoder.Record, error) bool) bool {
	defer rows.Close()
	conv := a.conversation(c)
	for {
		row, ok := rows.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			yield(decoder.Record{}, err)
			return false
		}
		rec, err := a.record(bk, conv, c, row)
		if !yield(rec, err) {
			return false
		}
	}
	if err := rows.Err(); err != nil {
		a.logger.Warn("chat read interrupted", "chat", c.userName, "error", err)
	}
	return true
}

// selectChats returns chat hashes in user-name order, applying the chat filter.
// Chat tables without a contact row are skipped since their user name is unknown.
func (a *account) selectChats(chats map[string][]int, filters []string) []string {
	var out []string
	for hash := range chats {
		c, ok := a.contacts[hash]
		if !ok {
			a.logger.Warn("chat table has no contact, skipping", "hash", hash)
			continue
		}
		if len(filters) > 0 && !slices.ContainsFunc(filters, func(f string) bool { return matchesChat(f, c) }) {
			continue
		}
		out = append(out, hash)
	}
	slices.SortFunc(out, func(x, y string) int {
		return cmp.Compare(a.contacts[x].userName, a.contacts[y].userName)
	})
	return out
}

func (a *account) self() *model.Participant {
	return &model.Participant{Platform: model.PlatformWeChat, ID: a.wxid, DisplayName: a.name}
}

func (a *account) participant(userName string) *model.Participant {
	p := &model.Participant{Platform: model.PlatformWeChat, ID: userName, DisplayName: userName}
	if userName == a.wxid {
		return a.self()
	}
	if c, ok := a.contacts[userHash(userName)]; ok {
		p.DisplayName = c.display()
	}
	return p
}

func (a *account) conversation(c contact) *model.Conversation {
	conv := &model.Conversation{
		Platform: model.PlatformWeChat,
		ID:       c.userName,
		Kind:     model.ConversationDirect,
		Title:    c.display(),
	}
	conv.AddMember(*a.self())
	if c.isGroup() {
		conv.Kind = model.ConversationGroup
	} else {
		conv.AddMember(*a.participant(c.userName))
	}
	return conv
}

// mediaRef builds manifest references for the variants of a media file that are
// present in the backup, falling back to the primary variant.
func mediaRef(bk *backup.Backup, acct, chatHash string, localID int64, kind model.Kind) []model.AttachmentRef {
	var (
		dir      string
		variants []string
		mime     string
	)
	switch kind {
	case model.KindImage:
		dir, variants, mime = "Img", []string{"pic_hd", "pic"}, "image/jpeg"
	case model.KindVoice:
		dir, variants, mime = "Audio", []string{"aud"}, "audio/amr"
	case model.KindVideo:
		dir, variants, mime = "Video", []string{"mp4"}, "video/mp4"
	default:
		return nil
	}

	base := path.Join("Documents", acct, dir, chatHash, strconv.FormatInt(localID, 10))
	ref := func(ext string) model.AttachmentRef {
		rel := base + "." + ext
		return model.AttachmentRef{
			Kind:    kind,
			Name:    path.Base(rel),
			MIME:    mime,
			Status:  model.AttachmentPending,
			Locator: model.Locator{Kind: model.LocatorManifest, Name: path.Base(rel), Domain: domain, RelativePath: rel},
		}
	}

	var refs []model.AttachmentRef
	for _, ext := range variants {
		if _, ok := bk.Find(domain, base+"."+ext); ok {
			refs = append(refs, ref(ext))
		}
	}
	if len(refs) == 0 {
		if _, ok := bk.Find(domain, base+".pic_thum"); ok && kind == model.KindImage {
			return []model.AttachmentRef{ref("pic_thum")}
		}
		refs = append(refs, ref(variants[len(variants)-1]))
	}
	return refs
}

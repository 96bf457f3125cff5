package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/archivist/internal/model"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS participants (
		platform     TEXT NOT NULL,
		id           TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (platform, id)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		platform TEXT NOT NULL,
		id       TEXT NOT NULL,
		kind     TEXT NOT NULL CHECK (kind IN ('direct', 'group')),
		title    TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (platform, id)
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_members (
		platform        TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		participant_id  TEXT NOT NULL,
		PRIMARY KEY (platform, conversation_id, participant_id),
		FOREIGN KEY (platform, conversation_id) REFERENCES conversations (platform, id),
		FOREIGN KEY (platform, participant_id) REFERENCES participants (platform, id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              UUID PRIMARY KEY,
		dedup_key       TEXT NOT NULL UNIQUE,
		platform        TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		sender_id       TEXT NOT NULL,
		native_id       TEXT NOT NULL DEFAULT '',
		ts              BIGINT NOT NULL,
		kind            TEXT NOT NULL,
		text            TEXT NOT NULL DEFAULT '',
		service         TEXT NOT NULL DEFAULT '',
		imported_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		FOREIGN KEY (platform, conversation_id) REFERENCES conversations (platform, id),
		FOREIGN KEY (platform, sender_id) REFERENCES participants (platform, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (platform, conversation_id, ts)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		content_hash TEXT PRIMARY KEY,
		size         BIGINT NOT NULL CHECK (size > 0),
		mime         TEXT NOT NULL DEFAULT '',
		data         BYTEA NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS message_attachments (
		message_id   UUID NOT NULL REFERENCES messages (id),
		ordinal      INT NOT NULL,
		kind         TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		mime         TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL CHECK (status IN ('resolved', 'unresolved')),
		locator      TEXT NOT NULL,
		content_hash TEXT REFERENCES attachments (content_hash),
		PRIMARY KEY (message_id, ordinal)
	)`,
	`CREATE TABLE IF NOT EXISTS message_search (
		message_id UUID PRIMARY KEY REFERENCES messages (id),
		body       TEXT NOT NULL,
		tsv        TSVECTOR NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_search_tsv ON message_search USING GIN (tsv)`,
}

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and applies the schema.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, model.StorageUnavailable("connect to database", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, model.StorageUnavailable("ping database", err)
	}
	s := &Postgres{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return model.StorageUnavailable(fmt.Sprintf("migration %d", i), err)
		}
	}
	return nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) LookupByDedupKey(ctx context.Context, key string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM messages WHERE dedup_key = $1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, model.StorageUnavailable("lookup dedup key", err)
	}
	return id, true, nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Postgres) LookupOrInsertAttachment(ctx context.Context, a model.Attachment) (bool, error) {
	if len(a.Data) == 0 {
		return false, model.RecordCorrupt("attachment %s is empty", a.ContentHash)
	}
	created, err := insertAttachment(ctx, s.pool, a)
	if err != nil {
		return false, model.StorageUnavailable("insert attachment", err)
	}
	return created, nil
}

func insertAttachment(ctx context.Context, q execer, a model.Attachment) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO attachments (content_hash, size, mime, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (content_hash) DO NOTHING`,
		a.ContentHash, a.Size, a.MIME, a.Data,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// InsertBatch commits the batch in one transaction; any failure rolls back every
// row of the batch.
func (s *Postgres) InsertBatch(ctx context.Context, msgs []model.Message, atts []model.Attachment) (BatchResult, error) {
	var res BatchResult

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, model.StorageUnavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	for _, a := range atts {
		if len(a.Data) == 0 {
			return BatchResult{}, model.RecordCorrupt("attachment %s is empty", a.ContentHash)
		}
		created, err := insertAttachment(ctx, tx, a)
		if err != nil {
			return BatchResult{}, model.StorageUnavailable("insert attachment", err)
		}
		if created {
			res.NewAttachments++
		}
	}

	for _, m := range msgs {
		if err := upsertConversation(ctx, tx, m); err != nil {
			return BatchResult{}, model.StorageUnavailable("upsert conversation", err)
		}

		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO messages (id, dedup_key, platform, conversation_id, sender_id, native_id, ts, kind, text, service)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (dedup_key) DO NOTHING
			RETURNING id`,
			m.ID, m.DedupKey, m.Platform, m.Conversation.ID, m.Sender.ID, m.NativeID, m.Timestamp, m.Kind, m.Text, m.Service,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			res.Duplicates++
			continue
		}
		if err != nil {
			return BatchResult{}, model.StorageUnavailable("insert message", err)
		}

		for i, ref := range m.Attachments {
			var hash *string
			if ref.Status == model.AttachmentResolved {
				hash = &ref.ContentHash
			}
			status := ref.Status
			if status != model.AttachmentResolved {
				status = model.AttachmentUnresolved
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO message_attachments (message_id, ordinal, kind, name, mime, status, locator, content_hash)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				id, i, ref.Kind, ref.Name, ref.MIME, status, ref.Locator.String(), hash,
			)
			if err != nil {
				return BatchResult{}, model.StorageUnavailable("insert message attachment", err)
			}
		}
		res.Inserted = append(res.Inserted, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, model.StorageUnavailable("commit", err)
	}
	return res, nil
}

// upsertConversation writes the conversation, its sender and its members. Display
// names and titles are refreshed when the source supplies one; members only grow.
func upsertConversation(ctx context.Context, tx pgx.Tx, m model.Message) error {
	c := m.Conversation
	_, err := tx.Exec(ctx, `
		INSERT INTO conversations (platform, id, kind, title)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (platform, id)
		DO UPDATE SET title = COALESCE(NULLIF(EXCLUDED.title, ''), conversations.title)`,
		c.Platform, c.ID, c.Kind, c.Title,
	)
	if err != nil {
		return err
	}

	people := append([]model.Participant{*m.Sender}, c.Members...)
	for _, p := range people {
		_, err := tx.Exec(ctx, `
			INSERT INTO participants (platform, id, display_name)
			VALUES ($1, $2, $3)
			ON CONFLICT (platform, id)
			DO UPDATE SET display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), participants.display_name)`,
			p.Platform, p.ID, p.DisplayName,
		)
		if err != nil {
			return err
		}
		if p.IsSystem() {
			continue
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_members (platform, conversation_id, participant_id)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
			c.Platform, c.ID, p.ID,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) IndexText(ctx context.Context, id uuid.UUID, text string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_search (message_id, body, tsv)
		VALUES ($1, $2, to_tsvector('simple', $2))
		ON CONFLICT (message_id)
		DO UPDATE SET body = EXCLUDED.body, tsv = EXCLUDED.tsv`,
		id, text,
	)
	if err != nil {
		return fmt.Errorf("index text: %w", err)
	}
	return nil
}

// Search matches the full-text index and, for scripts the simple parser does not
// split into words, a substring of the body.
func (s *Postgres) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.platform, m.conversation_id, m.sender_id, m.ts, m.kind, s.body,
		       ts_rank(s.tsv, plainto_tsquery('simple', $1)) AS rank
		FROM message_search s
		JOIN messages m ON m.id = s.message_id
		WHERE s.tsv @@ plainto_tsquery('simple', $1)
		   OR s.body ILIKE '%' || $1 || '%'
		ORDER BY rank DESC, m.ts DESC
		LIMIT $2`,
		query, limit,
	)
	if err != nil {
		return nil, model.StorageUnavailable("search", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Platform, &h.ConversationID, &h.SenderID, &h.Timestamp, &h.Kind, &h.Text, &h.Rank); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *Postgres) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByPlatform: map[string]int64{}}
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT count(*) FROM messages),
		       (SELECT count(*) FROM conversations),
		       (SELECT count(*) FROM participants),
		       (SELECT count(*) FROM attachments)`,
	).Scan(&st.Messages, &st.Conversations, &st.Participants, &st.Attachments)
	if err != nil {
		return st, model.StorageUnavailable("stats", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT platform, count(*) FROM messages GROUP BY platform`)
	if err != nil {
		return st, model.StorageUnavailable("stats by platform", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			platform string
			n        int64
		)
		if err := rows.Scan(&platform, &n); err != nil {
			return st, fmt.Errorf("scan platform count: %w", err)
		}
		st.ByPlatform[platform] = n
	}
	return st, rows.Err()
}

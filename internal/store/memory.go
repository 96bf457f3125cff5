package store

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/archivist/internal/model"
)

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	// FailInsert, when set, is consulted before every InsertBatch with the
	// 1-based call number; a non-nil error aborts that batch.
	FailInsert func(call int) error
	// FailIndex, when set, makes IndexText return its result.
	FailIndex func(id uuid.UUID) error

	mu            sync.Mutex
	calls         int
	messages      map[uuid.UUID]model.Message
	byKey         map[string]uuid.UUID
	order         []uuid.UUID
	attachments   map[string]model.Attachment
	participants  map[string]model.Participant
	conversations map[string]*model.Conversation
	index         map[uuid.UUID]string
}

func NewMemory() *Memory {
	return &Memory{
		messages:      map[uuid.UUID]model.Message{},
		byKey:         map[string]uuid.UUID{},
		attachments:   map[string]model.Attachment{},
		participants:  map[string]model.Participant{},
		conversations: map[string]*model.Conversation{},
		index:         map[uuid.UUID]string{},
	}
}

func (m *Memory) Close() {}

func (m *Memory) LookupByDedupKey(_ context.Context, key string) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	return id, ok, nil
}

func (m *Memory) LookupOrInsertAttachment(_ context.Context, a model.Attachment) (bool, error) {
	if len(a.Data) == 0 {
		return false, model.RecordCorrupt("attachment %s is empty", a.ContentHash)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attachments[a.ContentHash]; ok {
		return false, nil
	}
	m.attachments[a.ContentHash] = a
	return true, nil
}

// InsertBatch validates the whole batch before applying any of it so a failure
// leaves the store untouched.
func (m *Memory) InsertBatch(_ context.Context, msgs []model.Message, atts []model.Attachment) (BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.FailInsert != nil {
		if err := m.FailInsert(m.calls); err != nil {
			return BatchResult{}, model.StorageUnavailable("insert batch", err)
		}
	}
	for _, a := range atts {
		if len(a.Data) == 0 {
			return BatchResult{}, model.RecordCorrupt("attachment %s is empty", a.ContentHash)
		}
	}
	for _, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return BatchResult{}, err
		}
	}

	var res BatchResult
	for _, a := range atts {
		if _, ok := m.attachments[a.ContentHash]; !ok {
			m.attachments[a.ContentHash] = a
			res.NewAttachments++
		}
	}
	for _, msg := range msgs {
		if _, ok := m.byKey[msg.DedupKey]; ok {
			res.Duplicates++
			continue
		}
		m.upsert(msg)
		m.messages[msg.ID] = msg
		m.byKey[msg.DedupKey] = msg.ID
		m.order = append(m.order, msg.ID)
		res.Inserted = append(res.Inserted, msg.ID)
	}
	return res, nil
}

func (m *Memory) upsert(msg model.Message) {
	people := append([]model.Participant{*msg.Sender}, msg.Conversation.Members...)
	for _, p := range people {
		if prev, ok := m.participants[p.Key()]; ok && p.DisplayName == "" {
			p.DisplayName = prev.DisplayName
		}
		m.participants[p.Key()] = p
	}

	c, ok := m.conversations[msg.Conversation.Key()]
	if !ok {
		c = &model.Conversation{Platform: msg.Conversation.Platform, ID: msg.Conversation.ID, Kind: msg.Conversation.Kind}
		m.conversations[c.Key()] = c
	}
	if msg.Conversation.Title != "" {
		c.Title = msg.Conversation.Title
	}
	for _, p := range people {
		if !p.IsSystem() {
			c.AddMember(p)
		}
	}
}

func (m *Memory) IndexText(_ context.Context, id uuid.UUID, text string) error {
	if m.FailIndex != nil {
		if err := m.FailIndex(id); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index[id] = text
	return nil
}

// Messages returns the stored messages in insertion order.
func (m *Memory) Messages() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Message, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.messages[id])
	}
	return out
}

// Conversation returns the stored conversation with its accumulated members.
func (m *Memory) Conversation(platform model.Platform, id string) (model.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[string(platform)+"|"+id]
	if !ok {
		return model.Conversation{}, false
	}
	out := *c
	out.Members = slices.Clone(c.Members)
	return out, true
}

// Indexed returns the text indexed for id.
func (m *Memory) Indexed(id uuid.UUID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.index[id]
	return text, ok
}

// Search does a case-insensitive substring match over indexed text.
func (m *Memory) Search(_ context.Context, query string, limit int) ([]Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(query)
	var hits []Hit
	for id, text := range m.index {
		if !strings.Contains(strings.ToLower(text), q) {
			continue
		}
		msg := m.messages[id]
		hits = append(hits, Hit{
			ID:             id,
			Platform:       msg.Platform,
			ConversationID: msg.Conversation.ID,
			SenderID:       msg.Sender.ID,
			Timestamp:      msg.Timestamp,
			Kind:           msg.Kind,
			Text:           text,
			Rank:           1,
		})
	}
	slices.SortFunc(hits, func(a, b Hit) int { return cmp.Compare(b.Timestamp, a.Timestamp) })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Messages:      int64(len(m.messages)),
		Conversations: int64(len(m.conversations)),
		Participants:  int64(len(m.participants)),
		Attachments:   int64(len(m.attachments)),
		ByPlatform:    map[string]int64{},
	}
	for _, msg := range m.messages {
		st.ByPlatform[string(msg.Platform)]++
	}
	return st, nil
}

// Package importer drives decoded records through attachment resolution,
// deduplication and batched commits to the store.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/archivist/internal/decoder"
	"github.com/MikeSquared-Agency/archivist/internal/hermes"
	"github.com/MikeSquared-Agency/archivist/internal/model"
	"github.com/MikeSquared-Agency/archivist/internal/store"
)

// State is the phase of an import run.
type State int

const (
	StateDiscovering State = iota
	StateDecoding
	StateResolving
	StateDeduplicating
	StateCommitting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StateDecoding:
		return "decoding"
	case StateResolving:
		return "resolving"
	case StateDeduplicating:
		return "deduplicating"
	case StateCommitting:
		return "committing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// BatchError reports the batch a run failed on. Offset is the stream ordinal of
// the first record in that batch.
type BatchError struct {
	Offset int64
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch at offset %d: %v", e.Offset, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Resolver turns attachment references into payloads.
type Resolver interface {
	ResolveAll(ctx context.Context, refs []model.AttachmentRef, root string) ([]model.AttachmentRef, []model.Attachment, error)
}

// Notifier receives lifecycle events. hermes.Client implements it.
type Notifier interface {
	Publish(subject string, data any) error
}

// Config tunes an Engine.
type Config struct {
	BatchSize     int
	RetryInterval time.Duration // initial backoff before the single retry
	Workers       int           // roots imported in parallel by RunAll
	Resume        bool
}

// Engine imports decoder output into a store.
type Engine struct {
	store    store.Store
	resolver Resolver
	notifier Notifier
	state    *RunState
	cfg      Config
	logger   *slog.Logger
}

// New returns an Engine. notifier and state may be nil.
func New(s store.Store, resolver Resolver, notifier Notifier, state *RunState, cfg Config, logger *slog.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Engine{
		store:    s,
		resolver: resolver,
		notifier: notifier,
		state:    state,
		cfg:      cfg,
		logger:   logger.With("component", "importer"),
	}
}

// run holds the mutable state of one Run.
type run struct {
	dec     decoder.Decoder
	root    string
	sum     Summary
	logger  *slog.Logger
	ordinal int64 // ordinal of the next stream item

	batch      []model.Message
	payloads   []model.Attachment
	batchKeys  map[string]bool
	batchHash  map[string]bool
	batchStart int64
}

func (r *run) reset() {
	r.batch, r.payloads = nil, nil
	r.batchKeys, r.batchHash = map[string]bool{}, map[string]bool{}
	r.batchStart = -1
}

func (e *Engine) transition(r *run, s State) {
	// Per-record phases change for every record and are not logged.
	if r.sum.State != s && !(perRecord(r.sum.State) && perRecord(s)) {
		r.logger.Debug("state transition", "from", r.sum.State, "to", s)
	}
	r.sum.State = s
}

func perRecord(s State) bool {
	return s == StateDecoding || s == StateResolving || s == StateDeduplicating
}

// Run imports one source root. The Summary is always returned; on failure it
// carries the committed offset and err describes the cause.
func (e *Engine) Run(ctx context.Context, dec decoder.Decoder, root string) (Summary, error) {
	runID := uuid.New().String()
	r := &run{
		dec:    dec,
		root:   root,
		sum:    Summary{RunID: runID, Source: dec.Source().String(), Root: root, State: StateDiscovering},
		logger: e.logger.With("source", dec.Source().String(), "root", root, "run_id", runID),
	}
	r.reset()
	r.logger.Debug("state transition", "to", StateDiscovering)

	err := e.run(ctx, r)
	if err != nil {
		e.transition(r, StateFailed)
		r.sum.Err = err
		r.sum.Error = err.Error()
		r.logger.Error("import failed", "committed", r.sum.Committed, "error", err)
	} else {
		e.transition(r, StateDone)
		r.logger.Info("import complete", "imported", r.sum.Imported, "duplicates", r.sum.Duplicates,
			"unresolved", r.sum.Unresolved, "corrupt", r.sum.Corrupt)
	}
	e.record(r, err == nil)
	e.publish(r, hermes.SubjectImportCompleted, hermes.ImportCompleted{
		RunID:      runID,
		Source:     r.sum.Source,
		Root:       root,
		State:      r.sum.State.String(),
		Imported:   r.sum.Imported,
		Duplicates: r.sum.Duplicates,
		Unresolved: r.sum.Unresolved,
		Corrupt:    r.sum.Corrupt,
		Committed:  r.sum.Committed,
		Error:      r.sum.Error,
	})
	return r.sum, err
}

func (e *Engine) run(ctx context.Context, r *run) error {
	if err := r.dec.Probe(r.root); err != nil {
		return err
	}

	var skip int64
	if e.cfg.Resume && e.state != nil {
		skip = e.state.Committed(r.sum.Source, r.root)
		if skip > 0 {
			r.logger.Info("resuming after committed offset", "offset", skip)
		}
	}
	r.sum.Committed = skip

	e.transition(r, StateDecoding)
	for rec, err := range r.dec.Decode(ctx, r.root) {
		if err != nil && decoder.IsFatal(err) {
			return err
		}
		ord := r.ordinal
		r.ordinal++
		if ord < skip {
			r.sum.Skipped++
			continue
		}
		if r.batchStart < 0 {
			r.batchStart = ord
		}
		if err != nil {
			r.sum.Corrupt++
			r.logger.Warn("skipping corrupt record", "offset", ord, "error", err)
			continue
		}

		if err := e.stage(ctx, r, rec); err != nil {
			return err
		}
		if len(r.batch) >= e.cfg.BatchSize {
			if err := e.commit(ctx, r); err != nil {
				return err
			}
		}
		e.transition(r, StateDecoding)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.commit(ctx, r)
}

// stage resolves and deduplicates one record, adding it to the pending batch
// unless it is already stored or already staged.
func (e *Engine) stage(ctx context.Context, r *run, rec decoder.Record) error {
	msg := rec.Message

	e.transition(r, StateResolving)
	refs, payloads, err := e.resolver.ResolveAll(ctx, rec.Attachments, r.root)
	if err != nil {
		return err
	}
	msg.Attachments = refs

	e.transition(r, StateDeduplicating)
	msg.ID = uuid.New()
	if err := model.Seal(&msg); err != nil {
		return &BatchError{Offset: r.batchStart, Err: err}
	}
	if r.batchKeys[msg.DedupKey] {
		r.sum.Duplicates++
		return nil
	}
	_, found, err := e.store.LookupByDedupKey(ctx, msg.DedupKey)
	if err != nil {
		return &BatchError{Offset: r.batchStart, Err: err}
	}
	if found {
		r.sum.Duplicates++
		return nil
	}

	r.batchKeys[msg.DedupKey] = true
	r.batch = append(r.batch, msg)
	for _, ref := range refs {
		if ref.Status == model.AttachmentUnresolved {
			r.sum.Unresolved++
		}
	}
	for _, p := range payloads {
		if !r.batchHash[p.ContentHash] {
			r.batchHash[p.ContentHash] = true
			r.payloads = append(r.payloads, p)
		}
	}
	return nil
}

// commit writes the pending batch with one retry. Cancellation is checked first
// so an interrupted run never starts another transaction.
func (e *Engine) commit(ctx context.Context, r *run) error {
	if r.batchStart < 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.transition(r, StateCommitting)

	var res store.BatchResult
	op := func() error {
		var err error
		res, err = e.store.InsertBatch(ctx, r.batch, r.payloads)
		if err != nil && !errors.Is(err, model.ErrStorageUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx)
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("batch commit failed, retrying", "offset", r.batchStart, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return &BatchError{Offset: r.batchStart, Err: err}
	}

	offset := r.batchStart
	r.sum.Imported += len(res.Inserted)
	r.sum.Duplicates += res.Duplicates
	r.sum.Attachments += res.NewAttachments
	r.sum.Committed = r.ordinal
	r.logger.Info("batch committed", "offset", offset, "committed", r.sum.Committed,
		"inserted", len(res.Inserted), "duplicates", res.Duplicates, "attachments", res.NewAttachments)

	e.index(ctx, r, res.Inserted)
	e.record(r, false)
	e.publish(r, hermes.SubjectBatchCommitted, hermes.BatchCommitted{
		RunID:       r.sum.RunID,
		Source:      r.sum.Source,
		Root:        r.root,
		Offset:      offset,
		Committed:   r.sum.Committed,
		Imported:    len(res.Inserted),
		Duplicates:  res.Duplicates,
		Attachments: res.NewAttachments,
	})
	r.reset()
	return nil
}

// index feeds committed texts to the search index. Failures never fail the run.
func (e *Engine) index(ctx context.Context, r *run, inserted []uuid.UUID) {
	texts := make(map[uuid.UUID]string, len(r.batch))
	for _, m := range r.batch {
		texts[m.ID] = m.Text
	}
	for _, id := range inserted {
		text := texts[id]
		if text == "" {
			continue
		}
		if err := e.store.IndexText(ctx, id, text); err != nil {
			r.logger.Warn("text index failed", "message_id", id, "error", err)
		}
	}
}

func (e *Engine) record(r *run, done bool) {
	if e.state == nil {
		return
	}
	p := RootProgress{
		Source:          r.sum.Source,
		Root:            r.root,
		RunID:           r.sum.RunID,
		Committed:       r.sum.Committed,
		Imported:        r.sum.Imported,
		Duplicates:      r.sum.Duplicates,
		LastCommittedAt: time.Now().UTC(),
		Done:            done,
		LastError:       r.sum.Error,
	}
	e.state.Update(p)
	if err := e.state.Save(); err != nil {
		r.logger.Warn("failed to save run state", "path", e.state.Path(), "error", err)
	}
}

func (e *Engine) publish(r *run, subject string, ev any) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Publish(subject, ev); err != nil {
		r.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

// RunAll imports independent roots in parallel, at most cfg.Workers at a time.
// Summaries are returned in root order; the error is the first failure.
func (e *Engine) RunAll(ctx context.Context, dec decoder.Decoder, roots []string) ([]Summary, error) {
	summaries := make([]Summary, len(roots))
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, root := range roots {
		g.Go(func() error {
			sum, err := e.Run(ctx, dec, root)
			summaries[i] = sum
			return err
		})
	}
	return summaries, g.Wait()
}

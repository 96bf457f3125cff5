// Package attachment turns attachment references into content-addressed payloads.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/MikeSquared-Agency/archivist/internal/backup"
	"github.com/MikeSquared-Agency/archivist/internal/model"
)

// DefaultMaxBytes caps a single payload when no limit is configured.
const DefaultMaxBytes = 100 << 20

// Resolver reads attachment bytes from the locator a decoder recorded. It never
// writes to the backup root.
type Resolver struct {
	backups  *backup.Set
	maxBytes int64
	logger   *slog.Logger

	reads singleflight.Group // keyed by root and locator
}

// NewResolver returns a Resolver. backups may be nil when no manifest locators
// are expected.
func NewResolver(backups *backup.Set, maxBytes int64, logger *slog.Logger) *Resolver {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Resolver{backups: backups, maxBytes: maxBytes, logger: logger.With("component", "attachment")}
}

// Resolve returns the payload of ref. Unlocatable or oversized payloads fail with
// model.ErrResolutionFailure; empty payloads with model.ErrRecordCorrupt.
func (r *Resolver) Resolve(ctx context.Context, ref model.AttachmentRef, root string) (model.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return model.Attachment{}, err
	}
	loc := ref.Locator
	var (
		data []byte
		err  error
	)
	if loc.Kind == model.LocatorInline {
		// Inline payloads need no I/O and their names need not be unique.
		data, err = r.limit(loc, loc.Inline)
	} else {
		var v any
		v, err, _ = r.reads.Do(root+"\x00"+loc.String(), func() (any, error) {
			return r.read(ctx, loc, root)
		})
		if err == nil {
			data = v.([]byte)
		}
	}
	if err != nil {
		return model.Attachment{}, err
	}

	hash, err := model.ContentHash(data)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("%s: %w", loc, err)
	}
	return model.Attachment{ContentHash: hash, Size: int64(len(data)), MIME: ref.MIME, Data: data}, nil
}

func (r *Resolver) read(ctx context.Context, loc model.Locator, root string) ([]byte, error) {
	switch loc.Kind {
	case model.LocatorPath:
		return r.readPath(loc, root)
	case model.LocatorManifest:
		if r.backups == nil {
			return nil, model.ResolutionFailure("%s: no device backup configured", loc)
		}
		bk, err := r.backups.Open(ctx, root)
		if err != nil {
			return nil, model.ResolutionFailure("%s: %v", loc, err)
		}
		f, ok := bk.Find(loc.Domain, loc.RelativePath)
		if !ok {
			return nil, model.ResolutionFailure("%s: not in backup manifest", loc)
		}
		if f.Size > r.maxBytes {
			return nil, model.ResolutionFailure("%s: %d bytes exceeds limit of %d", loc, f.Size, r.maxBytes)
		}
		data, err := bk.ReadFile(f)
		if err != nil {
			return nil, model.ResolutionFailure("%s: %v", loc, err)
		}
		return r.limit(loc, data)
	default:
		return nil, model.ResolutionFailure("unknown locator kind %q", loc.Kind)
	}
}

// readPath reads a file relative to the export directory. Paths leaving it are refused.
func (r *Resolver) readPath(loc model.Locator, root string) ([]byte, error) {
	rel := filepath.FromSlash(loc.Path)
	if !filepath.IsLocal(rel) {
		return nil, model.ResolutionFailure("%s: path escapes the source root", loc)
	}
	base := root
	if info, err := os.Stat(root); err == nil && !info.IsDir() {
		base = filepath.Dir(root)
	}
	full := filepath.Join(base, rel)

	info, err := os.Stat(full)
	if err != nil {
		return nil, model.ResolutionFailure("%s: %v", loc, err)
	}
	if info.IsDir() {
		return nil, model.ResolutionFailure("%s: is a directory", loc)
	}
	if info.Size() > r.maxBytes {
		return nil, model.ResolutionFailure("%s: %d bytes exceeds limit of %d", loc, info.Size(), r.maxBytes)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, model.ResolutionFailure("%s: %v", loc, err)
	}
	return data, nil
}

func (r *Resolver) limit(loc model.Locator, data []byte) ([]byte, error) {
	if int64(len(data)) > r.maxBytes {
		return nil, model.ResolutionFailure("%s: %d bytes exceeds limit of %d", loc, len(data), r.maxBytes)
	}
	return data, nil
}

// ResolveAll resolves every reference of one message. Each ref comes back either
// resolved with its content hash or unresolved with its locator kept; refs are
// never dropped. Only context errors are returned.
func (r *Resolver) ResolveAll(ctx context.Context, refs []model.AttachmentRef, root string) ([]model.AttachmentRef, []model.Attachment, error) {
	out := make([]model.AttachmentRef, len(refs))
	var payloads []model.Attachment
	for i, ref := range refs {
		a, err := r.Resolve(ctx, ref, root)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, nil, err
			}
			r.logger.Warn("attachment unresolved", "locator", ref.Locator.String(), "error", err)
			ref.Status = model.AttachmentUnresolved
			ref.ContentHash = ""
			out[i] = ref
			continue
		}
		ref.Status = model.AttachmentResolved
		ref.ContentHash = a.ContentHash
		if ref.MIME == "" {
			ref.MIME = a.MIME
		}
		ref.Locator.Inline = nil
		out[i] = ref
		payloads = append(payloads, a)
	}
	return out, payloads, nil
}

package backup

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
)

// Set opens each backup root at most once so that a decoder and the attachment
// resolver share one decrypted manifest.
type Set struct {
	password string
	logger   *slog.Logger

	mu     sync.Mutex
	opened map[string]*Backup
}

// NewSet returns a Set that unlocks encrypted backups with password.
func NewSet(password string, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{password: password, logger: logger, opened: map[string]*Backup{}}
}

// Open returns the backup at root, opening it on first use.
func (s *Set) Open(ctx context.Context, root string) (*Backup, error) {
	key, err := filepath.Abs(root)
	if err != nil {
		key = root
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.opened[key]; ok {
		return b, nil
	}
	b, err := Open(ctx, root, s.password, s.logger)
	if err != nil {
		return nil, err
	}
	s.opened[key] = b
	return b, nil
}

// Close releases every opened backup.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for key, b := range s.opened {
		errs = append(errs, b.Close())
		delete(s.opened, key)
	}
	return errors.Join(errs...)
}

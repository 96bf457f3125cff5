// Package backuptest builds small iOS device-backup bundles on disk for tests.
package backuptest

import (
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"howett.net/plist"
)

// FileID computes the blob name iOS assigns to domain/relativePath.
func FileID(domain, relativePath string) string {
	sum := sha1.Sum([]byte(domain + "-" + relativePath))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	id, domain, rel string
	record          []byte
}

// Builder accumulates files and writes Manifest.plist and Manifest.db on Build.
type Builder struct {
	t    testing.TB
	Root string

	// Manifest holds extra Manifest.plist keys. IsEncrypted defaults to false.
	Manifest map[string]any
	// Seal, when set, transforms each blob before it is written and returns the
	// NSKeyedArchiver record stored in Manifest.db's file column.
	Seal func(data []byte) (stored, record []byte)
	// SealManifest, when set, transforms the finished Manifest.db bytes.
	SealManifest func(db []byte) []byte

	entries []entry
}

// New returns a builder rooted in a fresh temp dir.
func New(t testing.TB) *Builder {
	t.Helper()
	return &Builder{t: t, Root: t.TempDir(), Manifest: map[string]any{"IsEncrypted": false}}
}

// Add stores data as domain/relativePath and returns its file ID.
func (b *Builder) Add(domain, relativePath string, data []byte) string {
	b.t.Helper()
	id := FileID(domain, relativePath)
	var record []byte
	if b.Seal != nil {
		data, record = b.Seal(data)
	}
	dir := filepath.Join(b.Root, id[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		b.t.Fatalf("mkdir blob dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, id), data, 0o644); err != nil {
		b.t.Fatalf("write blob: %v", err)
	}
	b.entries = append(b.entries, entry{id: id, domain: domain, rel: relativePath, record: record})
	return id
}

// AddMissing lists domain/relativePath in the manifest without writing its blob.
func (b *Builder) AddMissing(domain, relativePath string) {
	b.entries = append(b.entries, entry{id: FileID(domain, relativePath), domain: domain, rel: relativePath})
}

// AddSQLite creates an SQLite database with the given statements and adds it.
func (b *Builder) AddSQLite(domain, relativePath string, stmts ...string) string {
	b.t.Helper()
	return b.Add(domain, relativePath, SQLite(b.t, stmts...))
}

// Build writes the manifest files and returns the backup root.
func (b *Builder) Build() string {
	b.t.Helper()

	stmts := []string{
		`CREATE TABLE Files (fileID TEXT PRIMARY KEY, domain TEXT, relativePath TEXT, flags INTEGER, file BLOB)`,
	}
	db := openScratch(b.t, stmts...)
	for _, e := range b.entries {
		if _, err := db.Exec(`INSERT INTO Files VALUES (?, ?, ?, 1, ?)`, e.id, e.domain, e.rel, e.record); err != nil {
			b.t.Fatalf("insert manifest row: %v", err)
		}
	}
	data := closeScratch(b.t, db)
	if b.SealManifest != nil {
		data = b.SealManifest(data)
	}
	if err := os.WriteFile(filepath.Join(b.Root, "Manifest.db"), data, 0o644); err != nil {
		b.t.Fatalf("write Manifest.db: %v", err)
	}

	pl, err := plist.Marshal(b.Manifest, plist.XMLFormat)
	if err != nil {
		b.t.Fatalf("marshal Manifest.plist: %v", err)
	}
	if err := os.WriteFile(filepath.Join(b.Root, "Manifest.plist"), pl, 0o644); err != nil {
		b.t.Fatalf("write Manifest.plist: %v", err)
	}
	return b.Root
}

// SQLite returns the bytes of a new database created by stmts.
func SQLite(t testing.TB, stmts ...string) []byte {
	t.Helper()
	return closeScratch(t, openScratch(t, stmts...))
}

type scratch struct {
	*sql.DB
	path string
}

func openScratch(t testing.TB, stmts ...string) scratch {
	t.Helper()
	p := filepath.Join(t.TempDir(), "scratch.sqlite")
	db, err := sql.Open("sqlite3", p)
	if err != nil {
		t.Fatalf("open scratch db: %v", err)
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	return scratch{DB: db, path: p}
}

func closeScratch(t testing.TB, db scratch) []byte {
	t.Helper()
	if err := db.Close(); err != nil {
		t.Fatalf("close scratch db: %v", err)
	}
	data, err := os.ReadFile(db.path)
	if err != nil {
		t.Fatalf("read scratch db: %v", err)
	}
	return data
}

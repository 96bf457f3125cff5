// Package backup reads iOS device-backup bundles: the Manifest.plist header, the
// Manifest.db file index and the content-addressed blobs, decrypting them when the
// backup is password protected. The backup directory is never written.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"

	"github.com/MikeSquared-Agency/archivist/internal/model"
)

// ErrBlobMissing means the manifest lists a file whose blob is not in the backup.
var ErrBlobMissing = errors.New("backup blob missing")

// ErrPasswordRequired means the backup is encrypted and no password was supplied.
var ErrPasswordRequired = errors.New("backup is encrypted, password required")

// File is one regular file listed in Manifest.db.
type File struct {
	ID              string
	Domain          string
	RelativePath    string
	Size            int64
	ProtectionClass uint32

	encryptionKey []byte
}

func (f File) String() string {
	return f.Domain + "/" + f.RelativePath
}

// Backup is an opened device backup.
type Backup struct {
	Root      string
	Encrypted bool

	files   []File
	byPath  map[string]int
	keybag  *keybag
	tempDir string
	logger  *slog.Logger
}

// Open reads the manifest of the backup at root. password is only used when the
// backup is encrypted.
func Open(ctx context.Context, root, password string, logger *slog.Logger) (*Backup, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mp, err := readManifestPlist(root)
	if err != nil {
		return nil, err
	}

	b := &Backup{
		Root:      root,
		Encrypted: mp.IsEncrypted,
		byPath:    map[string]int{},
		logger:    logger.With("component", "backup", "root", root),
	}

	dbPath := filepath.Join(root, "Manifest.db")
	if _, err := os.Stat(dbPath); err != nil {
		return nil, model.FormatMismatch("%s: no Manifest.db (backups older than iOS 10 are not supported)", root)
	}

	if b.Encrypted {
		if password == "" {
			return nil, model.FormatMismatch("%s: %v", root, ErrPasswordRequired)
		}
		if dbPath, err = b.unlock(mp, dbPath, password); err != nil {
			b.Close()
			return nil, err
		}
	}

	if err := b.loadFiles(ctx, dbPath); err != nil {
		b.Close()
		return nil, err
	}
	b.logger.Debug("backup opened", "encrypted", b.Encrypted, "files", len(b.files))
	return b, nil
}

// unlock opens the keybag and decrypts Manifest.db into a temp file, returning its path.
func (b *Backup) unlock(mp *manifestPlist, dbPath, password string) (string, error) {
	kb, err := parseKeybag(mp.BackupKeyBag)
	if err != nil {
		return "", model.FormatMismatch("%s: %v", b.Root, err)
	}
	if err := kb.unlock(password); err != nil {
		return "", model.FormatMismatch("%s: %v", b.Root, err)
	}
	b.keybag = kb

	key, err := kb.unwrapKey(mp.ManifestKey)
	if err != nil {
		return "", model.FormatMismatch("%s: manifest key: %v", b.Root, err)
	}
	enc, err := os.ReadFile(dbPath)
	if err != nil {
		return "", model.FormatMismatch("%s: reading Manifest.db: %v", b.Root, err)
	}
	plain, err := decryptCBC(key, enc)
	if err != nil {
		return "", model.FormatMismatch("%s: decrypting Manifest.db: %v", b.Root, err)
	}

	out, err := b.writeTemp("Manifest.db", plain)
	if err != nil {
		return "", fmt.Errorf("stage decrypted manifest: %w", err)
	}
	return out, nil
}

func (b *Backup) loadFiles(ctx context.Context, dbPath string) error {
	db, err := OpenDatabase(dbPath)
	if err != nil {
		return model.FormatMismatch("%s: %v", b.Root, err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT fileID, domain, relativePath, flags, file FROM Files ORDER BY domain, relativePath`)
	if err != nil {
		return model.FormatMismatch("%s: querying Manifest.db: %v", b.Root, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f     File
			flags sql.NullInt64
			blob  []byte
		)
		if err := rows.Scan(&f.ID, &f.Domain, &f.RelativePath, &flags, &blob); err != nil {
			return model.FormatMismatch("%s: scanning Manifest.db: %v", b.Root, err)
		}
		if flags.Valid && flags.Int64 != flagFile {
			continue
		}
		if len(blob) > 0 {
			fi, err := decodeFileInfo(blob)
			if err != nil {
				b.logger.Warn("unreadable file record", "file", f.String(), "error", err)
			} else {
				f.Size = fi.Size
				f.ProtectionClass = fi.ProtectionClass
				f.encryptionKey = fi.EncryptionKey
			}
		}
		b.byPath[f.Domain+"/"+f.RelativePath] = len(b.files)
		b.files = append(b.files, f)
	}
	if err := rows.Err(); err != nil {
		return model.FormatMismatch("%s: reading Manifest.db: %v", b.Root, err)
	}
	return nil
}

// Files returns every regular file in the backup, ordered by domain and path.
func (b *Backup) Files() []File {
	return b.files
}

// Find looks up one file by domain and relative path.
func (b *Backup) Find(domain, relativePath string) (File, bool) {
	i, ok := b.byPath[domain+"/"+relativePath]
	if !ok {
		return File{}, false
	}
	return b.files[i], true
}

// Glob returns the files of domain whose relative path matches a path.Match pattern.
func (b *Backup) Glob(domain, pattern string) []File {
	var out []File
	for _, f := range b.files {
		if f.Domain != domain {
			continue
		}
		if ok, _ := path.Match(pattern, f.RelativePath); ok {
			out = append(out, f)
		}
	}
	return out
}

// Match returns the files of domain whose relative path matches re.
func (b *Backup) Match(domain string, re *regexp.Regexp) []File {
	var out []File
	for _, f := range b.files {
		if f.Domain == domain && re.MatchString(f.RelativePath) {
			out = append(out, f)
		}
	}
	return out
}

// blobPath locates the blob of f: <root>/<id[0:2]>/<id> on iOS 10+, <root>/<id> before.
func (b *Backup) blobPath(f File) (string, error) {
	candidates := []string{filepath.Join(b.Root, f.ID)}
	if len(f.ID) > 2 {
		candidates = append([]string{filepath.Join(b.Root, f.ID[:2], f.ID)}, candidates...)
	}
	for _, p := range candidates {
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s (%s): %w", f.String(), f.ID, ErrBlobMissing)
}

// ReadFile returns the contents of f, decrypted when the backup is encrypted.
func (b *Backup) ReadFile(f File) ([]byte, error) {
	p, err := b.blobPath(f)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.String(), err)
	}
	if !b.Encrypted {
		return data, nil
	}

	if f.encryptionKey == nil {
		return nil, fmt.Errorf("read %s: no encryption key in manifest", f.String())
	}
	key, err := b.keybag.unwrapKey(f.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("read %s: file key: %w", f.String(), err)
	}
	plain, err := decryptCBC(key, data)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.String(), err)
	}
	if f.Size > 0 && int64(len(plain)) > f.Size {
		plain = plain[:f.Size]
	}
	return plain, nil
}

// Materialize returns a local path holding the plaintext of f. For unencrypted
// backups this is the blob itself, which callers must only open read-only.
func (b *Backup) Materialize(f File) (string, func(), error) {
	if !b.Encrypted {
		p, err := b.blobPath(f)
		if err != nil {
			return "", nil, err
		}
		return p, func() {}, nil
	}

	data, err := b.ReadFile(f)
	if err != nil {
		return "", nil, err
	}
	p, err := b.writeTemp(path.Base(f.RelativePath), data)
	if err != nil {
		return "", nil, fmt.Errorf("materialize %s: %w", f.String(), err)
	}
	return p, func() { os.Remove(p) }, nil
}

// OpenDatabase materializes f and opens it as a read-only SQLite database. The
// returned close func releases both.
func (b *Backup) OpenDatabase(f File) (*sql.DB, func(), error) {
	p, cleanup, err := b.Materialize(f)
	if err != nil {
		return nil, nil, err
	}
	db, err := OpenDatabase(p)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return db, func() {
		db.Close()
		cleanup()
	}, nil
}

func (b *Backup) writeTemp(name string, data []byte) (string, error) {
	if b.tempDir == "" {
		dir, err := os.MkdirTemp("", "archivist-backup-*")
		if err != nil {
			return "", err
		}
		b.tempDir = dir
	}
	f, err := os.CreateTemp(b.tempDir, "*-"+filepath.Base(name))
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", err
	}
	return f.Name(), f.Close()
}

// Close removes any decrypted temp files.
func (b *Backup) Close() error {
	if b.tempDir == "" {
		return nil
	}
	err := os.RemoveAll(b.tempDir)
	b.tempDir = ""
	return err
}

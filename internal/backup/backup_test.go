package backup

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"os"
	"regexp"
	"testing"

	"golang.org/x/crypto/pbkdf2"
	"howett.net/plist"

	"github.com/MikeSquared-Agency/archivist/internal/backup/backuptest"
	"github.com/MikeSquared-Agency/archivist/internal/model"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestAESUnwrap_RFC3394(t *testing.T) {
	kek := mustHex(t, "000102030405060708090A0B0C0D0E0F")
	wrapped := mustHex(t, "1FA68B0A8112B447AEF34BD8FB5A7B829D3E862371D2CFE5")
	want := mustHex(t, "00112233445566778899AABBCCDDEEFF")

	got, err := aesUnwrap(kek, wrapped)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("unwrap = %x, want %x", got, want)
	}

	wrapped[0] ^= 1
	if _, err := aesUnwrap(kek, wrapped); err == nil {
		t.Error("expected integrity failure on tampered input")
	}
}

func TestAESWrapRoundTrip(t *testing.T) {
	kek := bytes.Repeat([]byte{7}, 32)
	key := bytes.Repeat([]byte{9}, 32)
	got, err := aesUnwrap(kek, aesWrap(kek, key))
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Error("round trip mismatch")
	}
}

func TestTrimPKCS7(t *testing.T) {
	padded := append([]byte("hello"), bytes.Repeat([]byte{11}, 11)...)
	if got := trimPKCS7(padded); string(got) != "hello" {
		t.Errorf("trimPKCS7 = %q", got)
	}
	raw := bytes.Repeat([]byte{'a'}, 16)
	if got := trimPKCS7(raw); len(got) != 16 {
		t.Error("data without valid padding must be left alone")
	}
}

func TestOpen_NotABackup(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), "", nil)
	if !errors.Is(err, model.ErrFormatMismatch) {
		t.Fatalf("expected format mismatch, got %v", err)
	}
}

func TestOpen_GarbageManifest(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(root+"/Manifest.plist", []byte("bplist00\x01\x02truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(context.Background(), root, "", nil); !errors.Is(err, model.ErrFormatMismatch) {
		t.Fatalf("expected format mismatch, got %v", err)
	}
}

func TestOpen_Unencrypted(t *testing.T) {
	b := backuptest.New(t)
	b.Add("HomeDomain", "Library/SMS/sms.db", []byte("db-bytes"))
	b.Add("MediaDomain", "Library/SMS/Attachments/aa/01/IMG_0001.JPG", []byte("jpeg-1"))
	b.Add("MediaDomain", "Library/SMS/Attachments/bb/02/IMG_0002.JPG", []byte("jpeg-2"))
	b.AddMissing("MediaDomain", "Library/SMS/Attachments/cc/03/gone.mov")
	root := b.Build()

	bk, err := Open(context.Background(), root, "", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer bk.Close()

	if bk.Encrypted {
		t.Error("backup should not be encrypted")
	}
	if n := len(bk.Files()); n != 4 {
		t.Errorf("expected 4 files, got %d", n)
	}

	f, ok := bk.Find("HomeDomain", "Library/SMS/sms.db")
	if !ok {
		t.Fatal("sms.db not found")
	}
	data, err := bk.ReadFile(f)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "db-bytes" {
		t.Errorf("ReadFile = %q", data)
	}

	if got := bk.Glob("MediaDomain", "Library/SMS/Attachments/*/*/*.JPG"); len(got) != 2 {
		t.Errorf("Glob matched %d files, want 2", len(got))
	}
	if got := bk.Match("MediaDomain", regexp.MustCompile(`IMG_000\d`)); len(got) != 2 {
		t.Errorf("Match matched %d files, want 2", len(got))
	}
	if got := bk.Glob("HomeDomain", "*.JPG"); len(got) != 0 {
		t.Errorf("Glob must be scoped to the domain, got %d", len(got))
	}

	missing, ok := bk.Find("MediaDomain", "Library/SMS/Attachments/cc/03/gone.mov")
	if !ok {
		t.Fatal("manifest entry for missing blob not found")
	}
	if _, err := bk.ReadFile(missing); !errors.Is(err, ErrBlobMissing) {
		t.Errorf("expected ErrBlobMissing, got %v", err)
	}

	p, cleanup, err := bk.Materialize(f)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	cleanup()
	if _, err := os.Stat(p); err != nil {
		t.Errorf("unencrypted materialize must point at the blob itself: %v", err)
	}
}

func TestOpen_EncryptedRequiresPassword(t *testing.T) {
	b := backuptest.New(t)
	b.Manifest["IsEncrypted"] = true
	root := b.Build()

	_, err := Open(context.Background(), root, "", nil)
	if !errors.Is(err, model.ErrFormatMismatch) {
		t.Fatalf("expected format mismatch, got %v", err)
	}
}

func TestOpen_Encrypted(t *testing.T) {
	const password = "hunter2"
	fx := newEncryptedFixture(t, password)

	b := backuptest.New(t)
	b.Seal = fx.seal
	b.SealManifest = fx.sealManifest
	b.Manifest = map[string]any{
		"IsEncrypted":  true,
		"BackupKeyBag": fx.keybag,
		"ManifestKey":  fx.manifestKey,
	}
	b.Add("HomeDomain", "Library/SMS/sms.db", []byte("secret database contents"))
	root := b.Build()

	if _, err := Open(context.Background(), root, "wrong", nil); !errors.Is(err, model.ErrFormatMismatch) {
		t.Fatalf("wrong password: expected format mismatch, got %v", err)
	}

	bk, err := Open(context.Background(), root, password, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer bk.Close()

	f, ok := bk.Find("HomeDomain", "Library/SMS/sms.db")
	if !ok {
		t.Fatal("file not found in decrypted manifest")
	}
	if f.Size != int64(len("secret database contents")) {
		t.Errorf("Size = %d", f.Size)
	}
	data, err := bk.ReadFile(f)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "secret database contents" {
		t.Errorf("ReadFile = %q", data)
	}

	p, cleanup, err := bk.Materialize(f)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	got, _ := os.ReadFile(p)
	if string(got) != "secret database contents" {
		t.Errorf("materialized = %q", got)
	}
	cleanup()
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Error("cleanup should remove the temp file")
	}
}

func TestColumnsAndHasTable(t *testing.T) {
	dir := t.TempDir()
	p := dir + "/x.sqlite"
	if err := os.WriteFile(p, backuptest.SQLite(t, `CREATE TABLE message (ROWID INTEGER, text TEXT, is_spam INTEGER)`), 0o644); err != nil {
		t.Fatal(err)
	}
	db, err := OpenDatabase(p)
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	cols, err := Columns(ctx, db, "message")
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	if !cols["is_spam"] || !cols["text"] || cols["guid"] {
		t.Errorf("unexpected columns %v", cols)
	}
	if ok, _ := HasTable(ctx, db, "message"); !ok {
		t.Error("message table should exist")
	}
	if ok, _ := HasTable(ctx, db, "attachment"); ok {
		t.Error("attachment table should not exist")
	}
	if _, err := db.Exec(`INSERT INTO message VALUES (1, 'x', 0)`); err == nil {
		t.Error("database must be read-only")
	}
}

// encryptedFixture builds keybag material the way a device does, with tiny
// iteration counts.
type encryptedFixture struct {
	t           *testing.T
	classKey    []byte
	keybag      []byte
	manifestKey []byte
	dbKey       []byte
}

func newEncryptedFixture(t *testing.T, password string) *encryptedFixture {
	t.Helper()
	salt := bytes.Repeat([]byte{1}, 20)
	dpsl := bytes.Repeat([]byte{2}, 20)
	passcodeKey := pbkdf2.Key(pbkdf2.Key([]byte(password), dpsl, 1, 32, sha256.New), salt, 1, 32, sha1.New)

	fx := &encryptedFixture{
		t:        t,
		classKey: bytes.Repeat([]byte{0x33}, 32),
		dbKey:    bytes.Repeat([]byte{0x44}, 32),
	}

	var kb bytes.Buffer
	tlv(&kb, "VERS", u32(4))
	tlv(&kb, "TYPE", u32(1))
	tlv(&kb, "UUID", bytes.Repeat([]byte{0xaa}, 16))
	tlv(&kb, "WRAP", u32(0))
	tlv(&kb, "SALT", salt)
	tlv(&kb, "ITER", u32(1))
	tlv(&kb, "DPIC", u32(1))
	tlv(&kb, "DPSL", dpsl)
	tlv(&kb, "UUID", bytes.Repeat([]byte{0xbb}, 16))
	tlv(&kb, "CLAS", u32(3))
	tlv(&kb, "WRAP", u32(3))
	tlv(&kb, "KTYP", u32(0))
	tlv(&kb, "WPKY", aesWrap(passcodeKey, fx.classKey))
	fx.keybag = kb.Bytes()
	fx.manifestKey = classWrapped(3, aesWrap(fx.classKey, fx.dbKey))
	return fx
}

func (fx *encryptedFixture) seal(data []byte) ([]byte, []byte) {
	fileKey := bytes.Repeat([]byte{byte(len(data))}, 32)
	record, err := plist.Marshal(map[string]any{
		"$archiver": "NSKeyedArchiver",
		"$version":  100000,
		"$top":      map[string]any{"root": plist.UID(1)},
		"$objects": []any{
			"$null",
			map[string]any{
				"Size":            len(data),
				"ProtectionClass": 3,
				"EncryptionKey":   plist.UID(2),
				"$class":          plist.UID(3),
			},
			map[string]any{"NS.data": classWrapped(3, aesWrap(fx.classKey, fileKey)), "$class": plist.UID(3)},
			map[string]any{"$classname": "NSMutableData"},
		},
	}, plist.BinaryFormat)
	if err != nil {
		fx.t.Fatalf("marshal file record: %v", err)
	}
	return encryptCBC(fileKey, data), record
}

func (fx *encryptedFixture) sealManifest(db []byte) []byte {
	return encryptCBC(fx.dbKey, db)
}

func tlv(buf *bytes.Buffer, tag string, value []byte) {
	buf.WriteString(tag)
	buf.Write(u32(uint32(len(value))))
	buf.Write(value)
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func classWrapped(class uint32, wrapped []byte) []byte {
	b := make([]byte, 4, 4+len(wrapped))
	binary.LittleEndian.PutUint32(b, class)
	return append(b, wrapped...)
}

func aesWrap(kek, key []byte) []byte {
	block, _ := aes.NewCipher(kek)
	n := len(key) / 8
	a := append([]byte(nil), keyWrapIV...)
	r := make([][]byte, n)
	for i := range r {
		r[i] = append([]byte(nil), key[8*i:8*(i+1)]...)
	}
	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a)
			copy(buf[8:], r[i-1])
			block.Encrypt(buf, buf)
			binary.BigEndian.PutUint64(a, binary.BigEndian.Uint64(buf[:8])^uint64(n*j+i))
			copy(r[i-1], buf[8:])
		}
	}
	out := append([]byte(nil), a...)
	for _, b := range r {
		out = append(out, b...)
	}
	return out
}

func encryptCBC(key, data []byte) []byte {
	pad := aes.BlockSize - len(data)%aes.BlockSize
	plain := append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	block, _ := aes.NewCipher(key)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, plain)
	return out
}

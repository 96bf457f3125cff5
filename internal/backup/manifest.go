package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"

	"github.com/MikeSquared-Agency/archivist/internal/model"
)

// flagFile marks regular files in Manifest.db; directories and symlinks have no blob.
const flagFile = 1

// manifestPlist is the subset of Manifest.plist the reader needs.
type manifestPlist struct {
	IsEncrypted  bool   `plist:"IsEncrypted"`
	BackupKeyBag []byte `plist:"BackupKeyBag"`
	ManifestKey  []byte `plist:"ManifestKey"`
	Version      string `plist:"Version"`
}

func readManifestPlist(root string) (*manifestPlist, error) {
	data, err := os.ReadFile(filepath.Join(root, "Manifest.plist"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, model.FormatMismatch("%s: no Manifest.plist, not a device backup", root)
		}
		return nil, model.FormatMismatch("%s: reading Manifest.plist: %v", root, err)
	}
	var m manifestPlist
	if _, err := plist.Unmarshal(data, &m); err != nil {
		return nil, model.FormatMismatch("%s: parsing Manifest.plist: %v", root, err)
	}
	return &m, nil
}

// fileInfo is what the NSKeyedArchiver blob in Manifest.db's file column carries.
type fileInfo struct {
	Size            int64
	ProtectionClass uint32
	EncryptionKey   []byte
}

// decodeFileInfo unpacks an archived MBFile record.
func decodeFileInfo(blob []byte) (fileInfo, error) {
	var archive struct {
		Objects []any          `plist:"$objects"`
		Top     map[string]any `plist:"$top"`
	}
	if _, err := plist.Unmarshal(blob, &archive); err != nil {
		return fileInfo{}, fmt.Errorf("decode file record: %w", err)
	}

	rootIdx := 1
	if uid, ok := archive.Top["root"].(plist.UID); ok {
		rootIdx = int(uid)
	}
	if rootIdx < 0 || rootIdx >= len(archive.Objects) {
		return fileInfo{}, fmt.Errorf("decode file record: root index %d out of range", rootIdx)
	}
	obj, ok := archive.Objects[rootIdx].(map[string]any)
	if !ok {
		return fileInfo{}, errors.New("decode file record: root is not a dictionary")
	}

	var fi fileInfo
	fi.Size = asInt64(obj["Size"])
	fi.ProtectionClass = uint32(asInt64(obj["ProtectionClass"]))

	if uid, ok := obj["EncryptionKey"].(plist.UID); ok && int(uid) < len(archive.Objects) {
		switch v := archive.Objects[uid].(type) {
		case map[string]any:
			if data, ok := v["NS.data"].([]byte); ok {
				fi.EncryptionKey = data
			}
		case []byte:
			fi.EncryptionKey = v
		}
	}
	return fi, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// ArchivedObjects returns the $objects array of an NSKeyedArchiver plist. WeChat's
// mmsetting.archive keeps the account wxid and nickname at fixed positions in it.
func ArchivedObjects(data []byte) ([]any, error) {
	var archive struct {
		Objects []any `plist:"$objects"`
	}
	if _, err := plist.Unmarshal(data, &archive); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	return archive.Objects, nil
}

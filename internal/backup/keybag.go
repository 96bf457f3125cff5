package backup

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const wrapPasscode = 2

// ErrBadPassword is returned when the keybag cannot be unlocked with the given password.
var ErrBadPassword = errors.New("backup password is incorrect")

type classKey struct {
	uuid []byte
	clas uint32
	wrap uint32
	ktyp uint32
	wpky []byte
	key  []byte
}

// keybag is the BackupKeyBag from Manifest.plist: a TLV list of global attributes
// followed by one block per protection class.
type keybag struct {
	typ     uint32
	uuid    []byte
	wrap    uint32
	attrs   map[string][]byte
	classes map[uint32]*classKey
}

func parseKeybag(data []byte) (*keybag, error) {
	kb := &keybag{attrs: map[string][]byte{}, classes: map[uint32]*classKey{}}
	var current *classKey

	for len(data) >= 8 {
		tag := string(data[:4])
		size := int(binary.BigEndian.Uint32(data[4:8]))
		if 8+size > len(data) {
			return nil, fmt.Errorf("keybag: truncated %s block", tag)
		}
		value := data[8 : 8+size]
		data = data[8+size:]

		var num uint32
		if len(value) == 4 {
			num = binary.BigEndian.Uint32(value)
		}

		switch {
		case tag == "TYPE":
			kb.typ = num
		case tag == "UUID" && kb.uuid == nil:
			kb.uuid = value
		case tag == "WRAP" && current == nil:
			kb.wrap = num
		case tag == "UUID":
			if current != nil {
				kb.classes[current.clas] = current
			}
			current = &classKey{uuid: value}
		case current != nil && tag == "CLAS":
			current.clas = num
		case current != nil && tag == "WRAP":
			current.wrap = num
		case current != nil && tag == "KTYP":
			current.ktyp = num
		case current != nil && tag == "WPKY":
			current.wpky = value
		default:
			kb.attrs[tag] = value
		}
	}
	if current != nil {
		kb.classes[current.clas] = current
	}
	if len(kb.classes) == 0 {
		return nil, errors.New("keybag: no class keys")
	}
	return kb, nil
}

func (kb *keybag) attrInt(tag string) int {
	v := kb.attrs[tag]
	if len(v) != 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(v))
}

// unlock derives the passcode key and unwraps every passcode-protected class key.
func (kb *keybag) unlock(password string) error {
	salt, dpsl := kb.attrs["SALT"], kb.attrs["DPSL"]
	iter, dpic := kb.attrInt("ITER"), kb.attrInt("DPIC")
	if salt == nil || iter == 0 {
		return errors.New("keybag: missing SALT/ITER")
	}

	secret := []byte(password)
	if dpsl != nil && dpic > 0 {
		secret = pbkdf2.Key(secret, dpsl, dpic, 32, sha256.New)
	}
	passcodeKey := pbkdf2.Key(secret, salt, iter, 32, sha1.New)

	for _, ck := range kb.classes {
		if ck.wpky == nil {
			continue
		}
		if ck.wrap&wrapPasscode == 0 {
			continue
		}
		key, err := aesUnwrap(passcodeKey, ck.wpky)
		if err != nil {
			return ErrBadPassword
		}
		ck.key = key
	}
	return nil
}

// unwrapKey unwraps a key stored as 4-byte little-endian protection class + wrapped key.
func (kb *keybag) unwrapKey(blob []byte) ([]byte, error) {
	if len(blob) < 4+24 {
		return nil, fmt.Errorf("wrapped key too short (%d bytes)", len(blob))
	}
	class := binary.LittleEndian.Uint32(blob[:4])
	ck, ok := kb.classes[class]
	if !ok || ck.key == nil {
		return nil, fmt.Errorf("no unlocked key for protection class %d", class)
	}
	return aesUnwrap(ck.key, blob[4:])
}

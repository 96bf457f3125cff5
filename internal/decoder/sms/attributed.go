package sms

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"
)

// textFromAttributedBody pulls the plain string out of a typedstream-encoded
// NSAttributedString. Newer iOS versions leave message.text empty and keep the
// body only here. Returns "" when the layout is not recognised.
func textFromAttributedBody(b []byte) string {
	i := bytes.Index(b, []byte("NSString"))
	if i < 0 {
		return ""
	}
	b = b[i+len("NSString"):]
	j := bytes.IndexByte(b, '+')
	if j < 0 || j+1 >= len(b) {
		return ""
	}
	b = b[j+1:]

	n := int(b[0])
	b = b[1:]
	switch n {
	case 0x81:
		if len(b) < 2 {
			return ""
		}
		n = int(binary.LittleEndian.Uint16(b))
		b = b[2:]
	case 0x82:
		if len(b) < 4 {
			return ""
		}
		n = int(binary.LittleEndian.Uint32(b))
		b = b[4:]
	}
	if n > len(b) || !utf8.Valid(b[:n]) {
		return ""
	}
	return string(b[:n])
}

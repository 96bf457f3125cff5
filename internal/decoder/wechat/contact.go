package wechat

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/MikeSquared-Agency/archivist/internal/backup"
)

// contact is one row of WCDB_Contact.sqlite's Friend table.
type contact struct {
	userName string
	nickname string
	alias    string
	remark   string
	kind     int64
}

// display prefers the operator's remark, then the nickname, then the user name.
func (c contact) display() string {
	switch {
	case c.remark != "":
		return c.remark
	case c.nickname != "":
		return c.nickname
	default:
		return c.userName
	}
}

func (c contact) isGroup() bool {
	return strings.HasSuffix(c.userName, "@chatroom")
}

func userHash(userName string) string {
	sum := md5.Sum([]byte(userName))
	return hex.EncodeToString(sum[:])
}

// parseRemark decodes the dbContactRemark blob: protobuf-encoded length-delimited
// fields 1 (nickname), 2 (alias) and 3 (remark). Unknown fields are skipped.
func parseRemark(b []byte) (nickname, alias, remark string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nickname, alias, remark, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nickname, alias, remark, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nickname, alias, remark, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			nickname = string(v)
		case 2:
			alias = string(v)
		case 3:
			remark = string(v)
		}
	}
	return nickname, alias, remark, nil
}

// loadContacts reads the Friend table, keyed by md5(userName) as the chat tables are.
func (a *account) loadContacts(ctx context.Context, db *sql.DB) error {
	cols, err := backup.Columns(ctx, db, "Friend")
	if err != nil {
		return err
	}
	if !cols["userName"] {
		return fmt.Errorf("Friend table has no userName column")
	}
	remarkCol, typeCol := "NULL", "0"
	if cols["dbContactRemark"] {
		remarkCol = "dbContactRemark"
	}
	if cols["type"] {
		typeCol = "type"
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT userName, %s, %s FROM Friend", remarkCol, typeCol))
	if err != nil {
		return fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	a.contacts = map[string]contact{}
	for rows.Next() {
		var (
			c    contact
			blob []byte
			kind sql.NullInt64
		)
		if err := rows.Scan(&c.userName, &blob, &kind); err != nil {
			a.logger.Warn("skipping unreadable contact", "error", err)
			continue
		}
		c.kind = kind.Int64
		if len(blob) > 0 {
			if c.nickname, c.alias, c.remark, err = parseRemark(blob); err != nil {
				a.logger.Debug("contact remark not decodable", "user", c.userName, "error", err)
			}
		}
		a.contacts[userHash(c.userName)] = c
	}
	return rows.Err()
}

// matchesChat reports whether a chat filter entry selects c.
func matchesChat(filter string, c contact) bool {
	if filter == c.userName || strings.EqualFold(filter, userHash(c.userName)) {
		return true
	}
	f := strings.ToLower(filter)
	for _, v := range []string{c.userName, c.nickname, c.remark, c.alias} {
		if v != "" && strings.Contains(strings.ToLower(v), f) {
			return true
		}
	}
	return false
}

package qqmht

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"path"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// part is one media resource of a web archive.
type part struct {
	name string
	mime string
	data []byte
}

// archive is a decoded web archive: the HTML body plus its media parts keyed by
// the base name of their Content-Location.
type archive struct {
	html  []byte
	parts map[string]part
}

var errNotMIME = errors.New("not a MIME web archive")

// parseMHT splits a multipart/related web archive into its HTML body and media.
func parseMHT(r io.Reader) (*archive, error) {
	msg, err := mail.ReadMessage(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNotMIME, err)
	}
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: content type: %v", errNotMIME, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, fmt.Errorf("%w: content type %q", errNotMIME, mediaType)
	}

	a := &archive{parts: map[string]part{}}
	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		p, err := mr.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive part: %w", err)
		}
		data, err := io.ReadAll(transferDecoder(p.Header.Get("Content-Transfer-Encoding"), p))
		p.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding archive part: %w", err)
		}

		ctype := p.Header.Get("Content-Type")
		location := p.Header.Get("Content-Location")
		partType, partParams, _ := mime.ParseMediaType(ctype)

		if a.html == nil && partType == "text/html" && (location == "" || isHTMLName(location)) {
			if a.html, err = toUTF8(data, partParams["charset"], ctype); err != nil {
				return nil, fmt.Errorf("decoding archive body: %w", err)
			}
			continue
		}
		if location == "" {
			continue
		}
		name := baseName(location)
		a.parts[name] = part{name: name, mime: partType, data: data}
	}
	if a.html == nil {
		return nil, fmt.Errorf("%w: no text/html part", errNotMIME)
	}
	return a, nil
}

func transferDecoder(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

// toUTF8 converts an HTML body to UTF-8. The GB family is decoded as GB18030,
// the superset QQ exports actually contain; other labels go through the HTML
// charset sniffer.
func toUTF8(data []byte, label, contentType string) ([]byte, error) {
	switch strings.ToLower(label) {
	case "gb2312", "gbk", "gb18030", "x-gbk":
		return simplifiedchinese.GB18030.NewDecoder().Bytes(data)
	case "", "utf-8", "utf8":
		if label == "" {
			r, err := charset.NewReader(bytes.NewReader(data), contentType)
			if err != nil {
				return nil, err
			}
			return io.ReadAll(r)
		}
		return data, nil
	default:
		r, err := charset.NewReaderLabel(label, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	}
}

func isHTMLName(name string) bool {
	ext := strings.ToLower(path.Ext(baseName(name)))
	return ext == ".htm" || ext == ".html"
}

// baseName strips directories from a Content-Location or img src, which may
// use either slash.
func baseName(loc string) string {
	loc = strings.ReplaceAll(loc, "\\", "/")
	if i := strings.IndexAny(loc, "?#"); i >= 0 {
		loc = loc[:i]
	}
	return path.Base(loc)
}

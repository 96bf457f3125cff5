package qqmht

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type rowKind int

const (
	rowBlank rowKind = iota
	rowText
	rowGroup
	rowTitle
	rowDate
	rowMessage
)

// row is one <tr> of the exported message table.
type row struct {
	kind   rowKind
	value  string // label, title, date or text of the row
	sender string
	clock  string
	body   *html.Node
}

var (
	labelGroup = []string{"消息分组:", "消息分组："}
	labelTitle = []string{"消息对象:", "消息对象："}
	labelDate  = []string{"日期:", "日期："}

	// senderID matches "Name(12345)" and "Name<mail@example.com>".
	senderID = regexp.MustCompile(`^(.*?)\s*(?:\(([^()]+)\)|<([^<>]+)>)$`)
)

// collectRows classifies every table row of the document in order.
func collectRows(doc *html.Node) []row {
	var rows []row
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			rows = append(rows, classify(n))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return rows
}

func classify(tr *html.Node) row {
	td := firstElement(tr, atom.Td)
	if td == nil {
		return row{kind: rowBlank}
	}
	if head := firstElement(td, atom.Div); head != nil {
		if name := firstElement(head, atom.Div); name != nil {
			var clock strings.Builder
			for c := head.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					clock.WriteString(c.Data)
				}
			}
			return row{
				kind:   rowMessage,
				sender: clean(textOf(name)),
				clock:  clean(clock.String()),
				body:   nextElement(head, atom.Div),
			}
		}
	}

	text := clean(textOf(td))
	for _, l := range []struct {
		kind     rowKind
		prefixes []string
	}{{rowGroup, labelGroup}, {rowTitle, labelTitle}, {rowDate, labelDate}} {
		for _, p := range l.prefixes {
			if rest, ok := strings.CutPrefix(text, p); ok {
				return row{kind: l.kind, value: strings.TrimSpace(rest)}
			}
		}
	}
	if text == "" {
		return row{kind: rowBlank}
	}
	return row{kind: rowText, value: text}
}

func firstElement(n *html.Node, a atom.Atom) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			if c.DataAtom == a {
				return c
			}
			return nil
		}
	}
	return nil
}

func nextElement(n *html.Node, a atom.Atom) *html.Node {
	for c := n.NextSibling; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return c
		}
	}
	return nil
}

// textOf concatenates the text below n, turning <br> into newlines.
func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
		case n.Type == html.ElementNode && n.DataAtom == atom.Br:
			b.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// content splits a message body into its text and image sources.
func content(body *html.Node) (text string, images []string) {
	if body == nil {
		return "", nil
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
		case n.Type == html.ElementNode && n.DataAtom == atom.Br:
			b.WriteByte('\n')
		case n.Type == html.ElementNode && n.DataAtom == atom.Img:
			for _, attr := range n.Attr {
				if strings.EqualFold(attr.Key, "src") && attr.Val != "" {
					images = append(images, attr.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(body)
	return clean(b.String()), images
}

func clean(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\u00a0", " "))
}

// splitSender separates the display name from the account in "Name(ID)" or
// "Name<mail>"; a bare name is its own ID.
func splitSender(s string) (name, id string) {
	m := senderID.FindStringSubmatch(s)
	if m == nil {
		return s, s
	}
	id = m[2] + m[3]
	name = m[1]
	if name == "" {
		name = id
	}
	return name, id
}

// Package outbox assembles RFC-822 MIME messages from composed outbox rows
// for delivery through the Gmail send endpoint.
package outbox

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
	"golang.org/x/net/html"
)

// Recipient is a display-name/address pair for a To/Cc/Bcc entry.
type Recipient struct {
	Name string
	Addr string
}

// Attachment is a file carried by the outbound message, inline or regular.
type Attachment struct {
	Filename    string
	ContentType string
	// ContentID identifies an inline attachment for cid: URI rewriting in
	// BodyHTML, without surrounding angle brackets. Empty for non-inline
	// attachments.
	ContentID string
	Inline    bool
	Content   []byte
}

// Message is the input to Build: a fully-resolved outbox row ready to be
// serialized to RFC-822 bytes.
type Message struct {
	From        Recipient
	To          []Recipient
	Cc          []Recipient
	Bcc         []Recipient
	Subject     string
	BodyHTML    string
	InReplyTo   string
	Attachments []Attachment
}

// Build renders msg into RFC-822 bytes suitable for the Gmail send endpoint.
// The MIME tree comes from enmime's builder: a multipart/alternative (plain
// text + HTML) part, wrapped in multipart/related when there are inline
// attachments and in multipart/mixed when there are regular attachments.
// A message without inline attachments has no multipart/related part.
func Build(msg *Message) ([]byte, error) {
	rewrittenHTML := rewriteHTML(msg.BodyHTML, msg.Attachments)

	text, err := html2text.FromString(rewrittenHTML, html2text.Options{OmitLinks: true})
	if err != nil {
		return nil, fmt.Errorf("generate plain text alternative: %w", err)
	}

	b := enmime.Builder().
		Subject(msg.Subject).
		Text([]byte(text)).
		HTML([]byte(rewrittenHTML)).
		Header("From", formatAddress(msg.From)).
		Header("To", formatAddressList(msg.To)).
		Header("Cc", formatAddressList(msg.Cc)).
		Header("Bcc", formatAddressList(msg.Bcc))

	if msg.InReplyTo != "" {
		b = b.Header("In-Reply-To", msg.InReplyTo)
	}

	for _, a := range msg.Attachments {
		if a.Inline {
			b = b.AddInline(a.Content, a.ContentType, a.Filename, a.ContentID)
		} else {
			b = b.AddAttachment(a.Content, a.ContentType, a.Filename)
		}
	}

	part, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build mime message: %w", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode mime message: %w", err)
	}
	return buf.Bytes(), nil
}

// formatAddress renders a single address as `"name" <addr>`, or the bare
// address when no display name is set.
func formatAddress(r Recipient) string {
	if r.Name == "" {
		return r.Addr
	}
	return fmt.Sprintf("%q <%s>", r.Name, r.Addr)
}

// formatAddressList comma-joins a recipient list for a To/Cc/Bcc header.
func formatAddressList(rs []Recipient) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = formatAddress(r)
	}
	return strings.Join(parts, ", ")
}

// rewriteHTML rewrites img[cid] references to cid: URIs for attachments that
// are present as inline parts, and opens anchors in a new tab. Malformed
// input HTML is passed through best-effort (html.Parse never fails on its
// own, it reinterprets invalid markup).
func rewriteHTML(body string, attachments []Attachment) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return body
	}

	byCID := make(map[string]string, len(attachments))
	for _, a := range attachments {
		if a.Inline && a.ContentID != "" {
			byCID[normalizeCID(a.ContentID)] = a.ContentID
		}
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "img":
				if cid, ok := attrValue(n, "cid"); ok {
					if realCID, ok := byCID[normalizeCID(cid)]; ok {
						setAttr(n, "src", "cid:"+realCID)
					}
				}
			case "a":
				setAttr(n, "target", "_blank")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return body
	}
	return buf.String()
}

// normalizeCID strips optional surrounding angle brackets from a Content-ID
// value so references can be matched with or without them.
func normalizeCID(s string) string {
	return strings.Trim(s, "<>")
}

func attrValue(n *html.Node, key string) (string, bool) {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, attr := range n.Attr {
		if attr.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

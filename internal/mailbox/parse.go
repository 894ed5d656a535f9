package mailbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
)

const (
	defaultSender  = "Unknown Sender"
	defaultSubject = "No Subject"
)

// stripTags removes every HTML element; script and style contents are dropped
// entirely. Safe for concurrent use.
var stripTags = bluemonday.StrictPolicy()

// parseMessage extracts the forwardable parts of a raw RFC 5322 message. It
// is best effort: malformed input still yields a Message with defaults and a
// content-derived ID, so a broken mail is forwarded once instead of being
// refetched forever. ReceivedAt is zero when the mail carries no Date
// header; callers supply a fallback.
func parseMessage(raw []byte) Message {
	msg := Message{
		Sender:  defaultSender,
		Subject: defaultSubject,
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		msg.ID = contentID(raw)
		return msg
	}
	defer mr.Close()

	h := mr.Header
	if subject, err := h.Subject(); err == nil && subject != "" {
		msg.Subject = subject
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.Sender = formatAddress(from[0].Name, from[0].Address)
	}
	if to, err := h.AddressList("To"); err == nil && len(to) > 0 {
		parts := make([]string, 0, len(to))
		for _, a := range to {
			parts = append(parts, formatAddress(a.Name, a.Address))
		}
		msg.Recipient = strings.Join(parts, ", ")
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.ReceivedAt = date
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		msg.ID = id
	}
	if msg.ID == "" {
		msg.ID = contentID(raw)
	}

	var plain, htmlBody string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Malformed remainder; keep what was read so far.
			break
		}
		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, params, err := ph.ContentType()
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(ct, "image/"):
				if data, err := io.ReadAll(p.Body); err == nil && len(data) > 0 {
					msg.Images = append(msg.Images, Attachment{
						Filename:    imageFilename(ct, params, len(msg.Images)),
						ContentType: ct,
						Data:        data,
					})
				}
			case ct == "text/plain" && plain == "":
				if data, err := io.ReadAll(p.Body); err == nil {
					plain = string(data)
				}
			case ct == "text/html" && htmlBody == "":
				if data, err := io.ReadAll(p.Body); err == nil {
					htmlBody = string(data)
				}
			}
		case *mail.AttachmentHeader:
			ct, params, err := ph.ContentType()
			if err != nil || !strings.HasPrefix(ct, "image/") {
				continue
			}
			data, err := io.ReadAll(p.Body)
			if err != nil || len(data) == 0 {
				continue
			}
			filename, _ := ph.Filename()
			if filename == "" {
				filename = imageFilename(ct, params, len(msg.Images))
			}
			msg.Images = append(msg.Images, Attachment{
				Filename:    filename,
				ContentType: ct,
				Data:        data,
			})
		}
	}

	msg.Body = strings.TrimSpace(plain)
	if htmlBody != "" {
		if converted := htmlToText(htmlBody); converted != "" {
			msg.Body = converted
		}
	}
	return msg
}

// htmlToText flattens an HTML body to the plain text Telegram receives.
func htmlToText(s string) string {
	text := html.UnescapeString(stripTags.Sanitize(s))
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func formatAddress(name, address string) string {
	if name != "" {
		return fmt.Sprintf("%s <%s>", name, address)
	}
	return address
}

func imageFilename(ct string, params map[string]string, index int) string {
	if name := params["name"]; name != "" {
		return name
	}
	ext := "bin"
	if i := strings.IndexByte(ct, '/'); i >= 0 && i+1 < len(ct) {
		ext = ct[i+1:]
	}
	return fmt.Sprintf("image_%d.%s", index+1, ext)
}

// contentID is the identifier of last resort for mail without a usable
// Message-ID header.
func contentID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

package mailbox

import (
	"context"
	"time"
)

// Attachment is an image extracted from a message part.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one mail retrieved from the mailbox, parsed for forwarding.
type Message struct {
	ID         string // stable identifier used for deduplication
	RemoteID   string // server-side handle (POP3 UIDL / IMAP UID), empty if unknown
	Sender     string
	Recipient  string
	Subject    string
	Body       string // plain text
	Images     []Attachment
	ReceivedAt time.Time
}

// Fetcher retrieves messages from a remote mail server. One call is one
// complete connect, authenticate, list, retrieve, disconnect pass.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Message, error)
}

// Deleter removes messages from the server by their RemoteID and reports how
// many were actually removed; RemoteIDs no longer present on the server are
// skipped. Only invoked for messages that were forwarded and recorded, and
// only when delete-after-forward is enabled.
type Deleter interface {
	Delete(ctx context.Context, remoteIDs []string) (deleted int, err error)
}

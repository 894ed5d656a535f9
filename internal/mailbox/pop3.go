package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/knadh/go-pop3"
)

const defaultDialTimeout = 30 * time.Second

// pop3Conn is the subset of *pop3.Conn the fetcher uses. Tests substitute a
// fake implementation.
type pop3Conn interface {
	Auth(user, password string) error
	List(msgID int) ([]pop3.MessageID, error)
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
	Quit() error
}

// POP3Fetcher retrieves mail over POP3, optionally wrapped in TLS.
type POP3Fetcher struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	logger   *slog.Logger

	dial func() (pop3Conn, error)
}

func NewPOP3Fetcher(host string, port int, username, password string, useTLS bool, logger *slog.Logger) *POP3Fetcher {
	f := &POP3Fetcher{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
		logger:   logger,
	}
	f.dial = f.connect
	return f
}

func (f *POP3Fetcher) connect() (pop3Conn, error) {
	client := pop3.New(pop3.Opt{
		Host:        f.host,
		Port:        f.port,
		DialTimeout: defaultDialTimeout,
		TLSEnabled:  f.useTLS,
	})
	return client.NewConn()
}

// Fetch downloads every message currently in the maildrop. Messages that fail
// to download are logged and skipped; the rest of the batch still goes
// through. The maildrop is left untouched.
func (f *POP3Fetcher) Fetch(ctx context.Context) ([]Message, error) {
	conn, err := f.dial()
	if err != nil {
		return nil, fmt.Errorf("pop3 connect %s:%d: %w", f.host, f.port, err)
	}
	defer func() {
		if err := conn.Quit(); err != nil {
			f.logger.Debug("pop3 quit failed", "error", err)
		}
	}()

	if err := conn.Auth(f.username, f.password); err != nil {
		return nil, fmt.Errorf("pop3 auth %s: %w", f.username, err)
	}

	ids, err := conn.Uidl(0)
	if err != nil {
		// UIDL is optional; fall back to LIST and lose stable UIDs.
		f.logger.Debug("pop3 uidl unsupported, falling back to list", "error", err)
		ids, err = conn.List(0)
		if err != nil {
			return nil, fmt.Errorf("pop3 list: %w", err)
		}
	}

	messages := make([]Message, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf, err := conn.RetrRaw(id.ID)
		if err != nil {
			f.logger.Warn("pop3 retr failed, skipping message", "seq", id.ID, "error", err)
			continue
		}
		raw := buf.Bytes()
		msg := parseMessage(raw)
		if id.UID != "" {
			msg.RemoteID = id.UID
			msg.ID = fmt.Sprintf("pop3:%s@%s/%s", f.username, f.host, id.UID)
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now().UTC()
		}
		messages = append(messages, msg)
	}

	f.logger.Debug("pop3 fetch complete", "listed", len(ids), "retrieved", len(messages))
	return messages, nil
}

// Delete expunges the given UIDLs on a fresh connection and reports how many
// were actually marked. UIDLs are re-mapped to current sequence numbers first;
// a UIDL no longer present on the server is skipped. Requires server UIDL
// support.
func (f *POP3Fetcher) Delete(ctx context.Context, remoteIDs []string) (int, error) {
	if len(remoteIDs) == 0 {
		return 0, nil
	}
	conn, err := f.dial()
	if err != nil {
		return 0, fmt.Errorf("pop3 connect %s:%d: %w", f.host, f.port, err)
	}
	deleted, err := f.deleteAll(ctx, conn, remoteIDs)
	// QUIT commits any DELE issued so far, so it runs on error paths too.
	if qerr := conn.Quit(); qerr != nil && err == nil {
		err = fmt.Errorf("pop3 quit: %w", qerr)
	}
	return deleted, err
}

func (f *POP3Fetcher) deleteAll(ctx context.Context, conn pop3Conn, remoteIDs []string) (int, error) {
	if err := conn.Auth(f.username, f.password); err != nil {
		return 0, fmt.Errorf("pop3 auth %s: %w", f.username, err)
	}
	ids, err := conn.Uidl(0)
	if err != nil {
		return 0, fmt.Errorf("pop3 uidl: %w", err)
	}
	seqByUID := make(map[string]int, len(ids))
	for _, id := range ids {
		seqByUID[id.UID] = id.ID
	}
	deleted := 0
	for _, uid := range remoteIDs {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		seq, ok := seqByUID[uid]
		if !ok {
			f.logger.Debug("pop3 uid already gone", "uid", uid)
			continue
		}
		if err := conn.Dele(seq); err != nil {
			return deleted, fmt.Errorf("pop3 dele %d: %w", seq, err)
		}
		deleted++
		f.logger.Debug("pop3 marked for deletion", "uid", uid, "seq", seq)
	}
	return deleted, nil
}

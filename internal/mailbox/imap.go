package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// imapClient is the subset of *imapclient.Client the fetcher uses. Command
// results are narrowed to waiter interfaces so tests substitute fakes.
type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(folder string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, flags *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

// IMAPFetcher retrieves mail over IMAP, optionally wrapped in TLS.
type IMAPFetcher struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	folder   string
	logger   *slog.Logger

	dial func() (imapClient, error)
}

func NewIMAPFetcher(host string, port int, username, password string, useTLS bool, folder string, logger *slog.Logger) *IMAPFetcher {
	if folder == "" {
		folder = "INBOX"
	}
	f := &IMAPFetcher{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
		folder:   folder,
		logger:   logger,
	}
	f.dial = f.connect
	return f
}

func (f *IMAPFetcher) connect() (imapClient, error) {
	addr := net.JoinHostPort(f.host, strconv.Itoa(f.port))
	opts := &imapclient.Options{
		Dialer: &net.Dialer{Timeout: defaultDialTimeout},
	}
	var client *imapclient.Client
	var err error
	if f.useTLS {
		opts.TLSConfig = &tls.Config{ServerName: f.host}
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

// Fetch downloads every message in the configured folder without changing
// any flags. Message IDs are scoped by UIDVALIDITY, so a mailbox reset makes
// mail look new again rather than silently matching stale records.
func (f *IMAPFetcher) Fetch(ctx context.Context) ([]Message, error) {
	client, err := f.dial()
	if err != nil {
		return nil, fmt.Errorf("imap connect %s:%d: %w", f.host, f.port, err)
	}
	defer client.Close()

	if err := client.Login(f.username, f.password).Wait(); err != nil {
		return nil, fmt.Errorf("imap login %s: %w", f.username, err)
	}

	selData, err := client.Select(f.folder, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap select %s: %w", f.folder, err)
	}

	searchData, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		f.logger.Debug("imap folder empty", "folder", f.folder)
		return nil, f.logout(client)
	}

	uidSet := imap.UIDSetNum(uids...)
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}
	buffers, err := client.Fetch(uidSet, fetchOptions).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	messages := make([]Message, 0, len(buffers))
	for _, buf := range buffers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := buf.FindBodySection(bodySection)
		if len(raw) == 0 {
			f.logger.Warn("imap empty body, skipping message", "uid", uint32(buf.UID))
			continue
		}
		msg := parseMessage(raw)
		msg.RemoteID = strconv.FormatUint(uint64(buf.UID), 10)
		msg.ID = fmt.Sprintf("imap:%s@%s/%d.%d", f.username, f.host, selData.UIDValidity, buf.UID)
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = buf.InternalDate
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now().UTC()
		}
		messages = append(messages, msg)
	}

	f.logger.Debug("imap fetch complete", "listed", len(uids), "retrieved", len(messages))
	return messages, f.logout(client)
}

// Delete flags the given UIDs \Deleted and expunges them on a fresh
// connection, reporting how many messages were actually flagged. A UID no
// longer present on the server is a no-op.
func (f *IMAPFetcher) Delete(ctx context.Context, remoteIDs []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	uids := make([]imap.UID, 0, len(remoteIDs))
	for _, id := range remoteIDs {
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			f.logger.Warn("imap remote id is not a uid, skipping", "remote_id", id)
			continue
		}
		uids = append(uids, imap.UID(n))
	}
	if len(uids) == 0 {
		return 0, nil
	}

	client, err := f.dial()
	if err != nil {
		return 0, fmt.Errorf("imap connect %s:%d: %w", f.host, f.port, err)
	}
	defer client.Close()

	if err := client.Login(f.username, f.password).Wait(); err != nil {
		return 0, fmt.Errorf("imap login %s: %w", f.username, err)
	}
	if _, err := client.Select(f.folder, nil).Wait(); err != nil {
		return 0, fmt.Errorf("imap select %s: %w", f.folder, err)
	}

	uidSet := imap.UIDSetNum(uids...)
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagDeleted}}
	// One untagged FETCH comes back per message the flag landed on, so UIDs
	// already gone are not counted.
	flagged, err := client.Store(uidSet, store, nil).Collect()
	if err != nil {
		return 0, fmt.Errorf("imap store deleted flag: %w", err)
	}
	if err := client.UIDExpunge(uidSet).Close(); err != nil {
		return 0, fmt.Errorf("imap expunge: %w", err)
	}
	return len(flagged), f.logout(client)
}

func (f *IMAPFetcher) logout(client imapClient) error {
	if err := client.Logout().Wait(); err != nil {
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(folder string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(folder, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, flags *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, flags, options)
}
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}

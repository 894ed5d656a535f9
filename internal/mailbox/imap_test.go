package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/require"
)

func testIMAPFetcher(client imapClient, dialErr error) *IMAPFetcher {
	f := NewIMAPFetcher("mail.example.com", 993, "agent", "secret", true, "INBOX", testLogger())
	f.dial = func() (imapClient, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return client, nil
	}
	return f
}

func TestIMAPFetcherFetch(t *testing.T) {
	client := &fakeIMAPClient{
		uidValidity: 7,
		uids:        []imap.UID{101, 102},
		raw: map[imap.UID][]byte{
			101: crlf("From: a@example.com", "Subject: first", "Date: Mon, 02 Jan 2006 15:04:05 +0000", "", "one"),
			102: crlf("From: b@example.com", "Subject: second", "", "two"),
		},
		internalDate: map[imap.UID]time.Time{
			102: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		},
	}
	f := testIMAPFetcher(client, nil)

	messages, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, messages, 2)

	require.Equal(t, "imap:agent@mail.example.com/7.101", messages[0].ID)
	require.Equal(t, "101", messages[0].RemoteID)
	require.Equal(t, "first", messages[0].Subject)
	require.True(t, messages[0].ReceivedAt.Equal(time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC)))

	require.Equal(t, "imap:agent@mail.example.com/7.102", messages[1].ID)
	require.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), messages[1].ReceivedAt)

	require.Equal(t, 1, client.logoutCalls)
	require.Zero(t, client.storeCalls)
	require.Zero(t, client.expungeCalls)
}

func TestIMAPFetcherFetchPeeks(t *testing.T) {
	client := &fakeIMAPClient{
		uids: []imap.UID{101},
		raw:  map[imap.UID][]byte{101: crlf("Subject: x", "", "y")},
	}
	f := testIMAPFetcher(client, nil)

	_, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, client.fetchOpts)
	require.Len(t, client.fetchOpts.BodySection, 1)
	require.True(t, client.fetchOpts.BodySection[0].Peek)
}

func TestIMAPFetcherUIDValidityChangesID(t *testing.T) {
	raw := map[imap.UID][]byte{101: crlf("Subject: same mail", "", "body")}

	first := testIMAPFetcher(&fakeIMAPClient{uidValidity: 7, uids: []imap.UID{101}, raw: raw}, nil)
	second := testIMAPFetcher(&fakeIMAPClient{uidValidity: 8, uids: []imap.UID{101}, raw: raw}, nil)

	before, err := first.Fetch(context.Background())
	require.NoError(t, err)
	after, err := second.Fetch(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, before[0].ID, after[0].ID)
}

func TestIMAPFetcherEmptyFolder(t *testing.T) {
	client := &fakeIMAPClient{}
	f := testIMAPFetcher(client, nil)

	messages, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Empty(t, messages)
	require.Zero(t, client.fetchCalls)
	require.Equal(t, 1, client.logoutCalls)
}

func TestIMAPFetcherEmptyBodySkipped(t *testing.T) {
	client := &fakeIMAPClient{
		uids: []imap.UID{101, 102},
		raw:  map[imap.UID][]byte{102: crlf("Subject: kept", "", "body")},
	}
	f := testIMAPFetcher(client, nil)

	messages, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "102", messages[0].RemoteID)
}

func TestIMAPFetcherLoginError(t *testing.T) {
	client := &fakeIMAPClient{loginErr: errors.New("bad creds")}
	f := testIMAPFetcher(client, nil)

	_, err := f.Fetch(context.Background())
	require.ErrorContains(t, err, "imap login")
	require.True(t, client.closed)
}

func TestIMAPFetcherDialError(t *testing.T) {
	f := testIMAPFetcher(nil, errors.New("connection refused"))

	_, err := f.Fetch(context.Background())
	require.ErrorContains(t, err, "imap connect")
}

func TestIMAPFetcherDelete(t *testing.T) {
	client := &fakeIMAPClient{uids: []imap.UID{101, 102}}
	f := testIMAPFetcher(client, nil)

	deleted, err := f.Delete(context.Background(), []string{"101", "102"})
	require.NoError(t, err)
	require.Equal(t, 2, deleted)
	require.Equal(t, 1, client.storeCalls)
	require.Equal(t, []imap.Flag{imap.FlagDeleted}, client.storeFlags)
	require.Equal(t, 1, client.expungeCalls)
	require.Equal(t, 1, client.logoutCalls)
}

func TestIMAPFetcherDeleteCountsOnlyPresentUIDs(t *testing.T) {
	// 102 was expunged by another client; the store round trip reports one
	// message flagged.
	client := &fakeIMAPClient{uids: []imap.UID{101}}
	f := testIMAPFetcher(client, nil)

	deleted, err := f.Delete(context.Background(), []string{"101", "102"})
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
}

func TestIMAPFetcherDeleteSkipsNonNumericIDs(t *testing.T) {
	dialed := false
	f := NewIMAPFetcher("mail.example.com", 993, "agent", "secret", true, "INBOX", testLogger())
	f.dial = func() (imapClient, error) {
		dialed = true
		return &fakeIMAPClient{}, nil
	}

	deleted, err := f.Delete(context.Background(), []string{"uid-1", "not-a-uid"})
	require.NoError(t, err)
	require.Zero(t, deleted)
	require.False(t, dialed)
}

func TestIMAPFetcherDeleteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := testIMAPFetcher(&fakeIMAPClient{uids: []imap.UID{101}}, nil)
	_, err := f.Delete(ctx, []string{"101"})
	require.ErrorIs(t, err, context.Canceled)
}

type fakeIMAPClient struct {
	uidValidity  uint32
	uids         []imap.UID
	raw          map[imap.UID][]byte
	internalDate map[imap.UID]time.Time

	loginErr   error
	selectErr  error
	searchErr  error
	fetchErr   error
	storeErr   error
	expungeErr error
	logoutErr  error

	fetchOpts    *imap.FetchOptions
	storeFlags   []imap.Flag
	fetchCalls   int
	storeCalls   int
	expungeCalls int
	logoutCalls  int
	closed       bool
}

func (c *fakeIMAPClient) Login(_, _ string) commandWaiter {
	return &fakeCommand{err: c.loginErr}
}

func (c *fakeIMAPClient) Logout() commandWaiter {
	c.logoutCalls++
	return &fakeCommand{err: c.logoutErr}
}

func (c *fakeIMAPClient) Close() error {
	c.closed = true
	return nil
}

func (c *fakeIMAPClient) Select(_ string, _ *imap.SelectOptions) selectWaiter {
	return &fakeSelect{err: c.selectErr, data: &imap.SelectData{UIDValidity: c.uidValidity}}
}

func (c *fakeIMAPClient) UIDSearch(_ *imap.SearchCriteria, _ *imap.SearchOptions) searchWaiter {
	return &fakeSearch{err: c.searchErr, data: &imap.SearchData{All: imap.UIDSetNum(c.uids...)}}
}

func (c *fakeIMAPClient) Fetch(_ imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	c.fetchCalls++
	c.fetchOpts = options
	return &fakeFetch{err: c.fetchErr, bufs: c.buffers()}
}

func (c *fakeIMAPClient) Store(_ imap.NumSet, flags *imap.StoreFlags, _ *imap.StoreOptions) fetchWaiter {
	c.storeCalls++
	if flags != nil {
		c.storeFlags = append(c.storeFlags, flags.Flags...)
	}
	return &fakeFetch{err: c.storeErr, bufs: c.buffers()}
}

func (c *fakeIMAPClient) UIDExpunge(_ imap.UIDSet) expungeWaiter {
	c.expungeCalls++
	return &fakeExpunge{err: c.expungeErr}
}

// buffers builds one response per UID the fake holds, the shape the real
// client collects for both FETCH and STORE.
func (c *fakeIMAPClient) buffers() []*imapclient.FetchMessageBuffer {
	bufs := make([]*imapclient.FetchMessageBuffer, 0, len(c.uids))
	for _, uid := range c.uids {
		bufs = append(bufs, &imapclient.FetchMessageBuffer{
			SeqNum:       uint32(uid),
			UID:          uid,
			InternalDate: c.internalDate[uid],
			BodySection: []imapclient.FetchBodySectionBuffer{{
				Section: &imap.FetchItemBodySection{Peek: true},
				Bytes:   append([]byte(nil), c.raw[uid]...),
			}},
		})
	}
	return bufs
}

type fakeCommand struct{ err error }

func (c *fakeCommand) Wait() error { return c.err }

type fakeSelect struct {
	err  error
	data *imap.SelectData
}

func (s *fakeSelect) Wait() (*imap.SelectData, error) { return s.data, s.err }

type fakeSearch struct {
	err  error
	data *imap.SearchData
}

func (s *fakeSearch) Wait() (*imap.SearchData, error) { return s.data, s.err }

type fakeFetch struct {
	err  error
	bufs []*imapclient.FetchMessageBuffer
}

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f *fakeFetch) Close() error                                       { return f.err }

type fakeExpunge struct{ err error }

func (e *fakeExpunge) Close() error { return e.err }

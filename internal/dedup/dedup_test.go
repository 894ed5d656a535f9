package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStoreMarkAndHas(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	seen, err := s.Has(ctx, "msg-1")
	require.NoError(t, err)
	require.False(t, seen)

	rec := Record{
		MessageID:   "msg-1",
		Sender:      "Alice <alice@example.com>",
		Recipient:   "bob@example.com",
		Subject:     "Greetings",
		ReceivedAt:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		ImageCount:  2,
		ForwardedAt: time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC),
	}
	require.NoError(t, s.Mark(ctx, rec))

	seen, err = s.Has(ctx, "msg-1")
	require.NoError(t, err)
	require.True(t, seen)

	seen, err = s.Has(ctx, "msg-2")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestSQLStoreKeepsAuditColumns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := Record{
		MessageID:   "msg-audit",
		Sender:      "Alice <alice@example.com>",
		Recipient:   "bob@example.com",
		Subject:     "With pictures",
		ReceivedAt:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		ImageCount:  3,
		ForwardedAt: time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC),
	}
	require.NoError(t, s.Mark(ctx, rec))

	var got Record
	query := s.db.Rebind(`SELECT message_id, sender, recipient, subject, received_at, image_count, forwarded_at
		FROM seen_messages WHERE message_id = ?`)
	require.NoError(t, s.db.GetContext(ctx, &got, query, rec.MessageID))

	require.Equal(t, rec.MessageID, got.MessageID)
	require.Equal(t, rec.Sender, got.Sender)
	require.Equal(t, rec.Recipient, got.Recipient)
	require.Equal(t, rec.Subject, got.Subject)
	require.Equal(t, rec.ImageCount, got.ImageCount)
	require.WithinDuration(t, rec.ReceivedAt, got.ReceivedAt, time.Second)
	require.WithinDuration(t, rec.ForwardedAt, got.ForwardedAt, time.Second)
}

func TestSQLStoreDuplicateMarkFails(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := Record{MessageID: "msg-dup"}
	require.NoError(t, s.Mark(ctx, rec))
	require.Error(t, s.Mark(ctx, rec))
}

func TestSQLStoreMarkFillsForwardedAt(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Mark(ctx, Record{MessageID: "msg-now"}))

	var got Record
	query := s.db.Rebind(`SELECT message_id, forwarded_at FROM seen_messages WHERE message_id = ?`)
	require.NoError(t, s.db.GetContext(ctx, &got, query, "msg-now"))
	require.WithinDuration(t, time.Now().UTC(), got.ForwardedAt, time.Minute)
}

func TestSQLStoreCount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, s.Mark(ctx, Record{MessageID: "a"}))
	require.NoError(t, s.Mark(ctx, Record{MessageID: "b"}))

	n, err = s.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestOpenUnsupportedScheme(t *testing.T) {
	_, err := Open(context.Background(), "redis://localhost:6379/0")
	require.ErrorContains(t, err, "unsupported database url")
}

func TestResolveDriver(t *testing.T) {
	cases := []struct {
		name   string
		url    string
		driver string
		dsn    string
	}{
		{"sqlite relative", "sqlite:///mail.db", "sqlite3", "mail.db"},
		{"sqlite absolute", "sqlite:////var/lib/mail.db", "sqlite3", "/var/lib/mail.db"},
		{"sqlite memory", "sqlite://:memory:", "sqlite3", ":memory:"},
		{"postgres", "postgres://u:p@db.example:5432/mail", "postgres", "postgres://u:p@db.example:5432/mail"},
		{"postgresql alias", "postgresql://u@db.example/mail", "postgres", "postgresql://u@db.example/mail"},
		{"mysql", "mysql://u:p@db.example:3307/mail", "mysql", "u:p@tcp(db.example:3307)/mail?parseTime=true"},
		{"mysql default port", "mysql://u:p@db.example/mail", "mysql", "u:p@tcp(db.example:3306)/mail?parseTime=true"},
		{"mysql extra params", "mysql://u@db.example/mail?charset=utf8mb4", "mysql", "u@tcp(db.example:3306)/mail?charset=utf8mb4&parseTime=true"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			driver, dsn, err := resolveDriver(tc.url)
			require.NoError(t, err)
			require.Equal(t, tc.driver, driver)
			require.Equal(t, tc.dsn, dsn)
		})
	}
}

func TestResolveDriverErrors(t *testing.T) {
	for _, url := range []string{
		"sqlite://",
		"mysql://u:p@db.example",
		"mail.db",
	} {
		_, _, err := resolveDriver(url)
		require.Error(t, err, url)
	}
}

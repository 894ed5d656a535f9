package dedup

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one forwarded message. Rows are written only after Telegram
// confirmed the send, and are never updated or deleted.
type Record struct {
	MessageID   string    `db:"message_id"`
	Sender      string    `db:"sender"`
	Recipient   string    `db:"recipient"`
	Subject     string    `db:"subject"`
	ReceivedAt  time.Time `db:"received_at"`
	ImageCount  int       `db:"image_count"`
	ForwardedAt time.Time `db:"forwarded_at"`
}

// Store keeps track of forwarded message IDs so restarts do not resend mail.
type Store interface {
	Has(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, rec Record) error
	Count(ctx context.Context) (int64, error)
}

// SQLStore persists seen messages in SQLite, PostgreSQL or MySQL.
type SQLStore struct {
	db *sqlx.DB
}

// Open connects to the database named by databaseURL, creates the schema if
// it is missing and returns the store.
func Open(ctx context.Context, databaseURL string) (*SQLStore, error) {
	driver, dsn, err := resolveDriver(databaseURL)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite3" {
		// SQLite allows one writer; a second connection would just hit
		// SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := createSchema(ctx, db, driver); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func createSchema(ctx context.Context, db *sqlx.DB, driver string) error {
	// DATETIME sidesteps the 1970..2038 range of MySQL TIMESTAMP.
	timestampType := "TIMESTAMP"
	if driver == "mysql" {
		timestampType = "DATETIME"
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS seen_messages (
		message_id   VARCHAR(512) PRIMARY KEY,
		sender       TEXT,
		recipient    TEXT,
		subject      TEXT,
		received_at  %s,
		image_count  INTEGER NOT NULL DEFAULT 0,
		forwarded_at %s
	)`, timestampType, timestampType)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create seen_messages table: %w", err)
	}
	return nil
}

// Has reports whether the message ID was already forwarded.
func (s *SQLStore) Has(ctx context.Context, id string) (bool, error) {
	var n int
	query := s.db.Rebind(`SELECT COUNT(1) FROM seen_messages WHERE message_id = ?`)
	if err := s.db.GetContext(ctx, &n, query, id); err != nil {
		return false, fmt.Errorf("query seen message: %w", err)
	}
	return n > 0, nil
}

// Mark records a forwarded message. A zero ForwardedAt is filled with the
// current time.
func (s *SQLStore) Mark(ctx context.Context, rec Record) error {
	if rec.ForwardedAt.IsZero() {
		rec.ForwardedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`INSERT INTO seen_messages
		(message_id, sender, recipient, subject, received_at, image_count, forwarded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		rec.MessageID, rec.Sender, rec.Recipient, rec.Subject, rec.ReceivedAt, rec.ImageCount, rec.ForwardedAt); err != nil {
		return fmt.Errorf("insert seen message: %w", err)
	}
	return nil
}

// Count returns the number of recorded messages.
func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM seen_messages`); err != nil {
		return 0, fmt.Errorf("count seen messages: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// resolveDriver maps a database URL to a driver name and DSN. SQLite URLs
// follow the sqlite:///relative.db and sqlite:////absolute.db convention,
// PostgreSQL URLs pass through unchanged and MySQL URLs are rewritten to the
// driver's DSN form.
func resolveDriver(databaseURL string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		path = strings.TrimPrefix(path, "/")
		if path == "" {
			return "", "", fmt.Errorf("sqlite url %q has no path", databaseURL)
		}
		return "sqlite3", path, nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres", databaseURL, nil
	case strings.HasPrefix(databaseURL, "mysql://"):
		dsn, err := mysqlDSN(databaseURL)
		if err != nil {
			return "", "", err
		}
		return "mysql", dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported database url %q: expected sqlite://, postgres:// or mysql://", databaseURL)
	}
}

func mysqlDSN(databaseURL string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse mysql url: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":3306"
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "", fmt.Errorf("mysql url %q has no database name", databaseURL)
	}
	userinfo := u.User.Username()
	if password, ok := u.User.Password(); ok {
		userinfo += ":" + password
	}
	q := u.Query()
	if q.Get("parseTime") == "" {
		q.Set("parseTime", "true")
	}
	return fmt.Sprintf("%s@tcp(%s)/%s?%s", userinfo, host, name, q.Encode()), nil
}

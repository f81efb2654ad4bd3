package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/qudata/fleet-agent/internal/message"
)

// ErrNotFound is returned when a message id is unknown.
var ErrNotFound = errors.New("message not found")

// Record is a persisted message.
type Record struct {
	ID            string            `json:"id" yaml:"id"`
	Name          string            `json:"name" yaml:"name"`
	Queue         string            `json:"queue" yaml:"queue"`
	Direction     message.Direction `json:"direction" yaml:"direction"`
	Format        string            `json:"format" yaml:"format"`
	Payload       []byte            `json:"-" yaml:"-"`
	Handled       bool              `json:"handled" yaml:"handled"`
	Delivered     bool              `json:"delivered" yaml:"delivered"`
	Attempts      int               `json:"attempts" yaml:"attempts"`
	CreatedAt     time.Time         `json:"created_at" yaml:"created_at"`
	LastAttemptAt time.Time         `json:"last_attempt_at,omitempty" yaml:"last_attempt_at,omitempty"`
}

// Message decodes the stored payload.
func (r *Record) Message() (*message.Message, error) {
	m, err := message.Decode(r.Payload, r.Format)
	if err != nil {
		return nil, err
	}
	m.Direction = r.Direction
	m.Queue = r.Queue
	m.Handled = r.Handled
	return m, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Name      string
	Direction message.Direction
	Handled   *bool
	Limit     int
}

// MessageStore is the durable message log backed by SQLite.
type MessageStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenMessageStore opens (or creates) the message database at path.
func OpenMessageStore(path string) (*MessageStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open message db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping message db: %w", err)
	}

	s := &MessageStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate message db: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *MessageStore) Close() error {
	return s.db.Close()
}

func (s *MessageStore) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    queue TEXT NOT NULL DEFAULT '',
    direction TEXT NOT NULL,
    format TEXT NOT NULL,
    payload BLOB NOT NULL,
    handled INTEGER NOT NULL DEFAULT 0,
    delivered INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    last_attempt_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_messages_pending ON messages(direction, handled, created_at);
`
	_, err := s.db.Exec(schema)
	return err
}

// Put stores a record. A record with the same id is left untouched and
// Put reports false.
func (s *MessageStore) Put(ctx context.Context, r *Record) (bool, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages (id, name, queue, direction, format, payload, handled, delivered, attempts, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Name, r.Queue, string(r.Direction), r.Format, r.Payload,
		boolInt(r.Handled), boolInt(r.Delivered), r.Attempts, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get returns the record with id.
func (s *MessageStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// List returns records matching f, oldest first.
func (s *MessageStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	var where []string
	var args []any
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if f.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, string(f.Direction))
	}
	if f.Handled != nil {
		where = append(where, "handled = ?")
		args = append(args, boolInt(*f.Handled))
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Unhandled returns inbound messages not yet marked handled, in arrival order.
func (s *MessageStore) Unhandled(ctx context.Context) ([]*Record, error) {
	handled := false
	return s.List(ctx, Filter{Direction: message.Inbound, Handled: &handled})
}

// MarkHandled records that every interested handler finished with id.
func (s *MessageStore) MarkHandled(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE messages SET handled = 1 WHERE id = ?`, id)
}

// MarkUnhandled resets the handled mark so the message is dispatched again.
func (s *MessageStore) MarkUnhandled(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE messages SET handled = 0 WHERE id = ?`, id)
}

// MarkAttempt records a delivery attempt of an outbound message.
func (s *MessageStore) MarkAttempt(ctx context.Context, id string, attempts int, delivered bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET attempts = ?, delivered = ?, last_attempt_at = ? WHERE id = ?`,
		attempts, boolInt(delivered), s.now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	return nil
}

func (s *MessageStore) update(ctx context.Context, query, id string) error {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectColumns = `SELECT id, name, queue, direction, format, payload, handled, delivered, attempts, created_at, last_attempt_at FROM messages`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r                  Record
		direction          string
		handled, delivered int
		created            int64
		lastAttempt        sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.Name, &r.Queue, &direction, &r.Format, &r.Payload,
		&handled, &delivered, &r.Attempts, &created, &lastAttempt); err != nil {
		return nil, err
	}
	r.Direction = message.Direction(direction)
	r.Handled = handled == 1
	r.Delivered = delivered == 1
	r.CreatedAt = time.Unix(0, created)
	if lastAttempt.Valid {
		r.LastAttemptAt = time.Unix(0, lastAttempt.Int64)
	}
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

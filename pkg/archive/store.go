// Package archive keeps finished interviews in SQLite so the feedback step
// (and the -review flag) can read them back.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/parley/pkg/conversation"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/session"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	transport TEXT NOT NULL,
	route TEXT NOT NULL,
	startedAt REAL NOT NULL,
	endedAt REAL NOT NULL,
	elapsedSeconds REAL NOT NULL,
	creditForfeited INTEGER NOT NULL,
	createdAt REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	sequenceNumber INTEGER NOT NULL,
	role TEXT NOT NULL,
	text TEXT NOT NULL,
	final INTEGER NOT NULL,
	at REAL NOT NULL,
	PRIMARY KEY (sessionId, sequenceNumber)
);
`

var ErrNotFound = errors.New("session not found")

// Store implements session.Navigator by persisting the outcome it is handed.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (and migrates) the database at dsn. A bare path is accepted.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dsn)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; also keeps :memory: databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, log: logging.NewComponentLogger(logger, "archive")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Proceed records the finished session.
func (s *Store) Proceed(ctx context.Context, o session.Outcome) error {
	if err := s.Save(ctx, o); err != nil {
		return err
	}
	s.log.Info("session_archived",
		"session_id", o.SessionID,
		"route", o.Route,
		"messages", len(o.Messages),
		"credit_forfeited", o.CreditForfeited,
	)
	return nil
}

func (s *Store) Save(ctx context.Context, o session.Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, transport, route, startedAt, endedAt, elapsedSeconds, creditForfeited, createdAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			endedAt = excluded.endedAt,
			elapsedSeconds = excluded.elapsedSeconds,
			creditForfeited = excluded.creditForfeited
	`, o.SessionID, o.Transport, o.Route, unixFromTime(o.StartedAt), unixFromTime(o.EndedAt),
		o.Elapsed.Seconds(), boolInt(o.CreditForfeited), unixFromTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE sessionId = ?`, o.SessionID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for i, m := range o.Messages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (sessionId, sequenceNumber, role, text, final, at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, o.SessionID, i, string(m.Role), m.Text, boolInt(m.Final), unixFromTime(m.At))
		if err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Record is one archived interview.
type Record struct {
	ID              string
	Transport       string
	Route           string
	StartedAt       time.Time
	EndedAt         time.Time
	Elapsed         time.Duration
	CreditForfeited bool
	Messages        []conversation.Message
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transport, route, startedAt, endedAt, elapsedSeconds, creditForfeited
		FROM sessions
		WHERE id = ?
	`, id)

	var r Record
	var startedAt, endedAt, elapsed float64
	var forfeited int
	if err := row.Scan(&r.ID, &r.Transport, &r.Route, &startedAt, &endedAt, &elapsed, &forfeited); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	r.StartedAt = timeFromUnix(startedAt)
	r.EndedAt = timeFromUnix(endedAt)
	r.Elapsed = time.Duration(elapsed * float64(time.Second))
	r.CreditForfeited = forfeited != 0

	msgs, err := s.messages(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Messages = msgs
	return &r, nil
}

func (s *Store) messages(ctx context.Context, id string) ([]conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, text, final, at
		FROM messages
		WHERE sessionId = ?
		ORDER BY sequenceNumber ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		var m conversation.Message
		var role string
		var final int
		var at float64
		if err := rows.Scan(&role, &m.Text, &final, &at); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = conversation.Role(role)
		m.Final = final != 0
		m.At = timeFromUnix(at)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Recent lists the newest sessions first, without messages.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transport, route, startedAt, endedAt, elapsedSeconds, creditForfeited
		FROM sessions
		ORDER BY startedAt DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var startedAt, endedAt, elapsed float64
		var forfeited int
		if err := rows.Scan(&r.ID, &r.Transport, &r.Route, &startedAt, &endedAt, &elapsed, &forfeited); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.StartedAt = timeFromUnix(startedAt)
		r.EndedAt = timeFromUnix(endedAt)
		r.Elapsed = time.Duration(elapsed * float64(time.Second))
		r.CreditForfeited = forfeited != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transcript renders a record the way the review flag prints it.
func (r *Record) Transcript() string {
	return conversation.Transcript(r.Messages)
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

func unixFromTime(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ session.Navigator = (*Store)(nil)

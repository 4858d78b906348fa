// Package audit keeps the call log of dispatched commands in SQLite. Each
// record id is handed to the handler so artifacts it produces can be linked
// back to the call that created them.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	MaxRequestUserLen = 64
	MaxMessageLen     = 1024

	archiveKeyAttempts = 10
)

var ErrNotFound = errors.New("call log entry not found")

const schema = `
CREATE TABLE IF NOT EXISTS pbot_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	created       INTEGER NOT NULL,
	modified      INTEGER NOT NULL,
	request_user  TEXT    NOT NULL,
	message       TEXT    NOT NULL,
	archived_path TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS pbot_log_archived_path ON pbot_log (archived_path);
`

// Entry is one call log record.
type Entry struct {
	ID           int64
	Created      time.Time
	Modified     time.Time
	RequestUser  string
	Message      string
	ArchivedPath string
}

// Store persists call log entries in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens or creates the call log database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create call log schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Record inserts a call log entry and returns its id. Requester and command
// are truncated to the column limits.
func (s *Store) Record(ctx context.Context, requester, command string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := toMillis(s.now())

	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO pbot_log (created, modified, request_user, message) VALUES (?, ?, ?, ?)`,
		now, now, truncate(requester, MaxRequestUserLen), truncate(command, MaxMessageLen),
	)
	if err != nil {
		return 0, fmt.Errorf("record call: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record call: %w", err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id int64) (Entry, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, created, modified, request_user, message, archived_path FROM pbot_log WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get call %d: %w", id, err)
	}
	return entry, nil
}

// Recent returns up to limit entries, newest first. When requester is not
// empty only that user's calls are returned.
func (s *Store) Recent(ctx context.Context, requester string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT id, created, modified, request_user, message, archived_path FROM pbot_log`
	args := []any{}
	if requester != "" {
		query += ` WHERE request_user = ?`
		args = append(args, requester)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SetArchivedPath links an artifact key to the call with the given id.
func (s *Store) SetArchivedPath(ctx context.Context, id int64, path string) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE pbot_log SET archived_path = ?, modified = ? WHERE id = ?`,
		path, toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("set archived path for call %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set archived path for call %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ArchivePathExists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pbot_log WHERE archived_path = ?)`, path,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check archived path: %w", err)
	}
	return exists, nil
}

// ArchiveKey returns a key of the form
// pbot/<requestType>/<YYYYmmdd_HHMMSS>_<uuid>.<ext> that no call references
// yet.
func (s *Store) ArchiveKey(ctx context.Context, requestType, ext string) (string, error) {
	requestType = strings.Trim(requestType, "/ ")
	ext = strings.TrimPrefix(ext, ".")
	if requestType == "" || ext == "" {
		return "", fmt.Errorf("request type and extension are required")
	}

	for i := 0; i < archiveKeyAttempts; i++ {
		key := fmt.Sprintf("pbot/%s/%s_%s.%s",
			requestType, s.now().Format("20060102_150405"), uuid.NewString(), ext)
		exists, err := s.ArchivePathExists(ctx, key)
		if err != nil {
			return "", err
		}
		if !exists {
			return key, nil
		}
	}
	return "", fmt.Errorf("no unused archive key after %d attempts", archiveKeyAttempts)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		entry             Entry
		created, modified int64
	)
	if err := row.Scan(&entry.ID, &created, &modified, &entry.RequestUser, &entry.Message, &entry.ArchivedPath); err != nil {
		return Entry{}, err
	}
	entry.Created = fromMillis(created)
	entry.Modified = fromMillis(modified)
	return entry, nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

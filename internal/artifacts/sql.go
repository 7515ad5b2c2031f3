package artifacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

// SQLService persists artifacts in a relational database. Parts are
// stored as JSON; binary payloads ride base64-encoded inside the JSON
// column. Drivers "sqlite3" and "postgres" are supported.
type SQLService struct {
	db     *sql.DB
	driver string
}

const artifactSchema = `
CREATE TABLE IF NOT EXISTS artifacts (
	app_name   TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	filename   TEXT NOT NULL,
	version    INTEGER NOT NULL,
	part       TEXT NOT NULL,
	PRIMARY KEY (app_name, user_id, session_id, filename, version)
)`

// NewSQLService wraps an existing connection and applies the schema.
func NewSQLService(db *sql.DB, driver string) (*SQLService, error) {
	svc := &SQLService{db: db, driver: driver}
	if _, err := db.Exec(artifactSchema); err != nil {
		return nil, fmt.Errorf("apply artifact schema: %w", err)
	}
	return svc, nil
}

var _ Service = (*SQLService)(nil)

func (s *SQLService) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLService) Save(ctx context.Context, appName, userID, sessionID, filename string, part models.Part) (int, error) {
	scoped := scopeSession(sessionID, filename)
	payload, err := json.Marshal(part)
	if err != nil {
		return 0, fmt.Errorf("encode artifact: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts
		 WHERE app_name = ? AND user_id = ? AND session_id = ? AND filename = ?`),
		appName, userID, scoped, filename).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("next artifact version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO artifacts (app_name, user_id, session_id, filename, version, part) VALUES (?, ?, ?, ?, ?, ?)`),
		appName, userID, scoped, filename, version, string(payload)); err != nil {
		return 0, fmt.Errorf("insert artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit save: %w", err)
	}
	return version, nil
}

func (s *SQLService) Load(ctx context.Context, appName, userID, sessionID, filename string, version int) (*models.Part, error) {
	scoped := scopeSession(sessionID, filename)

	query := `SELECT part FROM artifacts
		 WHERE app_name = ? AND user_id = ? AND session_id = ? AND filename = ?`
	args := []any{appName, userID, scoped, filename}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}

	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}

	var part models.Part
	if err := json.Unmarshal([]byte(payload), &part); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &part, nil
}

func (s *SQLService) Keys(ctx context.Context, appName, userID, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT DISTINCT filename FROM artifacts
		 WHERE app_name = ? AND user_id = ? AND session_id IN (?, ?) ORDER BY filename`),
		appName, userID, sessionID, UserScopedSession)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan artifact key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLService) Versions(ctx context.Context, appName, userID, sessionID, filename string) ([]int, error) {
	scoped := scopeSession(sessionID, filename)
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT version FROM artifacts
		 WHERE app_name = ? AND user_id = ? AND session_id = ? AND filename = ? ORDER BY version ASC`),
		appName, userID, scoped, filename)
	if err != nil {
		return nil, fmt.Errorf("list artifact versions: %w", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan artifact version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *SQLService) Delete(ctx context.Context, appName, userID, sessionID, filename string) error {
	scoped := scopeSession(sessionID, filename)
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM artifacts WHERE app_name = ? AND user_id = ? AND session_id = ? AND filename = ?`),
		appName, userID, scoped, filename); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/pkg/models"
)

// SQLService persists sessions in a relational database. It speaks both
// sqlite3 and postgres through database/sql; queries are written with ?
// placeholders and rebound for postgres.
type SQLService struct {
	db       *sql.DB
	driver   string
	locks    *sessionLocks
	ownsConn bool
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	app_name   TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	id         TEXT NOT NULL,
	state      TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (app_name, user_id, id)
);
CREATE TABLE IF NOT EXISTS events (
	id                    TEXT NOT NULL,
	app_name              TEXT NOT NULL,
	user_id               TEXT NOT NULL,
	session_id            TEXT NOT NULL,
	invocation_id         TEXT NOT NULL,
	author                TEXT NOT NULL,
	branch                TEXT,
	timestamp             DOUBLE PRECISION NOT NULL,
	turn_complete         INTEGER NOT NULL DEFAULT 0,
	interrupted           INTEGER NOT NULL DEFAULT 0,
	content               TEXT,
	actions               TEXT,
	error_code            TEXT,
	error_message         TEXT,
	long_running_tool_ids TEXT,
	grounding_metadata    TEXT,
	seq                   INTEGER NOT NULL,
	PRIMARY KEY (app_name, user_id, session_id, id)
);
CREATE TABLE IF NOT EXISTS app_states (
	app_name TEXT NOT NULL,
	state    TEXT,
	PRIMARY KEY (app_name)
);
CREATE TABLE IF NOT EXISTS user_states (
	app_name TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	state    TEXT,
	PRIMARY KEY (app_name, user_id)
);
CREATE INDEX IF NOT EXISTS idx_events_session_seq
	ON events (app_name, user_id, session_id, seq);
`

// NewSQLService opens the database, runs the idempotent schema, and
// returns the store. Supported drivers are "sqlite3" and "postgres".
func NewSQLService(driver, dsn string) (*SQLService, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	svc, err := NewSQLServiceFromDB(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	svc.ownsConn = true
	return svc, nil
}

// NewSQLServiceFromDB wraps an existing connection. The caller keeps
// ownership of db.
func NewSQLServiceFromDB(db *sql.DB, driver string) (*SQLService, error) {
	svc := &SQLService{db: db, driver: driver, locks: newSessionLocks()}
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(svc.rebind(stmt)); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return svc, nil
}

// Close closes the underlying connection if this service opened it.
func (s *SQLService) Close() error {
	if s.ownsConn {
		return s.db.Close()
	}
	return nil
}

var _ Service = (*SQLService)(nil)

// rebind rewrites ? placeholders to $n for postgres.
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

func (s *SQLService) Create(ctx context.Context, appName, userID, sessionID string) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if existing, err := s.Get(ctx, appName, userID, sessionID); err == nil {
		return existing, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO sessions (app_name, user_id, id, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
		appName, userID, sessionID, nil, now, now)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.Get(ctx, appName, userID, sessionID)
}

func (s *SQLService) Get(ctx context.Context, appName, userID, sessionID string) (*Session, error) {
	var stateJSON sql.NullString
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT state, updated_at FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`),
		appName, userID, sessionID).Scan(&stateJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	sessionState, err := decodeStateColumn(stateJSON)
	if err != nil {
		return nil, err
	}
	appState, err := s.loadScopedState(ctx,
		`SELECT state FROM app_states WHERE app_name = ?`, appName)
	if err != nil {
		return nil, err
	}
	userState, err := s.loadScopedState(ctx,
		`SELECT state FROM user_states WHERE app_name = ? AND user_id = ?`, appName, userID)
	if err != nil {
		return nil, err
	}

	events, err := s.loadEvents(ctx, appName, userID, sessionID)
	if err != nil {
		return nil, err
	}

	return &Session{
		AppName:   appName,
		UserID:    userID,
		ID:        sessionID,
		State:     mergeState(appState, userState, sessionState),
		Events:    events,
		UpdatedAt: updatedAt,
	}, nil
}

func (s *SQLService) List(ctx context.Context, appName, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id FROM sessions WHERE app_name = ? AND user_id = ? ORDER BY updated_at DESC`),
		appName, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var out []*Session
	for _, id := range ids {
		sess, err := s.Get(ctx, appName, userID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *SQLService) Delete(ctx context.Context, appName, userID, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM events WHERE app_name = ? AND user_id = ? AND session_id = ?`),
		appName, userID, sessionID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`),
		appName, userID, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLService) AppendEvent(ctx context.Context, sess *Session, ev *models.Event) error {
	if ev.Partial {
		return nil
	}

	unlock := s.locks.lock(sess.AppName + "/" + sess.UserID + "/" + sess.ID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	appDelta, userDelta, sessionDelta := splitDelta(ev.Actions.StateDelta)

	appState, err := s.applyScopedDelta(ctx, tx,
		`SELECT state FROM app_states WHERE app_name = ?`,
		`INSERT INTO app_states (app_name, state) VALUES (?, ?) ON CONFLICT (app_name) DO UPDATE SET state = excluded.state`,
		appDelta, sess.AppName)
	if err != nil {
		return err
	}
	userState, err := s.applyScopedDelta(ctx, tx,
		`SELECT state FROM user_states WHERE app_name = ? AND user_id = ?`,
		`INSERT INTO user_states (app_name, user_id, state) VALUES (?, ?, ?) ON CONFLICT (app_name, user_id) DO UPDATE SET state = excluded.state`,
		userDelta, sess.AppName, sess.UserID)
	if err != nil {
		return err
	}

	var stateJSON sql.NullString
	var seq int
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT s.state, (SELECT COUNT(*) FROM events e WHERE e.app_name = s.app_name AND e.user_id = s.user_id AND e.session_id = s.id)
		 FROM sessions s WHERE s.app_name = ? AND s.user_id = ? AND s.id = ?`),
		sess.AppName, sess.UserID, sess.ID).Scan(&stateJSON, &seq)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	sessionState, err := decodeStateColumn(stateJSON)
	if err != nil {
		return err
	}
	for k, v := range sessionDelta {
		sessionState[k] = v
	}

	now := time.Now().UTC()
	encodedSession, err := encodeStateColumn(sessionState)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE sessions SET state = ?, updated_at = ? WHERE app_name = ? AND user_id = ? AND id = ?`),
		encodedSession, now, sess.AppName, sess.UserID, sess.ID); err != nil {
		return fmt.Errorf("update session state: %w", err)
	}

	content, err := encodeJSONColumn(ev.Content)
	if err != nil {
		return err
	}
	actions, err := encodeJSONColumn(ev.Actions)
	if err != nil {
		return err
	}
	toolIDs, err := encodeJSONColumn(ev.LongRunningToolIDs)
	if err != nil {
		return err
	}
	var grounding any
	if len(ev.GroundingMetadata) > 0 {
		grounding = string(ev.GroundingMetadata)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO events (id, app_name, user_id, session_id, invocation_id, author, branch, timestamp,
			turn_complete, interrupted, content, actions, error_code, error_message, long_running_tool_ids, grounding_metadata, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, sess.AppName, sess.UserID, sess.ID, ev.InvocationID, ev.Author, ev.Branch, ev.Timestamp,
		boolToInt(ev.TurnComplete), boolToInt(ev.Interrupted), content, actions,
		ev.ErrorCode, ev.ErrorMessage, toolIDs, grounding, seq); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	sess.Events = append(sess.Events, ev)
	sess.State = mergeState(appState, userState, sessionState)
	sess.UpdatedAt = now
	return nil
}

// applyScopedDelta merges delta into the single-row state of an app or
// user scope inside the transaction and returns the resulting state. When
// the delta is empty the row is read but not written.
func (s *SQLService) applyScopedDelta(ctx context.Context, tx *sql.Tx, selectQ, upsertQ string, delta map[string]any, keys ...any) (map[string]any, error) {
	var stateJSON sql.NullString
	err := tx.QueryRowContext(ctx, s.rebind(selectQ), keys...).Scan(&stateJSON)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load scoped state: %w", err)
	}
	state, err := decodeStateColumn(stateJSON)
	if err != nil {
		return nil, err
	}
	if len(delta) == 0 {
		return state, nil
	}
	for k, v := range delta {
		state[k] = v
	}
	encoded, err := encodeStateColumn(state)
	if err != nil {
		return nil, err
	}
	args := append(append([]any{}, keys...), encoded)
	if _, err := tx.ExecContext(ctx, s.rebind(upsertQ), args...); err != nil {
		return nil, fmt.Errorf("write scoped state: %w", err)
	}
	return state, nil
}

func (s *SQLService) loadScopedState(ctx context.Context, query string, keys ...any) (map[string]any, error) {
	var stateJSON sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(query), keys...).Scan(&stateJSON)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load scoped state: %w", err)
	}
	return decodeStateColumn(stateJSON)
}

func (s *SQLService) loadEvents(ctx context.Context, appName, userID, sessionID string) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, invocation_id, author, branch, timestamp, turn_complete, interrupted,
			content, actions, error_code, error_message, long_running_tool_ids, grounding_metadata
		 FROM events WHERE app_name = ? AND user_id = ? AND session_id = ? ORDER BY seq ASC`),
		appName, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var ev models.Event
		var branch, content, actions, errCode, errMsg, toolIDs, grounding sql.NullString
		var turnComplete, interrupted int
		if err := rows.Scan(&ev.ID, &ev.InvocationID, &ev.Author, &branch, &ev.Timestamp,
			&turnComplete, &interrupted, &content, &actions, &errCode, &errMsg, &toolIDs, &grounding); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Branch = branch.String
		ev.TurnComplete = turnComplete != 0
		ev.Interrupted = interrupted != 0
		ev.ErrorCode = errCode.String
		ev.ErrorMessage = errMsg.String
		if content.Valid && content.String != "" {
			if err := json.Unmarshal([]byte(content.String), &ev.Content); err != nil {
				return nil, fmt.Errorf("decode event content: %w", err)
			}
		}
		if actions.Valid && actions.String != "" {
			if err := json.Unmarshal([]byte(actions.String), &ev.Actions); err != nil {
				return nil, fmt.Errorf("decode event actions: %w", err)
			}
		}
		if toolIDs.Valid && toolIDs.String != "" {
			if err := json.Unmarshal([]byte(toolIDs.String), &ev.LongRunningToolIDs); err != nil {
				return nil, fmt.Errorf("decode long running tool ids: %w", err)
			}
		}
		if grounding.Valid && grounding.String != "" {
			ev.GroundingMetadata = json.RawMessage(grounding.String)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return events, nil
}

func decodeStateColumn(col sql.NullString) (map[string]any, error) {
	if !col.Valid || col.String == "" {
		return map[string]any{}, nil
	}
	var state map[string]any
	if err := json.Unmarshal([]byte(col.String), &state); err != nil {
		return nil, fmt.Errorf("decode state column: %w", err)
	}
	if state == nil {
		state = map[string]any{}
	}
	return state, nil
}

func encodeStateColumn(state map[string]any) (any, error) {
	if len(state) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state column: %w", err)
	}
	return string(data), nil
}

// encodeJSONColumn marshals v for a nullable TEXT column; empty values
// store as NULL.
func encodeJSONColumn(v any) (any, error) {
	switch val := v.(type) {
	case *models.Content:
		if val == nil {
			return nil, nil
		}
	case models.EventActions:
		if val.IsZero() {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

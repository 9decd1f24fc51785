// Package store provides the durable SQLite tables shared by the
// conversation loop, the scheduler, and the alert dispatcher:
// conversation turns, preferences, alerts, and scheduled tasks. All
// persisted state lives here; other components hold only transient
// in-memory views for the duration of one operation.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foyerlabs/concierge/internal/llm"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open creates a store on the given database file, running migrations
// on first use. WAL mode allows concurrent readers while the agent,
// scheduler, and alert dispatcher share the database.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New creates a store on an existing database handle.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id               TEXT PRIMARY KEY,
		conversation_key TEXT NOT NULL,
		role             TEXT NOT NULL,
		content          TEXT NOT NULL,
		created_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_key, created_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS preferences (
		conversation_key TEXT NOT NULL,
		name             TEXT NOT NULL,
		value            TEXT NOT NULL,
		updated_at       TEXT NOT NULL,
		PRIMARY KEY (conversation_key, name)
	);

	CREATE TABLE IF NOT EXISTS alerts (
		conversation_key TEXT NOT NULL,
		entity_id        TEXT NOT NULL,
		enabled          INTEGER NOT NULL DEFAULT 1,
		created_at       TEXT NOT NULL,
		PRIMARY KEY (conversation_key, entity_id)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id               TEXT PRIMARY KEY,
		conversation_key TEXT NOT NULL,
		execute_at       INTEGER NOT NULL,
		domain           TEXT NOT NULL,
		service          TEXT NOT NULL,
		data             TEXT NOT NULL,
		description      TEXT NOT NULL,
		executed         INTEGER NOT NULL DEFAULT 0,
		cancelled        INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks(executed, cancelled, execute_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7. Time-ordered ids keep insertion order
// stable when rows share a created_at timestamp.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// turnContent is the discriminated payload persisted in the content
// column. Exactly one case is populated, selected by Kind.
type turnContent struct {
	Kind        string           `json:"kind"` // text | tool_use | tool_result
	Text        string           `json:"text,omitempty"`
	ToolCalls   []llm.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []llm.ToolResult `json:"tool_results,omitempty"`
}

func encodeTurn(msg llm.Message) (string, error) {
	c := turnContent{Kind: "text", Text: msg.Content}
	switch {
	case len(msg.ToolCalls) > 0:
		c = turnContent{Kind: "tool_use", Text: msg.Content, ToolCalls: msg.ToolCalls}
	case len(msg.ToolResults) > 0:
		c = turnContent{Kind: "tool_result", ToolResults: msg.ToolResults}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal turn content: %w", err)
	}
	return string(data), nil
}

func decodeTurn(role, content string) (llm.Message, error) {
	var c turnContent
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		return llm.Message{}, fmt.Errorf("unmarshal turn content: %w", err)
	}

	msg := llm.Message{Role: role}
	switch c.Kind {
	case "tool_use":
		msg.Content = c.Text
		msg.ToolCalls = c.ToolCalls
	case "tool_result":
		msg.ToolResults = c.ToolResults
	default:
		msg.Content = c.Text
	}
	return msg, nil
}

// AppendTurns appends messages to a conversation in one transaction.
// Either all turns become visible or none do.
func (s *Store) AppendTurns(conversationKey string, msgs []llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO turns (id, conversation_key, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, msg := range msgs {
		content, err := encodeTurn(msg)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(NewID(), conversationKey, msg.Role, content,
			now.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}

	return tx.Commit()
}

// History returns the last limit turns of a conversation in
// chronological order. The durable record is never trimmed; only the
// tail read here is bounded.
func (s *Store) History(conversationKey string, limit int) ([]llm.Message, error) {
	rows, err := s.db.Query(`
		SELECT role, content FROM turns
		WHERE conversation_key = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, conversationKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}
		msg, err := decodeTurn(role, content)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; reverse to chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ClearHistory deletes all turns of a conversation. Preferences,
// alerts, and tasks are separate relations and survive.
func (s *Store) ClearHistory(conversationKey string) error {
	_, err := s.db.Exec(`DELETE FROM turns WHERE conversation_key = ?`, conversationKey)
	return err
}

// SetPreference upserts a preference. Last write wins.
func (s *Store) SetPreference(conversationKey, name, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO preferences (conversation_key, name, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_key, name) DO UPDATE SET
			value = excluded.value, updated_at = excluded.updated_at
	`, conversationKey, name, value, time.Now().Format(time.RFC3339Nano))
	return err
}

// Preferences returns all preferences for a conversation, keyed by name.
func (s *Store) Preferences(conversationKey string) (map[string]string, error) {
	rows, err := s.db.Query(`
		SELECT name, value FROM preferences WHERE conversation_key = ?
		ORDER BY name ASC
	`, conversationKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prefs := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		prefs[name] = value
	}
	return prefs, rows.Err()
}

// SetAlert upserts an alert row. Enabling a previously disabled alert
// re-activates the existing row rather than duplicating it.
func (s *Store) SetAlert(conversationKey, entityID string, enabled bool) error {
	flag := 0
	if enabled {
		flag = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO alerts (conversation_key, entity_id, enabled, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_key, entity_id) DO UPDATE SET enabled = excluded.enabled
	`, conversationKey, entityID, flag, time.Now().Format(time.RFC3339Nano))
	return err
}

// Alerts returns the enabled alert entity ids for one conversation.
func (s *Store) Alerts(conversationKey string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT entity_id FROM alerts
		WHERE conversation_key = ? AND enabled = 1
		ORDER BY created_at ASC
	`, conversationKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConversationsWatching returns the keys of every conversation with an
// enabled alert on the given entity.
func (s *Store) ConversationsWatching(entityID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT conversation_key FROM alerts
		WHERE entity_id = ? AND enabled = 1
	`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

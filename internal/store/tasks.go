package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Task is a durable, time-triggered deferred service call. Rows are
// never deleted: executed and cancelled are terminal flags, preserving
// an audit trail and keeping cancellation checks correct.
type Task struct {
	ID              string
	ConversationKey string
	ExecuteAt       time.Time
	Domain          string
	Service         string
	Data            map[string]any
	Description     string
	Executed        bool
	Cancelled       bool
	CreatedAt       time.Time
}

// CreateTask persists a new pending task, assigning its id.
func (s *Store) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	data := t.Data
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal task data: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, conversation_key, execute_at, domain, service, data, description, executed, cancelled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
	`, t.ID, t.ConversationKey, t.ExecuteAt.Unix(), t.Domain, t.Service,
		string(dataJSON), t.Description, t.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// GetTask retrieves a task by id. Returns nil, nil when no such task
// exists.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(taskColumns+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// DueTasks returns every pending task whose execution time is at or
// before now, oldest first.
func (s *Store) DueTasks(now time.Time) ([]*Task, error) {
	rows, err := s.db.Query(taskColumns+`
		WHERE executed = 0 AND cancelled = 0 AND execute_at <= ?
		ORDER BY execute_at ASC
	`, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// PendingTasks returns a conversation's not-yet-executed, not-cancelled
// tasks ordered by execution time.
func (s *Store) PendingTasks(conversationKey string) ([]*Task, error) {
	rows, err := s.db.Query(taskColumns+`
		WHERE conversation_key = ? AND executed = 0 AND cancelled = 0
		ORDER BY execute_at ASC
	`, conversationKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// MarkExecuted flips a pending task to executed. The update is a
// compare-and-set keyed by id and prior state, so concurrent sweeps
// cannot both claim the same task: exactly one caller sees true.
func (s *Store) MarkExecuted(id string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET executed = 1
		WHERE id = ? AND executed = 0 AND cancelled = 0
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelTask marks a pending task cancelled, scoped to the owning
// conversation. Returns false when the id does not match a pending task
// owned by that conversation (unknown id, other owner, already run, or
// already cancelled).
func (s *Store) CancelTask(id, conversationKey string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET cancelled = 1
		WHERE id = ? AND conversation_key = ? AND executed = 0 AND cancelled = 0
	`, id, conversationKey)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const taskColumns = `
	SELECT id, conversation_key, execute_at, domain, service, data, description, executed, cancelled, created_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var executeAt int64
	var dataJSON, createdAt string
	var executed, cancelled int

	err := row.Scan(&t.ID, &t.ConversationKey, &executeAt, &t.Domain, &t.Service,
		&dataJSON, &t.Description, &executed, &cancelled, &createdAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(dataJSON), &t.Data); err != nil {
		return nil, fmt.Errorf("unmarshal task data: %w", err)
	}

	t.ExecuteAt = time.Unix(executeAt, 0)
	t.Executed = executed == 1
	t.Cancelled = cancelled == 1
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

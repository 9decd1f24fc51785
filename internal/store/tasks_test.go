package store

import (
	"testing"
	"time"
)

func newTestTask(key string, at time.Time) *Task {
	return &Task{
		ConversationKey: key,
		ExecuteAt:       at,
		Domain:          "light",
		Service:         "turn_off",
		Data:            map[string]any{"entity_id": "light.bedroom"},
		Description:     "turn off the bedroom light",
	}
}

func TestCreateTask_AssignsID(t *testing.T) {
	s := setupTestStore(t)

	task := newTestTask("42", time.Now().Add(time.Hour))
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected id to be assigned")
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("task not found after create")
	}
	if got.Domain != "light" || got.Service != "turn_off" {
		t.Errorf("service = %s.%s, want light.turn_off", got.Domain, got.Service)
	}
	if got.Data["entity_id"] != "light.bedroom" {
		t.Errorf("data not round-tripped: %v", got.Data)
	}
	if got.ExecuteAt.Unix() != task.ExecuteAt.Unix() {
		t.Errorf("execute_at = %v, want %v", got.ExecuteAt, task.ExecuteAt)
	}
}

func TestGetTask_Unknown(t *testing.T) {
	s := setupTestStore(t)

	got, err := s.GetTask("no-such-id")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown id, got %+v", got)
	}
}

func TestDueTasks_OnlyPastAndPending(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now()

	past := newTestTask("42", now.Add(-time.Minute))
	future := newTestTask("42", now.Add(time.Hour))
	cancelled := newTestTask("42", now.Add(-time.Minute))

	for _, task := range []*Task{past, future, cancelled} {
		if err := s.CreateTask(task); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.CancelTask(cancelled.ID, "42"); err != nil {
		t.Fatal(err)
	}

	due, err := s.DueTasks(now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due task, got %d", len(due))
	}
	if due[0].ID != past.ID {
		t.Errorf("due[0].ID = %s, want %s", due[0].ID, past.ID)
	}
}

func TestDueTasks_BoundaryInclusive(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now().Truncate(time.Second)

	task := newTestTask("42", now)
	if err := s.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	due, err := s.DueTasks(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Errorf("task due exactly now should be returned, got %d", len(due))
	}
}

func TestMarkExecuted_ExactlyOnce(t *testing.T) {
	s := setupTestStore(t)

	task := newTestTask("42", time.Now().Add(-time.Minute))
	if err := s.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	first, err := s.MarkExecuted(task.ID)
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if !first {
		t.Fatal("first mark should win")
	}

	second, err := s.MarkExecuted(task.ID)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if second {
		t.Error("second mark should lose")
	}

	due, err := s.DueTasks(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("executed task still due: %v", due)
	}
}

func TestCancelTask_ScopedToOwner(t *testing.T) {
	s := setupTestStore(t)

	task := newTestTask("42", time.Now().Add(time.Hour))
	if err := s.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	ok, err := s.CancelTask(task.ID, "99")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("cancel by non-owner should fail")
	}

	ok, err = s.CancelTask(task.ID, "42")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("cancel by owner should succeed")
	}

	pending, err := s.PendingTasks("42")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("cancelled task still pending: %v", pending)
	}
}

func TestCancelTask_AfterExecution(t *testing.T) {
	s := setupTestStore(t)

	task := newTestTask("42", time.Now().Add(-time.Minute))
	if err := s.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkExecuted(task.ID); err != nil {
		t.Fatal(err)
	}

	ok, err := s.CancelTask(task.ID, "42")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("cancel of an executed task should fail")
	}
}

func TestPendingTasks_OrderedByExecuteAt(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now()

	later := newTestTask("42", now.Add(2*time.Hour))
	sooner := newTestTask("42", now.Add(time.Hour))
	for _, task := range []*Task{later, sooner} {
		if err := s.CreateTask(task); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := s.PendingTasks("42")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pending))
	}
	if pending[0].ID != sooner.ID {
		t.Errorf("pending not ordered by execute_at: %s first", pending[0].ID)
	}
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusPlanning  TaskStatus = "planning"
	TaskStatusExecuting TaskStatus = "executing"
	TaskStatusVerifying TaskStatus = "verifying"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusFailed    TaskStatus = "failed"
)

// allowedTransitions encodes the task lifecycle. Status only moves forward;
// retries re-run execution without leaving the executing state. Done and
// failed are terminal.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusQueued: {
		TaskStatusPlanning: {},
		TaskStatusFailed:   {},
	},
	TaskStatusPlanning: {
		TaskStatusExecuting: {},
		TaskStatusFailed:    {},
	},
	TaskStatusExecuting: {
		TaskStatusVerifying: {},
		TaskStatusFailed:    {},
	},
	TaskStatusVerifying: {
		TaskStatusDone:   {},
		TaskStatusFailed: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ErrPlanAlreadySet is returned when SetTaskPlan is called a second time.
var ErrPlanAlreadySet = errors.New("task plan already set")

type Task struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	Plan         string     `json:"plan,omitempty"`
	ExecutionLog string     `json:"execution_log,omitempty"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

const taskColumns = `id, user_id, description, status, COALESCE(plan, ''),
	COALESCE(execution_log, ''), COALESCE(result, ''), COALESCE(error, ''),
	retry_count, created_at, updated_at, completed_at`

func scanDBTask(scanFn func(dest ...any) error, task *Task) error {
	var completedAt sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.UserID,
		&task.Description,
		&task.Status,
		&task.Plan,
		&task.ExecutionLog,
		&task.Result,
		&task.Error,
		&task.RetryCount,
		&task.CreatedAt,
		&task.UpdatedAt,
		&completedAt,
	); err != nil {
		return err
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, userID, description string) (*Task, error) {
	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, user_id, description, status, retry_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, userID, description, TaskStatusQueued)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return s.GetTask(ctx, taskID)
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanDBTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// TransitionTask moves a task between lifecycle states, rejecting illegal jumps.
func (s *Store) TransitionTask(ctx context.Context, taskID string, to TaskStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select task for transition: %w", err)
		}
		if !canTransition(current, to) {
			return fmt.Errorf("illegal transition %s -> %s", current, to)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
		`, to, taskID, current); err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		return tx.Commit()
	})
}

// SetTaskPlan stores the generated plan. A task's plan is written exactly once;
// retries re-execute the stored plan rather than regenerate it.
func (s *Store) SetTaskPlan(ctx context.Context, taskID, planJSON string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin set plan tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var existing sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT plan FROM tasks WHERE id = ?;`, taskID).Scan(&existing); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select task plan: %w", err)
		}
		if existing.Valid && existing.String != "" {
			return ErrPlanAlreadySet
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET plan = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, planJSON, taskID); err != nil {
			return fmt.Errorf("set task plan: %w", err)
		}
		return tx.Commit()
	})
}

// SetExecutionLog replaces the execution log wholesale. Each attempt overwrites
// the previous attempt's log.
func (s *Store) SetExecutionLog(ctx context.Context, taskID, logJSON string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET execution_log = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, logJSON, taskID)
	if err != nil {
		return fmt.Errorf("set execution log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) IncrementRetryCount(ctx context.Context, taskID string) (int, error) {
	var count int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retry count tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("increment retry count: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM tasks WHERE id = ?;`, taskID).Scan(&count); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read retry count: %w", err)
		}
		return tx.Commit()
	})
	return count, err
}

// CompleteTask marks a verifying task done and records the final response.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) error {
	return s.finishTask(ctx, taskID, TaskStatusDone, result, "")
}

// FailTask marks a task failed from any non-terminal state.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	return s.finishTask(ctx, taskID, TaskStatusFailed, "", errMsg)
}

func (s *Store) finishTask(ctx context.Context, taskID string, to TaskStatus, result, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select task for finish: %w", err)
		}
		if to == TaskStatusDone && !canTransition(current, to) {
			return fmt.Errorf("illegal transition %s -> %s", current, to)
		}
		if to == TaskStatusFailed && slices.Contains([]TaskStatus{TaskStatusDone, TaskStatusFailed}, current) {
			return fmt.Errorf("illegal transition %s -> %s", current, to)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, result = ?, error = ?, updated_at = CURRENT_TIMESTAMP, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, result, errMsg, taskID, current); err != nil {
			return fmt.Errorf("finish task: %w", err)
		}
		return tx.Commit()
	})
}

func (s *Store) ListTasksByUser(ctx context.Context, userID string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY created_at DESC LIMIT ?;`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by user: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanDBTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ListTasks returns tasks newest-first with optional status filter, for the admin API.
func (s *Store) ListTasks(ctx context.Context, statusFilter string, limit, offset int) ([]Task, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	var countErr error
	if statusFilter != "" {
		countErr = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?;`, statusFilter).Scan(&total)
	} else {
		countErr = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks;`).Scan(&total)
	}
	if countErr != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", countErr)
	}

	var rows *sql.Rows
	var err error
	if statusFilter != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at DESC LIMIT ? OFFSET ?;`,
			statusFilter, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ? OFFSET ?;`,
			limit, offset)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanDBTask(rows.Scan, &t); err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// RecoverStuckTasks fails tasks left mid-flight by a crash. A task found in
// planning, executing, or verifying at startup cannot resume safely.
func (s *Store) RecoverStuckTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, error = 'interrupted by restart', updated_at = CURRENT_TIMESTAMP, completed_at = CURRENT_TIMESTAMP
		WHERE status IN (?, ?, ?, ?);
	`, TaskStatusFailed, TaskStatusQueued, TaskStatusPlanning, TaskStatusExecuting, TaskStatusVerifying)
	if err != nil {
		return 0, fmt.Errorf("recover stuck tasks: %w", err)
	}
	return res.RowsAffected()
}

// TaskCounts returns per-status counts for the health endpoint.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()

	out := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

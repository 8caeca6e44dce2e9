// Package repository Run 相关的存储操作
//
// Run 状态机的三个变更操作（MarkRunning / RequestCancel / SetTerminal）
// 都在事务内先以行级排他锁读取当前行，再判断终止态：
//   - 已终止：不做任何修改，原样返回当前状态
//   - 未终止：应用状态转移并更新时间戳
//
// 这保证并发变更同一 Run 时转移被串行化，且终止态是吸收态。
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agent-runs/internal/shared/model"
	"agent-runs/internal/shared/storage"
)

const runColumns = `id, thread_id, agent_id, user_id, request_id, status, input_payload,
		  error_type, error_message, started_at, finished_at, created_at, updated_at`

// CreateRun 创建 pending 状态的 Run
// request_id 唯一键冲突时返回 storage.ErrDuplicate
func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	query := s.rebind(`
		INSERT INTO runs (id, thread_id, agent_id, user_id, request_id, status, input_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.ThreadID, run.AgentID, run.UserID, run.RequestID,
		run.Status, []byte(run.InputPayload), run.CreatedAt, run.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("run %s request_id %s: %w", run.ID, run.RequestID, storage.ErrDuplicate)
	}
	return err
}

// GetRun 获取 Run
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	query := s.rebind(`SELECT ` + runColumns + ` FROM runs WHERE id = $1`)
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// GetRunByRequestID 按幂等令牌获取 Run
func (s *Store) GetRunByRequestID(ctx context.Context, requestID string) (*model.Run, error) {
	query := s.rebind(`SELECT ` + runColumns + ` FROM runs WHERE request_id = $1`)
	run, err := scanRun(s.db.QueryRowContext(ctx, query, requestID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// GetRunForUser 按 ID + 归属用户获取 Run
func (s *Store) GetRunForUser(ctx context.Context, id, userID string) (*model.Run, error) {
	query := s.rebind(`SELECT ` + runColumns + ` FROM runs WHERE id = $1 AND user_id = $2`)
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// GetActiveRunByThread 返回线程最近一个非终止 Run
func (s *Store) GetActiveRunByThread(ctx context.Context, threadID, userID string) (*model.Run, error) {
	query := s.rebind(`SELECT ` + runColumns + `
		  FROM runs
		  WHERE thread_id = $1 AND user_id = $2
		    AND status NOT IN ('completed', 'failed', 'cancelled', 'interrupted')
		  ORDER BY created_at DESC
		  LIMIT 1`)
	run, err := scanRun(s.db.QueryRowContext(ctx, query, threadID, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// MarkRunning 将 Run 标记为执行中
// 已终止的 Run 原样返回，不做修改
func (s *Store) MarkRunning(ctx context.Context, id string) (*model.Run, error) {
	return s.mutateRun(ctx, id, func(tx *sql.Tx, run *model.Run) error {
		now := time.Now().UTC()
		started := run.StartedAt
		if started == nil {
			started = &now
		}

		query := s.rebind(`UPDATE runs SET status = $1, started_at = $2, updated_at = $3 WHERE id = $4`)
		if _, err := tx.ExecContext(ctx, query, model.RunStatusRunning, started, now, id); err != nil {
			return err
		}

		run.Status = model.RunStatusRunning
		run.StartedAt = started
		run.UpdatedAt = now
		return nil
	})
}

// RequestCancel 将 Run 标记为已请求取消
// 取消请求不终止 Run，由 Worker 观察信号后收尾
func (s *Store) RequestCancel(ctx context.Context, id string) (*model.Run, error) {
	return s.mutateRun(ctx, id, func(tx *sql.Tx, run *model.Run) error {
		now := time.Now().UTC()

		query := s.rebind(`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`)
		if _, err := tx.ExecContext(ctx, query, model.RunStatusCancelRequested, now, id); err != nil {
			return err
		}

		run.Status = model.RunStatusCancelRequested
		run.UpdatedAt = now
		return nil
	})
}

// SetTerminal 将 Run 置为终止状态并记录错误信息
// 已终止的 Run 原样返回，error_type/error_message 也不再变更
func (s *Store) SetTerminal(ctx context.Context, id string, status model.RunStatus, errorType, errorMessage *string) (*model.Run, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("status %s is not terminal", status)
	}

	return s.mutateRun(ctx, id, func(tx *sql.Tx, run *model.Run) error {
		now := time.Now().UTC()

		query := s.rebind(`UPDATE runs
			  SET status = $1, error_type = $2, error_message = $3, finished_at = $4, updated_at = $5
			  WHERE id = $6`)
		if _, err := tx.ExecContext(ctx, query, status, errorType, errorMessage, now, now, id); err != nil {
			return err
		}

		run.Status = status
		run.ErrorType = errorType
		run.ErrorMessage = errorMessage
		run.FinishedAt = &now
		run.UpdatedAt = now
		return nil
	})
}

// mutateRun 在事务内锁定 Run 行并应用状态转移
//
// Run 不存在时返回 (nil, nil)；已终止时跳过 apply，返回锁定时读到的状态。
func (s *Store) mutateRun(ctx context.Context, id string, apply func(tx *sql.Tx, run *model.Run) error) (*model.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin run mutation: %w", err)
	}
	defer tx.Rollback()

	run, err := s.lockRun(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}

	if !run.IsTerminal() {
		if err := apply(tx, run); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit run mutation: %w", err)
	}
	return run, nil
}

// lockRun 以行级排他锁读取 Run（SQLite 方言无锁子句，依赖单写者事务）
func (s *Store) lockRun(ctx context.Context, tx *sql.Tx, id string) (*model.Run, error) {
	query := s.rebind(`SELECT `+runColumns+` FROM runs WHERE id = $1`) + s.dialect.ForUpdateClause()
	run, err := scanRun(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// scanRun 辅助函数
func scanRun(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Run, error) {
	run := &model.Run{}
	var payload *[]byte
	err := scanner.Scan(
		&run.ID, &run.ThreadID, &run.AgentID, &run.UserID, &run.RequestID, &run.Status,
		&payload, &run.ErrorType, &run.ErrorMessage,
		&run.StartedAt, &run.FinishedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		run.InputPayload = *payload
	}
	return run, nil
}

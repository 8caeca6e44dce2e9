// Package repository User / Thread 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"agent-runs/internal/shared/model"
	"agent-runs/internal/shared/storage"
)

// CreateUser 创建用户
func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	query := s.rebind(`INSERT INTO users (id, username, created_at) VALUES ($1, $2, $3)`)
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Username, user.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", user.ID, storage.ErrDuplicate)
	}
	return err
}

// GetUser 获取用户
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	query := s.rebind(`SELECT id, username, created_at FROM users WHERE id = $1`)
	user := &model.User{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateThread 创建对话线程
func (s *Store) CreateThread(ctx context.Context, thread *model.Thread) error {
	query := s.rebind(`INSERT INTO threads (id, user_id, status, created_at) VALUES ($1, $2, $3, $4)`)
	_, err := s.db.ExecContext(ctx, query, thread.ID, thread.UserID, thread.Status, thread.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("thread %s: %w", thread.ID, storage.ErrDuplicate)
	}
	return err
}

// GetThread 获取对话线程
func (s *Store) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	query := s.rebind(`SELECT id, user_id, status, created_at FROM threads WHERE id = $1`)
	thread := &model.Thread{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&thread.ID, &thread.UserID, &thread.Status, &thread.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return thread, nil
}

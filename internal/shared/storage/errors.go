// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// repository 实现负责将底层错误转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate 唯一键冲突（request_id / 主键重复）
	ErrDuplicate = errors.New("duplicate: entity already exists")

	// ErrUnavailable 存储不可用（连接失败、超时）
	// 调用方据此降级或重试，而不是当作"暂无数据"
	ErrUnavailable = errors.New("storage unavailable")
)

// Package catalog 定义电影目录存储的契约：按标题幂等写入与向量相似度检索
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/user/moviesearch/internal/model"
)

const (
	// DefaultLimit 默认返回的结果数
	DefaultLimit = 5
	// DefaultNumCandidates 默认候选池大小（过采样）
	DefaultNumCandidates = 100
)

// Store 电影目录存储
type Store interface {
	// IsEmpty 目录中没有任何记录时返回 true
	IsEmpty(ctx context.Context) (bool, error)

	// Count 返回记录数
	Count(ctx context.Context) (int64, error)

	// UpsertAll 按 Title 写入记录，同名记录后写覆盖，返回写入条数
	UpsertAll(ctx context.Context, records []model.Movie) (int, error)

	// VectorSearch 在候选池内按相似度降序返回至多 Limit 条结果
	VectorSearch(ctx context.Context, params SearchParams) ([]model.SearchResult, error)

	// FindByTitle 按标题查找，不存在时返回 nil, nil
	FindByTitle(ctx context.Context, title string) (*model.Movie, error)

	// Sample 按标题排序返回最多 limit 条记录（不含向量）
	Sample(ctx context.Context, limit int) ([]model.Movie, error)

	// Close 释放连接
	Close() error
}

// IndexManager 需要单独创建检索索引的后端
type IndexManager interface {
	EnsureIndex(ctx context.Context) error
}

// IndexChecker 可以探测检索索引是否仍然存在的后端
type IndexChecker interface {
	CheckIndex(ctx context.Context) error
}

// IngestionLocker 支持跨进程"认领导入"的后端
// ok 为 false 表示已有其他实例持有锁
type IngestionLocker interface {
	TryLockIngestion(ctx context.Context) (release func(), ok bool, err error)
}

// ConnectionConfig 连接配置，对核心逻辑不透明，只由 repository.Open 解析
type ConnectionConfig struct {
	URL            string
	Dimension      int
	ConnectTimeout time.Duration
	Options        map[string]string
}

// SearchParams 向量检索参数
type SearchParams struct {
	Vector        []float32
	Limit         int
	NumCandidates int
	MinScore      *float64 // nil 表示不过滤
}

// Normalize 校验参数并补全默认值
func (p SearchParams) Normalize(dimension int) (SearchParams, error) {
	if p.Limit <= 0 {
		return p, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidSearch, p.Limit)
	}
	if p.NumCandidates == 0 {
		p.NumCandidates = DefaultNumCandidates
		if p.NumCandidates < p.Limit {
			p.NumCandidates = p.Limit
		}
	}
	if p.NumCandidates < p.Limit {
		return p, fmt.Errorf("%w: candidate pool %d is smaller than limit %d", ErrInvalidSearch, p.NumCandidates, p.Limit)
	}
	if len(p.Vector) != dimension {
		return p, fmt.Errorf("%w: query vector has %d dimensions, catalog expects %d", ErrDimensionMismatch, len(p.Vector), dimension)
	}
	return p, nil
}

// PrepareRecords 校验待写入记录并按标题去重（保留最后一次出现）
func PrepareRecords(records []model.Movie, dimension int) ([]model.Movie, error) {
	last := make(map[string]int, len(records))
	for i, r := range records {
		if r.Title == "" {
			return nil, fmt.Errorf("%w: record %d has an empty title", ErrInvalidRecord, i)
		}
		if len(r.Embedding) != dimension {
			return nil, fmt.Errorf("%w: record %q has %d dimensions, catalog expects %d", ErrDimensionMismatch, r.Title, len(r.Embedding), dimension)
		}
		last[r.Title] = i
	}

	out := make([]model.Movie, 0, len(last))
	for i, r := range records {
		if last[r.Title] == i {
			out = append(out, r)
		}
	}
	return out, nil
}

package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSearch 检索参数不合法
	ErrInvalidSearch = errors.New("catalog: invalid search parameters")
	// ErrDimensionMismatch 向量维度与目录不一致
	ErrDimensionMismatch = errors.New("catalog: embedding dimension mismatch")
	// ErrInvalidRecord 记录不合法
	ErrInvalidRecord = errors.New("catalog: invalid record")
)

// ConnectionError 后端不可达，与"零结果"严格区分
type ConnectionError struct {
	Backend string
	Op      string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("catalog %s: %s: backend unreachable: %v", e.Backend, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IndexNotReadyError 向量检索所需的索引（或其表、集合）不存在
type IndexNotReadyError struct {
	Backend string
	Index   string
	Reason  string
	Err     error
}

func (e *IndexNotReadyError) Error() string {
	msg := fmt.Sprintf("catalog %s: index %q not ready", e.Backend, e.Index)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *IndexNotReadyError) Unwrap() error { return e.Err }

// Guidance 给用户的配置建议
func (e *IndexNotReadyError) Guidance() string {
	switch e.Backend {
	case "postgres":
		return fmt.Sprintf("Create the vector index with `moviesearch index create` (CREATE INDEX %s ON movies USING hnsw (embedding vector_cosine_ops)); the pgvector extension must be installed.", e.Index)
	case "qdrant":
		return fmt.Sprintf("Create the Qdrant collection %q with `moviesearch index create` or run ingestion, which creates it.", e.Index)
	default:
		return "Run `moviesearch index create` against this catalog."
	}
}

// IsConnectionError 是否为连接错误
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsIndexNotReady 是否为索引未就绪
func IsIndexNotReady(err error) bool {
	var ie *IndexNotReadyError
	return errors.As(err, &ie)
}

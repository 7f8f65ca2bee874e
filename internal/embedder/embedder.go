// Package embedder 封装外部文本向量化模型
package embedder

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultDimension all-MiniLM-L6-v2 的输出维度
	DefaultDimension = 384
	// DefaultMaxTokens all-MiniLM-L6-v2 的最大序列长度
	DefaultMaxTokens = 256
)

// Embedder 文本向量化：同一模型版本下相同文本得到相同向量
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelName() string
}

// BatchEmbedder 支持批量向量化的实现
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedAll 批量向量化，后端不支持批量时逐条调用
func EmbedAll(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if be, ok := e.(BatchEmbedder); ok {
		return be.EmbedBatch(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Options 构造 Embedder 的参数
type Options struct {
	Provider  string // "ollama" 或 "hashing"
	Host      string
	Model     string
	Dimension int
	MaxTokens int
	Timeout   time.Duration
}

// New 按配置创建带输入校验的 Embedder
func New(opts Options) (*Guard, error) {
	if opts.Dimension <= 0 {
		opts.Dimension = DefaultDimension
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}

	var backend Embedder
	switch opts.Provider {
	case "", "ollama":
		backend = NewOllama(OllamaConfig{
			Host:      opts.Host,
			Model:     opts.Model,
			Dimension: opts.Dimension,
			Timeout:   opts.Timeout,
		})
	case "hashing":
		backend = NewHashing(opts.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedder provider: %s", opts.Provider)
	}

	return NewGuard(backend, opts.MaxTokens), nil
}

package embedder

import (
	"context"
	"fmt"
	"strings"
)

// Guard 在调用模型前校验输入，调用后校验输出维度
// 所有失败都以 *Error 返回
type Guard struct {
	backend   Embedder
	maxTokens int
}

// NewGuard 包装一个 Embedder
func NewGuard(backend Embedder, maxTokens int) *Guard {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Guard{backend: backend, maxTokens: maxTokens}
}

// Dimension 输出维度
func (g *Guard) Dimension() int { return g.backend.Dimension() }

// ModelName 模型标识
func (g *Guard) ModelName() string { return g.backend.ModelName() }

// MaxTokens 单条输入的 token 上限
func (g *Guard) MaxTokens() int { return g.maxTokens }

// Validate 检查输入是否可被模型接受
func (g *Guard) Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return &Error{Reason: ReasonEmpty}
	}
	if n := CountTokens(text); n > g.maxTokens {
		return &Error{Reason: ReasonTooLong, Tokens: n, MaxTokens: g.maxTokens}
	}
	return nil
}

// Embed 向量化单条文本
func (g *Guard) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := g.Validate(text); err != nil {
		return nil, err
	}
	vec, err := g.backend.Embed(ctx, text)
	if err != nil {
		return nil, wrapBackend(err)
	}
	if err := g.checkDimension(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedBatch 批量向量化，任一输入不合法则整批不发送
func (g *Guard) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for i, text := range texts {
		if err := g.Validate(text); err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
	}
	vecs, err := EmbedAll(ctx, g.backend, texts)
	if err != nil {
		return nil, wrapBackend(err)
	}
	if len(vecs) != len(texts) {
		return nil, &Error{Reason: ReasonBackend, Err: fmt.Errorf("model returned %d embeddings for %d inputs", len(vecs), len(texts))}
	}
	for _, vec := range vecs {
		if err := g.checkDimension(vec); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

func (g *Guard) checkDimension(vec []float32) error {
	if want := g.backend.Dimension(); len(vec) != want {
		return &Error{Reason: ReasonDimension, Got: len(vec), Want: want}
	}
	return nil
}

func wrapBackend(err error) error {
	if _, ok := AsError(err); ok {
		return err
	}
	return &Error{Reason: ReasonBackend, Err: err}
}

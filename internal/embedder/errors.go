package embedder

import (
	"errors"
	"fmt"
)

// Reason 向量化失败原因
type Reason string

const (
	ReasonEmpty     Reason = "empty"
	ReasonTooLong   Reason = "too_long"
	ReasonDimension Reason = "dimension"
	ReasonBackend   Reason = "backend"
)

// Error 向量化错误（EmbeddingError）
type Error struct {
	Reason    Reason
	Tokens    int // ReasonTooLong 时为估算的 token 数
	MaxTokens int
	Got, Want int // ReasonDimension 时的实际/期望维度
	Err       error
}

func (e *Error) Error() string {
	switch e.Reason {
	case ReasonEmpty:
		return "embedding: input text is empty"
	case ReasonTooLong:
		return fmt.Sprintf("embedding: input is %d tokens, model accepts at most %d", e.Tokens, e.MaxTokens)
	case ReasonDimension:
		return fmt.Sprintf("embedding: model returned %d dimensions, expected %d", e.Got, e.Want)
	default:
		if e.Err != nil {
			return fmt.Sprintf("embedding: backend failed: %v", e.Err)
		}
		return "embedding: backend failed"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsInputError 是否为调用方输入问题（空文本或超长）
func (e *Error) IsInputError() bool {
	return e.Reason == ReasonEmpty || e.Reason == ReasonTooLong
}

// AsError 提取 *Error
func AsError(err error) (*Error, bool) {
	var ee *Error
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

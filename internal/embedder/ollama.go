package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaHost  = "http://localhost:11434"
	defaultOllamaModel = "all-minilm"
)

// OllamaConfig Ollama 连接配置
type OllamaConfig struct {
	Host      string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// embedRequest Ollama /api/embed 请求结构
type embedRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate bool     `json:"truncate"`
}

// embedResponse Ollama /api/embed 响应结构
type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Ollama 调用本地 Ollama 服务生成向量
type Ollama struct {
	host       string
	model      string
	dimension  int
	httpClient *http.Client
}

// NewOllama 创建 Ollama 客户端
func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.Host == "" {
		cfg.Host = defaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Ollama{
		host:       strings.TrimRight(cfg.Host, "/"),
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (o *Ollama) Dimension() int    { return o.dimension }
func (o *Ollama) ModelName() string { return o.model }

// Embed 向量化单条文本
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch 一次请求向量化多条文本，服务端不截断超长输入
func (o *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: o.model, Input: texts, Truncate: false})
	if err != nil {
		return nil, fmt.Errorf("marshal request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Reason: ReasonBackend, Err: fmt.Errorf("post request to ollama failed: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, &Error{Reason: ReasonBackend, Err: fmt.Errorf("read response failed: %w", err)}
	}

	var result embedResponse
	if resp.StatusCode != http.StatusOK {
		_ = json.Unmarshal(raw, &result)
		if result.Error != "" {
			return nil, &Error{Reason: ReasonBackend, Err: fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, result.Error)}
		}
		return nil, &Error{Reason: ReasonBackend, Err: fmt.Errorf("ollama returned error status: %d", resp.StatusCode)}
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Reason: ReasonBackend, Err: fmt.Errorf("decode response failed: %w", err)}
	}
	if len(result.Embeddings) != len(texts) {
		return nil, &Error{Reason: ReasonBackend, Err: fmt.Errorf("ollama returned %d embeddings for %d inputs", len(result.Embeddings), len(texts))}
	}
	return result.Embeddings, nil
}

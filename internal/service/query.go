package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/user/moviesearch/internal/catalog"
	"github.com/user/moviesearch/internal/embedder"
	"github.com/user/moviesearch/internal/model"
	"github.com/user/moviesearch/internal/observability"
)

// QueryOptions 检索参数，零值字段使用服务默认值
type QueryOptions struct {
	TopK          int      `json:"top_k"`
	NumCandidates int      `json:"num_candidates"`
	MinScore      *float64 `json:"min_score,omitempty"`
}

// SearchResponse 检索结果
type SearchResponse struct {
	Query   string               `json:"query"`
	Model   string               `json:"model"`
	Options QueryOptions         `json:"options"`
	Results []model.SearchResult `json:"results"`
	TookMs  int64                `json:"took_ms"`
}

// QueryService 把自然语言查询向量化后在目录中检索
type QueryService struct {
	store    catalog.Store
	embedder embedder.Embedder
	defaults QueryOptions
}

// NewQueryService 创建检索服务，默认 TopK=5, NumCandidates=100，不设分数阈值
func NewQueryService(store catalog.Store, emb embedder.Embedder, defaults QueryOptions) *QueryService {
	if defaults.TopK <= 0 {
		defaults.TopK = catalog.DefaultLimit
	}
	if defaults.NumCandidates <= 0 {
		defaults.NumCandidates = catalog.DefaultNumCandidates
	}
	return &QueryService{store: store, embedder: emb, defaults: defaults}
}

// Search 使用默认参数检索
func (s *QueryService) Search(ctx context.Context, text string) (*SearchResponse, error) {
	return s.SearchWith(ctx, text, QueryOptions{})
}

// SearchWith 按给定参数检索；空查询在调用模型和目录之前被拒绝
func (s *QueryService) SearchWith(ctx context.Context, text string, opts QueryOptions) (resp *SearchResponse, err error) {
	if strings.TrimSpace(text) == "" {
		return nil, &embedder.Error{Reason: embedder.ReasonEmpty}
	}
	opts, err = s.resolve(opts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "search",
		attribute.Int("top_k", opts.TopK),
		attribute.Int("num_candidates", opts.NumCandidates),
	)
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	results, err := s.store.VectorSearch(ctx, catalog.SearchParams{
		Vector:        vec,
		Limit:         opts.TopK,
		NumCandidates: opts.NumCandidates,
		MinScore:      opts.MinScore,
	})
	if err != nil {
		return nil, err
	}

	took := time.Since(start)
	span.SetAttributes(attribute.Int("results", len(results)))
	log.Printf("[QueryService] 查询长度 %d, k=%d 命中 %d 条，耗时 %dms", len([]rune(text)), opts.TopK, len(results), took.Milliseconds())

	return &SearchResponse{
		Query:   text,
		Model:   s.embedder.ModelName(),
		Options: opts,
		Results: results,
		TookMs:  took.Milliseconds(),
	}, nil
}

func (s *QueryService) resolve(opts QueryOptions) (QueryOptions, error) {
	if opts.TopK < 0 || opts.NumCandidates < 0 {
		return opts, fmt.Errorf("%w: top_k and num_candidates must not be negative", catalog.ErrInvalidSearch)
	}
	if opts.TopK == 0 {
		opts.TopK = s.defaults.TopK
	}
	if opts.NumCandidates == 0 {
		opts.NumCandidates = s.defaults.NumCandidates
		if opts.NumCandidates < opts.TopK {
			opts.NumCandidates = opts.TopK
		}
	}
	if opts.MinScore == nil {
		opts.MinScore = s.defaults.MinScore
	}
	if opts.NumCandidates < opts.TopK {
		return opts, fmt.Errorf("%w: num_candidates %d is smaller than top_k %d", catalog.ErrInvalidSearch, opts.NumCandidates, opts.TopK)
	}
	return opts, nil
}

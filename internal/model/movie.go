package model

import (
	"time"
)

// Movie 电影目录记录，Title 为自然键
type Movie struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Genres      []string  `json:"genres"`
	PosterURL   string    `json:"poster_url,omitempty"`
	Embedding   []float32 `json:"-"`          // 由 Embedder 生成，永远不对外展示
	UpdatedAt   time.Time `json:"updated_at"` // 由存储层维护
}

// WithoutEmbedding 返回去掉向量的副本（用于列表展示）
func (m Movie) WithoutEmbedding() Movie {
	m.Embedding = nil
	m.Genres = append([]string(nil), m.Genres...)
	return m
}

// ToResult 转换为搜索结果（不包含向量）
func (m *Movie) ToResult(score float64) SearchResult {
	return SearchResult{
		Title:       m.Title,
		Description: m.Description,
		Genres:      append([]string(nil), m.Genres...),
		PosterURL:   m.PosterURL,
		Score:       score,
	}
}

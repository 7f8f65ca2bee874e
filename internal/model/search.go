package model

// SearchResult 相似度检索命中的电影
// Score 使用后端原生刻度，越大越相似，只保证同一次查询内的相对顺序有意义
type SearchResult struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Genres      []string `json:"genres"`
	PosterURL   string   `json:"poster_url,omitempty"`
	Score       float64  `json:"score"`
}

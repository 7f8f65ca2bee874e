package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/user/moviesearch/internal/catalog"
	"github.com/user/moviesearch/internal/model"
)

var errStoreClosed = errors.New("store is closed")

// movieIndex 进程内的精确扫描索引，memory 和 bolt 后端共用
type movieIndex struct {
	mu     sync.RWMutex
	movies map[string]*model.Movie
}

func newMovieIndex() *movieIndex {
	return &movieIndex{movies: make(map[string]*model.Movie)}
}

func (ix *movieIndex) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.movies)
}

func (ix *movieIndex) put(records []model.Movie) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i := range records {
		m := records[i]
		m.Embedding = append([]float32(nil), m.Embedding...)
		m.Genres = append([]string(nil), m.Genres...)
		ix.movies[m.Title] = &m
	}
}

func (ix *movieIndex) get(title string) *model.Movie {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	m, ok := ix.movies[title]
	if !ok {
		return nil
	}
	cp := *m
	cp.Embedding = append([]float32(nil), m.Embedding...)
	cp.Genres = append([]string(nil), m.Genres...)
	return &cp
}

func (ix *movieIndex) search(p catalog.SearchParams) []model.SearchResult {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	records := make([]*model.Movie, 0, len(ix.movies))
	for _, m := range ix.movies {
		records = append(records, m)
	}
	return catalog.Rank(records, p)
}

func (ix *movieIndex) sample(limit int) []model.Movie {
	ix.mu.RLock()
	titles := make([]string, 0, len(ix.movies))
	for title := range ix.movies {
		titles = append(titles, title)
	}
	ix.mu.RUnlock()

	sort.Strings(titles)
	if limit > 0 && len(titles) > limit {
		titles = titles[:limit]
	}

	out := make([]model.Movie, 0, len(titles))
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, title := range titles {
		if m, ok := ix.movies[title]; ok {
			out = append(out, m.WithoutEmbedding())
		}
	}
	return out
}

// MemoryStore 进程内目录，重启后数据丢失
type MemoryStore struct {
	index     *movieIndex
	dimension int

	mu     sync.RWMutex
	closed bool
}

// NewMemoryStore 创建内存目录
func NewMemoryStore(dimension int) *MemoryStore {
	return &MemoryStore{index: newMovieIndex(), dimension: dimension}
}

func (s *MemoryStore) check(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return &catalog.ConnectionError{Backend: "memory", Op: op, Err: errStoreClosed}
	}
	return nil
}

func (s *MemoryStore) IsEmpty(ctx context.Context) (bool, error) {
	if err := s.check("is_empty"); err != nil {
		return false, err
	}
	return s.index.len() == 0, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	if err := s.check("count"); err != nil {
		return 0, err
	}
	return int64(s.index.len()), nil
}

func (s *MemoryStore) UpsertAll(ctx context.Context, records []model.Movie) (int, error) {
	if err := s.check("upsert"); err != nil {
		return 0, err
	}
	prepared, err := catalog.PrepareRecords(records, s.dimension)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	for i := range prepared {
		prepared[i].UpdatedAt = now
	}
	s.index.put(prepared)
	return len(prepared), nil
}

func (s *MemoryStore) VectorSearch(ctx context.Context, params catalog.SearchParams) ([]model.SearchResult, error) {
	if err := s.check("search"); err != nil {
		return nil, err
	}
	p, err := params.Normalize(s.dimension)
	if err != nil {
		return nil, err
	}
	return s.index.search(p), nil
}

func (s *MemoryStore) FindByTitle(ctx context.Context, title string) (*model.Movie, error) {
	if err := s.check("find"); err != nil {
		return nil, err
	}
	return s.index.get(title), nil
}

func (s *MemoryStore) Sample(ctx context.Context, limit int) ([]model.Movie, error) {
	if err := s.check("sample"); err != nil {
		return nil, err
	}
	return s.index.sample(limit), nil
}

// Close 关闭后所有操作返回 ConnectionError
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ catalog.Store = (*MemoryStore)(nil)

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/user/moviesearch/internal/catalog"
	"github.com/user/moviesearch/internal/model"
)

var bucketMovies = []byte("movies")

// boltRecord 持久化格式
type boltRecord struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Genres      []string  `json:"genres"`
	PosterURL   string    `json:"poster_url,omitempty"`
	Embedding   []float32 `json:"v"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BoltStore 单文件持久化目录：写入 bbolt，检索时在内存中精确扫描
type BoltStore struct {
	db        *bbolt.DB
	dimension int
	index     *movieIndex

	mu     sync.RWMutex
	closed bool
}

// NewBoltStore 打开（或创建）bbolt 文件并加载已有记录
func NewBoltStore(path string, dimension int, timeout time.Duration) (*BoltStore, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, &catalog.ConnectionError{Backend: "bolt", Op: "open", Err: fmt.Errorf("failed to open bolt db %s: %w", path, err)}
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMovies)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create movies bucket: %w", err)
	}

	s := &BoltStore{db: db, dimension: dimension, index: newMovieIndex()}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// load 把已有记录读入内存，维度不一致说明换了模型，直接报错
func (s *BoltStore) load() error {
	var records []model.Movie
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMovies).ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %q: %w", k, err)
			}
			if len(rec.Embedding) != s.dimension {
				return fmt.Errorf("%w: stored record %q has %d dimensions, catalog expects %d",
					catalog.ErrDimensionMismatch, rec.Title, len(rec.Embedding), s.dimension)
			}
			records = append(records, model.Movie{
				Title:       rec.Title,
				Description: rec.Description,
				Genres:      rec.Genres,
				PosterURL:   rec.PosterURL,
				Embedding:   rec.Embedding,
				UpdatedAt:   rec.UpdatedAt,
			})
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to load movies: %w", err)
	}
	s.index.put(records)
	return nil
}

func (s *BoltStore) check(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return &catalog.ConnectionError{Backend: "bolt", Op: op, Err: errStoreClosed}
	}
	return nil
}

func (s *BoltStore) IsEmpty(ctx context.Context) (bool, error) {
	if err := s.check("is_empty"); err != nil {
		return false, err
	}
	return s.index.len() == 0, nil
}

func (s *BoltStore) Count(ctx context.Context) (int64, error) {
	if err := s.check("count"); err != nil {
		return 0, err
	}
	return int64(s.index.len()), nil
}

// UpsertAll 在一个事务内写入，事务成功后才更新内存索引
func (s *BoltStore) UpsertAll(ctx context.Context, records []model.Movie) (int, error) {
	if err := s.check("upsert"); err != nil {
		return 0, err
	}
	prepared, err := catalog.PrepareRecords(records, s.dimension)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMovies)
		for i := range prepared {
			prepared[i].UpdatedAt = now
			m := prepared[i]
			data, err := json.Marshal(boltRecord{
				Title:       m.Title,
				Description: m.Description,
				Genres:      m.Genres,
				PosterURL:   m.PosterURL,
				Embedding:   m.Embedding,
				UpdatedAt:   m.UpdatedAt,
			})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(m.Title), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return 0, &catalog.ConnectionError{Backend: "bolt", Op: "upsert", Err: err}
		}
		return 0, fmt.Errorf("bolt upsert: %w", err)
	}

	s.index.put(prepared)
	return len(prepared), nil
}

func (s *BoltStore) VectorSearch(ctx context.Context, params catalog.SearchParams) ([]model.SearchResult, error) {
	if err := s.check("search"); err != nil {
		return nil, err
	}
	p, err := params.Normalize(s.dimension)
	if err != nil {
		return nil, err
	}
	return s.index.search(p), nil
}

func (s *BoltStore) FindByTitle(ctx context.Context, title string) (*model.Movie, error) {
	if err := s.check("find"); err != nil {
		return nil, err
	}
	return s.index.get(title), nil
}

func (s *BoltStore) Sample(ctx context.Context, limit int) ([]model.Movie, error) {
	if err := s.check("sample"); err != nil {
		return nil, err
	}
	return s.index.sample(limit), nil
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ catalog.Store = (*BoltStore)(nil)

package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/user/moviesearch/internal/catalog"
	"github.com/user/moviesearch/internal/model"
)

const (
	moviesTable      = "movies"
	hnswIndexName    = "movies_embedding_hnsw_idx"
	maxHNSWEfSearch  = 1000
	upsertBatchSize  = 100
	ingestionLockKey = int64(0x6d6f7669657331) // "movies1"
)

// movieRow movies 表的 gorm 实体
type movieRow struct {
	ID          int64           `gorm:"column:id;primaryKey;autoIncrement"`
	Title       string          `gorm:"column:title;uniqueIndex"`
	Description string          `gorm:"column:description"`
	Genres      pq.StringArray  `gorm:"column:genres;type:text[]"`
	PosterURL   string          `gorm:"column:poster_url"`
	Embedding   pgvector.Vector `gorm:"column:embedding;type:vector"`
	UpdatedAt   time.Time       `gorm:"column:updated_at"`
}

func (movieRow) TableName() string { return moviesTable }

func (r *movieRow) toModel(withEmbedding bool) *model.Movie {
	m := &model.Movie{
		Title:       r.Title,
		Description: r.Description,
		Genres:      []string(r.Genres),
		PosterURL:   r.PosterURL,
		UpdatedAt:   r.UpdatedAt,
	}
	if withEmbedding {
		m.Embedding = r.Embedding.Slice()
	}
	return m
}

// searchRow 检索结果行
type searchRow struct {
	Title       string
	Description string
	Genres      pq.StringArray
	PosterURL   string
	Score       float64
}

// PostgresStore 基于 pgvector 的目录，HNSW 索引需单独创建
type PostgresStore struct {
	db         *gorm.DB
	dimension  int
	indexReady atomic.Bool
}

// NewPostgresStore 连接数据库并确保表结构存在（不创建向量索引）
func NewPostgresStore(ctx context.Context, databaseURL string, dimension int, connectTimeout time.Duration) (*PostgresStore, error) {
	db, err := InitDB(ctx, databaseURL, connectTimeout)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{db: db, dimension: dimension}
	if err := s.EnsureSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema 创建 vector 扩展和 movies 表，并校验已有表的向量维度
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	db := s.db.WithContext(ctx)

	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		// 没有建扩展的权限时，扩展可能已由管理员安装
		log.Printf("[Postgres] 创建 vector 扩展失败: %v", err)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          BIGSERIAL PRIMARY KEY,
			title       TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			genres      TEXT[] NOT NULL DEFAULT '{}',
			poster_url  TEXT NOT NULL DEFAULT '',
			embedding   vector(%d) NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, moviesTable, s.dimension)
	if err := db.Exec(ddl).Error; err != nil {
		return classifyPgError("create table", err)
	}

	var typmod int
	err := db.Raw(`
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = ?::regclass AND attname = 'embedding'`, moviesTable).Scan(&typmod).Error
	if err != nil {
		return classifyPgError("check dimension", err)
	}
	if typmod > 0 && typmod != s.dimension {
		return fmt.Errorf("%w: column %s.embedding is vector(%d), catalog expects %d",
			catalog.ErrDimensionMismatch, moviesTable, typmod, s.dimension)
	}
	return nil
}

// EnsureIndex 创建 HNSW 余弦索引
func (s *PostgresStore) EnsureIndex(ctx context.Context) error {
	ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)", hnswIndexName, moviesTable)
	if err := s.db.WithContext(ctx).Exec(ddl).Error; err != nil {
		return classifyPgError("create index", err)
	}
	s.indexReady.Store(true)
	log.Printf("[Postgres] 向量索引 %s 已就绪", hnswIndexName)
	return nil
}

// CheckIndex 丢弃缓存的就绪状态并重新检查索引
func (s *PostgresStore) CheckIndex(ctx context.Context) error {
	s.indexReady.Store(false)
	return s.checkIndex(ctx)
}

// checkIndex 查询 pg_indexes 确认向量索引存在，成功后缓存结果
func (s *PostgresStore) checkIndex(ctx context.Context) error {
	if s.indexReady.Load() {
		return nil
	}
	var n int64
	err := s.db.WithContext(ctx).Raw(
		"SELECT COUNT(*) FROM pg_indexes WHERE tablename = ? AND indexname = ?",
		moviesTable, hnswIndexName,
	).Scan(&n).Error
	if err != nil {
		return classifyPgError("check index", err)
	}
	if n == 0 {
		return &catalog.IndexNotReadyError{Backend: "postgres", Index: hnswIndexName, Reason: "index does not exist"}
	}
	s.indexReady.Store(true)
	return nil
}

func (s *PostgresStore) IsEmpty(ctx context.Context) (bool, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&movieRow{}).Limit(1).Pluck("id", &ids).Error
	if err != nil {
		return false, classifyPgError("is_empty", err)
	}
	return len(ids) == 0, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&movieRow{}).Count(&n).Error; err != nil {
		return 0, classifyPgError("count", err)
	}
	return n, nil
}

// UpsertAll 在一个事务内按标题写入，冲突时覆盖
func (s *PostgresStore) UpsertAll(ctx context.Context, records []model.Movie) (int, error) {
	prepared, err := catalog.PrepareRecords(records, s.dimension)
	if err != nil {
		return 0, err
	}
	if len(prepared) == 0 {
		return 0, nil
	}

	now := time.Now()
	rows := make([]movieRow, len(prepared))
	for i, m := range prepared {
		genres := m.Genres
		if genres == nil {
			genres = []string{}
		}
		rows[i] = movieRow{
			Title:       m.Title,
			Description: m.Description,
			Genres:      pq.StringArray(genres),
			PosterURL:   m.PosterURL,
			Embedding:   pgvector.NewVector(m.Embedding),
			UpdatedAt:   now,
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "title"}},
			DoUpdates: clause.AssignmentColumns([]string{"description", "genres", "poster_url", "embedding", "updated_at"}),
		}).CreateInBatches(rows, upsertBatchSize).Error
	})
	if err != nil {
		return 0, classifyPgError("upsert", err)
	}
	return len(rows), nil
}

// VectorSearch 在事务内设置 hnsw.ef_search，先取 NumCandidates 个近邻再截取 Limit
func (s *PostgresStore) VectorSearch(ctx context.Context, params catalog.SearchParams) ([]model.SearchResult, error) {
	p, err := params.Normalize(s.dimension)
	if err != nil {
		return nil, err
	}
	if err := s.checkIndex(ctx); err != nil {
		return nil, err
	}

	efSearch := p.NumCandidates
	if efSearch > maxHNSWEfSearch {
		efSearch = maxHNSWEfSearch
	}

	query := fmt.Sprintf(`
		WITH candidates AS (
			SELECT title, description, genres, poster_url, embedding <=> ? AS distance
			FROM %s
			ORDER BY embedding <=> ?
			LIMIT ?
		)
		SELECT title, description, genres, poster_url, 1 - distance / 2 AS score
		FROM candidates`, moviesTable)
	vec := pgvector.NewVector(p.Vector)
	args := []interface{}{vec, vec, p.NumCandidates}
	if p.MinScore != nil {
		query += "\n\t\tWHERE 1 - distance / 2 >= ?"
		args = append(args, *p.MinScore)
	}
	query += "\n\t\tORDER BY score DESC, title ASC\n\t\tLIMIT ?"
	args = append(args, p.Limit)

	var rows []searchRow
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch)).Error; err != nil {
			return err
		}
		return tx.Raw(query, args...).Scan(&rows).Error
	})
	if err != nil {
		return nil, classifyPgError("search", err)
	}

	results := make([]model.SearchResult, 0, len(rows))
	for _, r := range rows {
		results = append(results, model.SearchResult{
			Title:       r.Title,
			Description: r.Description,
			Genres:      []string(r.Genres),
			PosterURL:   r.PosterURL,
			Score:       r.Score,
		})
	}
	return results, nil
}

// FindByTitle 根据标题查找电影
func (s *PostgresStore) FindByTitle(ctx context.Context, title string) (*model.Movie, error) {
	var row movieRow
	err := s.db.WithContext(ctx).Where("title = ?", title).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, classifyPgError("find", err)
	}
	return row.toModel(true), nil
}

func (s *PostgresStore) Sample(ctx context.Context, limit int) ([]model.Movie, error) {
	var rows []movieRow
	q := s.db.WithContext(ctx).
		Select("id", "title", "description", "genres", "poster_url", "updated_at").
		Order("title ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, classifyPgError("sample", err)
	}
	out := make([]model.Movie, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toModel(false))
	}
	return out, nil
}

// TryLockIngestion 用会话级 advisory lock 认领导入，锁随专用连接释放
func (s *PostgresStore) TryLockIngestion(ctx context.Context) (func(), bool, error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, false, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, false, classifyPgError("lock", err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", ingestionLockKey).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, classifyPgError("lock", err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}

	release := func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", ingestionLockKey); err != nil {
			log.Printf("[Postgres] 释放导入锁失败: %v", err)
		}
		conn.Close()
	}
	return release, true, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// classifyPgError 把驱动错误归类为连接错误或索引未就绪
func classifyPgError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01", pgErr.Code == "42704", pgErr.Code == "42883":
			// undefined_table / undefined_object / undefined_function
			return &catalog.IndexNotReadyError{Backend: "postgres", Index: hnswIndexName, Reason: pgErr.Message, Err: err}
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "53300":
			return &catalog.ConnectionError{Backend: "postgres", Op: op, Err: err}
		}
		return fmt.Errorf("postgres %s: %w", op, err)
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) ||
		errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		pgconn.Timeout(err) {
		return &catalog.ConnectionError{Backend: "postgres", Op: op, Err: err}
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}

var (
	_ catalog.Store           = (*PostgresStore)(nil)
	_ catalog.IndexManager    = (*PostgresStore)(nil)
	_ catalog.IndexChecker    = (*PostgresStore)(nil)
	_ catalog.IngestionLocker = (*PostgresStore)(nil)
)

package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/user/moviesearch/internal/catalog"
	"github.com/user/moviesearch/internal/config"
	"github.com/user/moviesearch/internal/embedder"
	"github.com/user/moviesearch/internal/repository"
	"github.com/user/moviesearch/internal/seed"
	"github.com/user/moviesearch/internal/utils"
)

// Opener 按连接配置打开目录
type Opener func(ctx context.Context, cfg catalog.ConnectionConfig) (catalog.Store, error)

// Connection 一个已打开的目录及其上的服务
type Connection struct {
	ID       string
	URL      string // 已隐藏密码
	Store    catalog.Store
	Query    *QueryService
	Ingest   *IngestionService
	OpenedAt time.Time
}

// ManagerConfig 连接管理器配置
type ManagerConfig struct {
	Dimension      int
	ConnectTimeout time.Duration
	Options        map[string]string
	// Embedder 导入使用，QueryEmbedder 为空时检索也用它
	Embedder      embedder.Embedder
	QueryEmbedder embedder.Embedder
	Source        seed.Source
	Ingest        IngestConfig
	Query         QueryOptions
	Opener        Opener
	// MaxConnections 会话连接上限，默认连接不计入也不会被关闭
	MaxConnections int
}

// defaultMaxConnections 未配置时的会话连接上限
const defaultMaxConnections = 16

// ConnectionManager 按连接串复用目录连接
// 会话连接按最近使用保留 MaxConnections 个，被挤出的连接立即关闭；默认连接常驻
type ConnectionManager struct {
	cfg ManagerConfig

	mu        sync.RWMutex
	pinned    map[string]*Connection
	recent    *lru.Cache[string, *Connection]
	defaultID string
	sf        singleflight.Group
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(cfg ManagerConfig) *ConnectionManager {
	if cfg.Opener == nil {
		cfg.Opener = repository.Open
	}
	if cfg.QueryEmbedder == nil {
		cfg.QueryEmbedder = cfg.Embedder
	}
	if cfg.Source == nil {
		cfg.Source = seed.Default()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	recent, _ := lru.New[string, *Connection](cfg.MaxConnections)
	return &ConnectionManager{
		cfg:    cfg,
		pinned: make(map[string]*Connection),
		recent: recent,
	}
}

// ConnectionID 连接串对应的不透明 ID
func ConnectionID(url string) string {
	return utils.ShortHash(url)
}

// Connect 打开（或复用）连接串对应的目录
func (m *ConnectionManager) Connect(ctx context.Context, url string) (*Connection, error) {
	if url == "" {
		return nil, errors.New("connection string is empty")
	}
	id := ConnectionID(url)
	if conn, ok := m.Get(id); ok {
		return conn, nil
	}

	v, err, _ := m.sf.Do(id, func() (interface{}, error) {
		if conn, ok := m.Get(id); ok {
			return conn, nil
		}

		openCtx := ctx
		if m.cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			openCtx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
			defer cancel()
		}
		store, err := m.cfg.Opener(openCtx, catalog.ConnectionConfig{
			URL:            url,
			Dimension:      m.cfg.Dimension,
			ConnectTimeout: m.cfg.ConnectTimeout,
			Options:        m.cfg.Options,
		})
		if err != nil {
			return nil, err
		}

		conn := &Connection{
			ID:       id,
			URL:      repository.Redact(url),
			Store:    store,
			Query:    NewQueryService(store, m.cfg.QueryEmbedder, m.cfg.Query),
			Ingest:   NewIngestionService(store, m.cfg.Embedder, m.cfg.Source, m.cfg.Ingest),
			OpenedAt: time.Now(),
		}
		m.mu.Lock()
		evicted := m.addLocked(conn)
		m.mu.Unlock()
		log.Printf("[ConnectionManager] 已连接 %s (id=%s)", conn.URL, id)
		m.closeEvicted(evicted)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

// addLocked 放入会话连接，满时挤出最久未用的一个，调用方持有 mu
func (m *ConnectionManager) addLocked(conn *Connection) *Connection {
	var evicted *Connection
	if !m.recent.Contains(conn.ID) && m.recent.Len() >= m.cfg.MaxConnections {
		_, evicted, _ = m.recent.RemoveOldest()
	}
	m.recent.Add(conn.ID, conn)
	return evicted
}

func (m *ConnectionManager) closeEvicted(conn *Connection) {
	if conn == nil {
		return
	}
	log.Printf("[ConnectionManager] 连接数已达上限 %d，关闭最久未用的 %s", m.cfg.MaxConnections, conn.URL)
	if err := conn.Store.Close(); err != nil {
		log.Printf("[ConnectionManager] 关闭 %s 失败: %v", conn.URL, err)
	}
}

// Get 按 ID 查找已打开的连接
func (m *ConnectionManager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	conn, ok := m.pinned[id]
	m.mu.RUnlock()
	if ok {
		return conn, true
	}
	return m.recent.Get(id)
}

// SetDefault 设置没有会话时使用的连接，默认连接不受上限约束
func (m *ConnectionManager) SetDefault(id string) error {
	m.mu.Lock()
	conn, ok := m.pinned[id]
	if !ok {
		conn, ok = m.recent.Peek(id)
	}
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown connection %s", id)
	}

	m.recent.Remove(id)
	var evicted *Connection
	if prev, ok := m.pinned[m.defaultID]; ok && prev.ID != id {
		delete(m.pinned, prev.ID)
		evicted = m.addLocked(prev)
	}
	m.pinned[id] = conn
	m.defaultID = id
	m.mu.Unlock()

	m.closeEvicted(evicted)
	return nil
}

// Default 默认连接
func (m *ConnectionManager) Default() (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.pinned[m.defaultID]
	return conn, ok
}

// Close 关闭全部连接
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, conn := range append(m.recent.Values(), mapValues(m.pinned)...) {
		if err := conn.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", conn.URL, err))
		}
	}
	m.recent.Purge()
	m.pinned = make(map[string]*Connection)
	m.defaultID = ""
	return errors.Join(errs...)
}

// Len 已打开的连接数
func (m *ConnectionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pinned) + m.recent.Len()
}

// ManagerConfigFromConfig 按应用配置组装连接管理器参数
// 导入使用带校验的 Embedder，检索额外包一层 LRU 缓存
func ManagerConfigFromConfig(cfg *config.Config) (ManagerConfig, error) {
	emb, err := embedder.New(embedder.Options{
		Provider:  cfg.Embedder.Provider,
		Host:      cfg.Embedder.Host,
		Model:     cfg.Embedder.Model,
		Dimension: cfg.Catalog.Dimension,
		MaxTokens: cfg.Embedder.MaxTokens,
		Timeout:   cfg.Embedder.Timeout,
	})
	if err != nil {
		return ManagerConfig{}, err
	}

	var queryEmb embedder.Embedder = emb
	if cfg.Embedder.CacheSize > 0 {
		queryEmb = embedder.NewCached(emb, cfg.Embedder.CacheSize, cfg.Embedder.CacheTTL)
	}

	return ManagerConfig{
		Dimension:      cfg.Catalog.Dimension,
		ConnectTimeout: cfg.Catalog.ConnectTimeout,
		Options:        cfg.CatalogOptions(),
		Embedder:       emb,
		QueryEmbedder:  queryEmb,
		Source:         seed.FromConfig(cfg.Ingest.SeedPath),
		Ingest: IngestConfig{
			EmbedBatchSize:   cfg.Ingest.BatchSize,
			EmbedConcurrency: cfg.Ingest.Concurrency,
			WriteBatchSize:   cfg.Ingest.WriteBatchSize,
		},
		Query: QueryOptions{
			TopK:          cfg.Query.TopK,
			NumCandidates: cfg.Query.NumCandidates,
			MinScore:      cfg.Query.MinScore,
		},
		MaxConnections: cfg.Catalog.MaxConnections,
	}, nil
}

// Connections 已打开连接的快照
func (m *ConnectionManager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append(mapValues(m.pinned), m.recent.Values()...)
}

func mapValues(conns map[string]*Connection) []*Connection {
	out := make([]*Connection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	return out
}

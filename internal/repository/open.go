package repository

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/user/moviesearch/internal/catalog"
)

const defaultQdrantCollection = "movies"

// Open 按连接串的 scheme 选择后端：
//
//	postgres://... 或 postgresql://...  pgvector
//	qdrant://host:6334/collection       Qdrant gRPC
//	bolt:///path/to/catalog.db          单文件 bbolt
//	memory://                           进程内
func Open(ctx context.Context, cfg catalog.ConnectionConfig) (catalog.Store, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("catalog dimension must be positive, got %d", cfg.Dimension)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, cfg.URL, cfg.Dimension, cfg.ConnectTimeout)
	case "qdrant":
		collection := strings.Trim(u.Path, "/")
		if c := cfg.Options["collection"]; c != "" {
			collection = c
		}
		if collection == "" {
			collection = defaultQdrantCollection
		}
		host := u.Host
		if u.Port() == "" {
			host += ":6334"
		}
		return NewQdrantStore(host, collection, cfg.Dimension)
	case "bolt":
		path := u.Path
		if u.Host != "" {
			// bolt://relative/path.db
			path = u.Host + u.Path
		}
		if path == "" {
			return nil, fmt.Errorf("bolt catalog url needs a file path: %s", cfg.URL)
		}
		return NewBoltStore(path, cfg.Dimension, cfg.ConnectTimeout)
	case "memory":
		return NewMemoryStore(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported catalog scheme %q", u.Scheme)
	}
}

// Scheme 连接串的 scheme（小写），无法解析时返回空串
func Scheme(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// Redact 隐藏连接串中的密码，用于日志与页面展示
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}

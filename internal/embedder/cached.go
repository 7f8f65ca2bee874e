package embedder

import (
	"context"
	"time"

	"github.com/user/moviesearch/internal/utils"
)

// Cached 查询向量缓存，相同文本不重复调用模型
type Cached struct {
	Embedder
	cache *utils.LRUCache[[]float32]
}

// NewCached 包装 Embedder，size 为最大缓存条数
func NewCached(e Embedder, size int, ttl time.Duration) *Cached {
	return &Cached{Embedder: e, cache: utils.NewLRUCache[[]float32](size, ttl)}
}

// Embed 先查缓存，未命中时调用模型并写入缓存
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.ModelName() + "\x00" + text
	if vec, ok := c.cache.Get(key); ok {
		return append([]float32(nil), vec...), nil
	}
	vec, err := c.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, append([]float32(nil), vec...))
	return vec, nil
}

// Len 当前缓存条数
func (c *Cached) Len() int { return c.cache.Len() }

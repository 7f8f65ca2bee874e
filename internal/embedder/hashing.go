package embedder

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
)

// Hashing 基于特征哈希的离线向量化：词与相邻词对映射到固定维度后做 L2 归一化
// 不依赖外部服务，用于测试和无模型环境，语义能力仅限于词面重合
type Hashing struct {
	dimension int
}

// NewHashing 创建哈希向量化器
func NewHashing(dimension int) *Hashing {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &Hashing{dimension: dimension}
}

func (h *Hashing) Dimension() int    { return h.dimension }
func (h *Hashing) ModelName() string { return fmt.Sprintf("hashing-%d", h.dimension) }

// Embed 向量化单条文本
func (h *Hashing) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dimension)
	ws := words(text)
	for i, w := range ws {
		h.add(vec, w, 1)
		if i > 0 {
			h.add(vec, ws[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func (h *Hashing) add(vec []float32, feature string, weight float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dimension))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

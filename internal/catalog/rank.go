package catalog

import (
	"math"
	"sort"

	"github.com/user/moviesearch/internal/model"
)

// CosineScore 余弦相似度映射到 [0, 1]：(1 + cos) / 2
// 任一向量模长为 0 时 cos 视为 0
func CosineScore(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na2, nb2 float64
	for i := range a {
		va := float64(a[i])
		vb := float64(b[i])
		dot += va * vb
		na2 += va * va
		nb2 += vb * vb
	}
	if na2 == 0 || nb2 == 0 {
		return 0.5
	}
	return (1 + dot/(math.Sqrt(na2)*math.Sqrt(nb2))) / 2
}

type scored struct {
	movie *model.Movie
	score float64
}

// Rank 精确扫描排序：先取相似度最高的 NumCandidates 条作为候选池，
// 再按 MinScore 过滤并截取前 Limit 条。分数相同时按标题升序，保证结果稳定
// 调用方需先用 Normalize 校验参数
func Rank(records []*model.Movie, p SearchParams) []model.SearchResult {
	all := make([]scored, 0, len(records))
	for _, m := range records {
		all = append(all, scored{movie: m, score: CosineScore(p.Vector, m.Embedding)})
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].movie.Title < all[j].movie.Title
	})

	if len(all) > p.NumCandidates {
		all = all[:p.NumCandidates]
	}

	results := make([]model.SearchResult, 0, p.Limit)
	for _, s := range all {
		if len(results) == p.Limit {
			break
		}
		if p.MinScore != nil && s.score < *p.MinScore {
			// 已按分数降序，后面的都更低
			break
		}
		results = append(results, s.movie.ToResult(s.score))
	}
	return results
}

// SortResults 按分数降序、标题升序稳定排序（用于后端返回顺序不可控的场景）
func SortResults(results []model.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Title < results[j].Title
	})
}

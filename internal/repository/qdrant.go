package repository

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/user/moviesearch/internal/catalog"
	"github.com/user/moviesearch/internal/model"
)

// movieNamespace 标题到点 ID 的 UUIDv5 命名空间
var movieNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("moviesearch/movies"))

const qdrantPageSize = 256

// QdrantStore 基于 Qdrant gRPC 接口的目录，集合即索引
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dimension   int
}

// NewQdrantStore 创建 Qdrant 客户端（连接在首次调用时建立）
func NewQdrantStore(addr, collection string, dimension int) (*QdrantStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, &catalog.ConnectionError{Backend: "qdrant", Op: "connect", Err: err}
	}
	return &QdrantStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		dimension:   dimension,
	}, nil
}

// pointID 标题对应的确定性点 ID，保证按标题幂等写入
func pointID(title string) *pb.PointId {
	id := uuid.NewSHA1(movieNamespace, []byte(title))
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id.String()}}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func moviePayload(m model.Movie) map[string]*pb.Value {
	genres := make([]*pb.Value, 0, len(m.Genres))
	for _, g := range m.Genres {
		genres = append(genres, stringValue(g))
	}
	return map[string]*pb.Value{
		"title":       stringValue(m.Title),
		"description": stringValue(m.Description),
		"genres":      {Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: genres}}},
		"poster_url":  stringValue(m.PosterURL),
		"updated_at":  stringValue(m.UpdatedAt.UTC().Format(time.RFC3339Nano)),
	}
}

func movieFromPayload(payload map[string]*pb.Value) model.Movie {
	m := model.Movie{
		Title:       payload["title"].GetStringValue(),
		Description: payload["description"].GetStringValue(),
		PosterURL:   payload["poster_url"].GetStringValue(),
	}
	for _, v := range payload["genres"].GetListValue().GetValues() {
		m.Genres = append(m.Genres, v.GetStringValue())
	}
	if ts := payload["updated_at"].GetStringValue(); ts != "" {
		m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return m
}

func withPayload() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

// EnsureIndex 集合不存在时按目录维度创建（余弦距离）
func (s *QdrantStore) EnsureIndex(ctx context.Context) error {
	info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
	if err == nil {
		size := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
		if size != 0 && int(size) != s.dimension {
			return fmt.Errorf("%w: collection %s has size %d, catalog expects %d",
				catalog.ErrDimensionMismatch, s.collection, size, s.dimension)
		}
		return nil
	}
	if status.Code(err) != codes.NotFound {
		return s.classify("get collection", err)
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{Params: &pb.VectorParams{
			Size:     uint64(s.dimension),
			Distance: pb.Distance_Cosine,
		}}},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return s.classify("create collection", err)
	}
	log.Printf("[Qdrant] 集合 %s 已创建 (dim=%d)", s.collection, s.dimension)
	return nil
}

// CheckIndex 集合存在即视为索引就绪
func (s *QdrantStore) CheckIndex(ctx context.Context) error {
	if _, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection}); err != nil {
		return s.classify("get collection", err)
	}
	return nil
}

func (s *QdrantStore) IsEmpty(ctx context.Context) (bool, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Count 集合不存在时视为 0
func (s *QdrantStore) Count(ctx context.Context) (int64, error) {
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{CollectionName: s.collection, Exact: &exact})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, s.classify("count", err)
	}
	return int64(resp.GetResult().GetCount()), nil
}

func (s *QdrantStore) UpsertAll(ctx context.Context, records []model.Movie) (int, error) {
	prepared, err := catalog.PrepareRecords(records, s.dimension)
	if err != nil {
		return 0, err
	}
	if len(prepared) == 0 {
		return 0, nil
	}
	if err := s.EnsureIndex(ctx); err != nil {
		return 0, err
	}

	now := time.Now()
	wait := true
	written := 0
	for start := 0; start < len(prepared); start += qdrantPageSize {
		end := start + qdrantPageSize
		if end > len(prepared) {
			end = len(prepared)
		}
		points := make([]*pb.PointStruct, 0, end-start)
		for _, m := range prepared[start:end] {
			m.UpdatedAt = now
			points = append(points, &pb.PointStruct{
				Id:      pointID(m.Title),
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: m.Embedding}}},
				Payload: moviePayload(m),
			})
		}
		if _, err := s.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: s.collection,
			Wait:           &wait,
			Points:         points,
		}); err != nil {
			return written, s.classify("upsert", err)
		}
		written += len(points)
	}
	return written, nil
}

// VectorSearch hnsw_ef 取候选池大小，分数为 Qdrant 原生余弦分数
func (s *QdrantStore) VectorSearch(ctx context.Context, params catalog.SearchParams) ([]model.SearchResult, error) {
	p, err := params.Normalize(s.dimension)
	if err != nil {
		return nil, err
	}

	ef := uint64(p.NumCandidates)
	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         p.Vector,
		Limit:          uint64(p.Limit),
		WithPayload:    withPayload(),
		Params:         &pb.SearchParams{HnswEf: &ef},
	}
	if p.MinScore != nil {
		threshold := float32(*p.MinScore)
		req.ScoreThreshold = &threshold
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, s.classify("search", err)
	}

	results := make([]model.SearchResult, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		m := movieFromPayload(pt.GetPayload())
		results = append(results, m.ToResult(float64(pt.GetScore())))
	}
	catalog.SortResults(results)
	return results, nil
}

func (s *QdrantStore) FindByTitle(ctx context.Context, title string) (*model.Movie, error) {
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.collection,
		Ids:            []*pb.PointId{pointID(title)},
		WithPayload:    withPayload(),
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, s.classify("find", err)
	}
	if len(resp.GetResult()) == 0 {
		return nil, nil
	}
	pt := resp.GetResult()[0]
	m := movieFromPayload(pt.GetPayload())
	m.Embedding = pt.GetVectors().GetVector().GetData()
	return &m, nil
}

// Sample 翻页读取全部点后按标题排序
func (s *QdrantStore) Sample(ctx context.Context, limit int) ([]model.Movie, error) {
	var out []model.Movie
	var offset *pb.PointId
	pageSize := uint32(qdrantPageSize)
	for {
		resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: s.collection,
			Offset:         offset,
			Limit:          &pageSize,
			WithPayload:    withPayload(),
		})
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return []model.Movie{}, nil
			}
			return nil, s.classify("sample", err)
		}
		for _, pt := range resp.GetResult() {
			out = append(out, movieFromPayload(pt.GetPayload()))
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *QdrantStore) Close() error {
	return s.conn.Close()
}

// classify 把 gRPC 状态码归类
func (s *QdrantStore) classify(op string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return &catalog.IndexNotReadyError{Backend: "qdrant", Index: s.collection, Reason: "collection does not exist", Err: err}
	case codes.Unavailable, codes.DeadlineExceeded:
		return &catalog.ConnectionError{Backend: "qdrant", Op: op, Err: err}
	default:
		return fmt.Errorf("qdrant %s: %w", op, err)
	}
}

var (
	_ catalog.Store        = (*QdrantStore)(nil)
	_ catalog.IndexManager = (*QdrantStore)(nil)
	_ catalog.IndexChecker = (*QdrantStore)(nil)
)

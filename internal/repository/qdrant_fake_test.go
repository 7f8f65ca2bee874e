package repository

import (
	"context"
	"sort"
	"sync"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// qdrantState 进程内模拟的单个 Qdrant 集合
type qdrantState struct {
	mu         sync.Mutex
	exists     bool
	size       uint64
	created    int
	points     map[string]*pb.PointStruct
	scrollPage int
	scrolls    int
	lastSearch *pb.SearchPoints
	hits       []*pb.ScoredPoint
	failWith   error
}

func (s *qdrantState) check() error {
	if s.failWith != nil {
		return s.failWith
	}
	if !s.exists {
		return status.Error(codes.NotFound, "Collection `movies` doesn't exist!")
	}
	return nil
}

func (s *qdrantState) sortedIDs() []string {
	ids := make([]string, 0, len(s.points))
	for id := range s.points {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *qdrantState) retrieved(id string, withVectors bool) *pb.RetrievedPoint {
	pt := s.points[id]
	out := &pb.RetrievedPoint{Id: pt.GetId(), Payload: pt.GetPayload()}
	if withVectors {
		out.Vectors = &pb.VectorsOutput{VectorsOptions: &pb.VectorsOutput_Vector{
			Vector: &pb.VectorOutput{Data: pt.GetVectors().GetVector().GetData()},
		}}
	}
	return out
}

type fakePoints struct {
	pb.PointsClient
	state *qdrantState
}

func (f *fakePoints) Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error) {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()
	if err := f.state.check(); err != nil {
		return nil, err
	}
	return &pb.CountResponse{Result: &pb.CountResult{Count: uint64(len(f.state.points))}}, nil
}

func (f *fakePoints) Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()
	if err := f.state.check(); err != nil {
		return nil, err
	}
	for _, pt := range in.GetPoints() {
		f.state.points[pt.GetId().GetUuid()] = pt
	}
	return &pb.PointsOperationResponse{}, nil
}

func (f *fakePoints) Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error) {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()
	if err := f.state.check(); err != nil {
		return nil, err
	}
	f.state.lastSearch = in
	return &pb.SearchResponse{Result: f.state.hits}, nil
}

func (f *fakePoints) Get(ctx context.Context, in *pb.GetPoints, opts ...grpc.CallOption) (*pb.GetResponse, error) {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()
	if err := f.state.check(); err != nil {
		return nil, err
	}
	resp := &pb.GetResponse{}
	for _, id := range in.GetIds() {
		if _, ok := f.state.points[id.GetUuid()]; ok {
			resp.Result = append(resp.Result, f.state.retrieved(id.GetUuid(), in.GetWithVectors().GetEnable()))
		}
	}
	return resp, nil
}

func (f *fakePoints) Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error) {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()
	if err := f.state.check(); err != nil {
		return nil, err
	}
	f.state.scrolls++

	page := int(in.GetLimit())
	if f.state.scrollPage > 0 && f.state.scrollPage < page {
		page = f.state.scrollPage
	}
	ids := f.state.sortedIDs()
	start := 0
	if off := in.GetOffset().GetUuid(); off != "" {
		start = sort.SearchStrings(ids, off)
	}
	end := start + page
	if end > len(ids) {
		end = len(ids)
	}

	resp := &pb.ScrollResponse{}
	for _, id := range ids[start:end] {
		resp.Result = append(resp.Result, f.state.retrieved(id, false))
	}
	if end < len(ids) {
		resp.NextPageOffset = f.state.points[ids[end]].GetId()
	}
	return resp, nil
}

type fakeCollections struct {
	pb.CollectionsClient
	state *qdrantState
}

func (f *fakeCollections) Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error) {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()
	if err := f.state.check(); err != nil {
		return nil, err
	}
	return &pb.GetCollectionInfoResponse{Result: &pb.CollectionInfo{Config: &pb.CollectionConfig{
		Params: &pb.CollectionParams{VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{Params: &pb.VectorParams{Size: f.state.size}},
		}},
	}}}, nil
}

func (f *fakeCollections) Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()
	if f.state.failWith != nil {
		return nil, f.state.failWith
	}
	f.state.exists = true
	f.state.size = in.GetVectorsConfig().GetParams().GetSize()
	f.state.created++
	return &pb.CollectionOperationResponse{Result: true}, nil
}

// newFakeQdrantStore 不建立 gRPC 连接的 QdrantStore，不要调用 Close
func newFakeQdrantStore(dimension int) (*QdrantStore, *qdrantState) {
	state := &qdrantState{points: make(map[string]*pb.PointStruct)}
	return &QdrantStore{
		points:      &fakePoints{state: state},
		collections: &fakeCollections{state: state},
		collection:  "movies",
		dimension:   dimension,
	}, state
}

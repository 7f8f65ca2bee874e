package service

import (
	"context"
	"testing"
	"time"

	"github.com/user/moviesearch/internal/catalog"
	"github.com/user/moviesearch/internal/config"
	"github.com/user/moviesearch/internal/embedder"
	"github.com/user/moviesearch/internal/repository"
)

// checkedStore 内存目录 + 可控的索引检查结果
type checkedStore struct {
	*repository.MemoryStore
	err    error
	checks int
}

func (s *checkedStore) CheckIndex(ctx context.Context) error {
	s.checks++
	return s.err
}

func TestIndexMonitor_CheckNow(t *testing.T) {
	missing := &checkedStore{
		MemoryStore: repository.NewMemoryStore(len(concepts)),
		err:         &catalog.IndexNotReadyError{Backend: "postgres", Index: "movies_embedding_hnsw_idx"},
	}
	healthy := &checkedStore{MemoryStore: repository.NewMemoryStore(len(concepts))}
	stores := map[string]catalog.Store{
		"memory://missing": missing,
		"memory://healthy": healthy,
		"memory://plain":   repository.NewMemoryStore(len(concepts)),
	}
	m := NewConnectionManager(ManagerConfig{
		Dimension: len(concepts),
		Embedder:  newEmbedder(),
		Opener: func(ctx context.Context, cfg catalog.ConnectionConfig) (catalog.Store, error) {
			return stores[cfg.URL], nil
		},
	})
	defer m.Close()
	for url := range stores {
		if _, err := m.Connect(context.Background(), url); err != nil {
			t.Fatalf("Connect %s: %v", url, err)
		}
	}

	results := NewIndexMonitor(m, time.Minute).CheckNow(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected only index-checking stores to be checked, got %d", len(results))
	}
	if !catalog.IsIndexNotReady(results[ConnectionID("memory://missing")]) {
		t.Errorf("expected IndexNotReady for missing index, got %v", results[ConnectionID("memory://missing")])
	}
	if err := results[ConnectionID("memory://healthy")]; err != nil {
		t.Errorf("expected healthy index, got %v", err)
	}
}

func TestIndexMonitor_DisabledAndStop(t *testing.T) {
	m := NewConnectionManager(ManagerConfig{Dimension: len(concepts), Embedder: newEmbedder()})
	defer m.Close()

	disabled := NewIndexMonitor(m, 0)
	disabled.Start()
	disabled.Stop()
	disabled.Stop()

	mon := NewIndexMonitor(m, 10*time.Millisecond)
	mon.Start()
	time.Sleep(30 * time.Millisecond)
	mon.Stop()
}

func TestManagerConfigFromConfig(t *testing.T) {
	cfg := &config.Config{
		Catalog:  config.CatalogConfig{Dimension: 32, QdrantCollection: "films"},
		Embedder: config.EmbedderConfig{Provider: "hashing", MaxTokens: 64, CacheSize: 10, CacheTTL: time.Minute},
		Query:    config.QueryConfig{TopK: 3, NumCandidates: 30},
		Ingest:   config.IngestConfig{BatchSize: 4, Concurrency: 2},
	}
	mc, err := ManagerConfigFromConfig(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mc.Embedder.Dimension() != 32 {
		t.Errorf("expected dimension 32, got %d", mc.Embedder.Dimension())
	}
	if _, ok := mc.QueryEmbedder.(*embedder.Cached); !ok {
		t.Errorf("expected cached query embedder, got %T", mc.QueryEmbedder)
	}
	if mc.Options["collection"] != "films" {
		t.Errorf("expected collection option, got %v", mc.Options)
	}
	if mc.Query.TopK != 3 || mc.Ingest.EmbedBatchSize != 4 {
		t.Errorf("unexpected derived config %+v %+v", mc.Query, mc.Ingest)
	}

	cfg.Embedder.Provider = "nope"
	if _, err := ManagerConfigFromConfig(cfg); err == nil {
		t.Error("expected error for unknown provider")
	}
}

package repository

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/moviesearch/internal/catalog"
)

func TestOpen_Schemes(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, catalog.ConnectionConfig{URL: "memory://", Dimension: 3})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("expected *MemoryStore, got %T", s)
	}

	path := filepath.Join(t.TempDir(), "movies.db")
	s, err = Open(ctx, catalog.ConnectionConfig{URL: "bolt://" + path, Dimension: 3})
	if err != nil {
		t.Fatalf("bolt: %v", err)
	}
	if _, ok := s.(*BoltStore); !ok {
		t.Errorf("expected *BoltStore, got %T", s)
	}
	s.Close()

	s, err = Open(ctx, catalog.ConnectionConfig{URL: "qdrant://localhost/films", Dimension: 3})
	if err != nil {
		t.Fatalf("qdrant: %v", err)
	}
	q, ok := s.(*QdrantStore)
	if !ok {
		t.Fatalf("expected *QdrantStore, got %T", s)
	}
	if q.collection != "films" {
		t.Errorf("expected collection films, got %s", q.collection)
	}
	q.Close()

	if _, err := Open(ctx, catalog.ConnectionConfig{URL: "mongodb://localhost", Dimension: 3}); err == nil {
		t.Error("expected error for unsupported scheme")
	}
	if _, err := Open(ctx, catalog.ConnectionConfig{URL: "memory://", Dimension: 0}); err == nil {
		t.Error("expected error for zero dimension")
	}
}

func TestRedact(t *testing.T) {
	got := Redact("postgres://movies:secret@db:5432/movies")
	if strings.Contains(got, "secret") {
		t.Errorf("password leaked: %s", got)
	}
}

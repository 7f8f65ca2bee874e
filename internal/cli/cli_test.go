package cli

import (
	"context"
	"path/filepath"
	"testing"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	ingestSeed, ingestForce = "", false
	searchTopK, searchCandidates, searchMinScore, searchJSON = 0, 0, 0, false
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestIngestThenSearchOnBoltCatalog(t *testing.T) {
	t.Setenv("EMBEDDER", "hashing")
	t.Setenv("CATALOG_DIMENSION", "64")
	t.Setenv("EMBED_CACHE_SIZE", "0")
	catalogURL := "bolt://" + filepath.Join(t.TempDir(), "movies.db")

	if err := run(t, "--catalog", catalogURL, "ingest"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := run(t, "--catalog", catalogURL, "ingest"); err != nil {
		t.Fatalf("second ingest should skip, got %v", err)
	}
	if err := run(t, "--catalog", catalogURL, "search", "a heist inside dreams", "-k", "3", "--json"); err != nil {
		t.Fatalf("search: %v", err)
	}
	if err := run(t, "--catalog", catalogURL, "status"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := run(t, "--catalog", catalogURL, "index", "create"); err != nil {
		t.Fatalf("index create: %v", err)
	}
}

func TestSearchRejectsBlankQuery(t *testing.T) {
	t.Setenv("EMBEDDER", "hashing")
	t.Setenv("CATALOG_DIMENSION", "64")

	if err := run(t, "--catalog", "memory://", "search", "   "); err == nil {
		t.Fatal("expected error for blank query")
	}
}

func TestToken(t *testing.T) {
	t.Setenv("APP_SECRET", "cli-test-secret")
	if err := run(t, "token", "--subject", "ops"); err != nil {
		t.Fatalf("token: %v", err)
	}
}

package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/user/moviesearch/internal/config"
	"github.com/user/moviesearch/internal/embedder"
	"github.com/user/moviesearch/internal/handler"
	"github.com/user/moviesearch/internal/middleware"
	"github.com/user/moviesearch/internal/router"
	"github.com/user/moviesearch/internal/service"
	"github.com/user/moviesearch/internal/utils"
)

const testSecret = "test-secret"

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Success bool            `json:"success"`
}

func setup(t *testing.T) (*gin.Engine, *service.ConnectionManager) {
	t.Helper()
	cfg := &config.Config{AppSecret: testSecret}
	cfg.Catalog.ConnectSchemes = []string{"memory"}
	return setupWithConfig(t, cfg)
}

func setupWithConfig(t *testing.T, cfg *config.Config) (*gin.Engine, *service.ConnectionManager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	utils.InitCache()

	emb, err := embedder.New(embedder.Options{Provider: "hashing", Dimension: 64})
	if err != nil {
		t.Fatalf("embedder: %v", err)
	}
	manager := service.NewConnectionManager(service.ManagerConfig{
		Dimension:      64,
		Embedder:       emb,
		MaxConnections: cfg.Catalog.MaxConnections,
	})
	t.Cleanup(func() { _ = manager.Close() })

	h := handler.NewHandler(cfg, manager)

	r := gin.New()
	r.Use(sessions.Sessions("mysession", cookie.NewStore([]byte(testSecret))))
	r.HTMLRender = router.LoadTemplates("../../web/templates")
	router.RegisterRoutes(r, h)
	return r, manager
}

func connectDefault(t *testing.T, manager *service.ConnectionManager) *service.Connection {
	t.Helper()
	conn, err := manager.Connect(context.Background(), "memory://")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := conn.Ingest.Ingest(context.Background()); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := manager.SetDefault(conn.ID); err != nil {
		t.Fatalf("set default: %v", err)
	}
	return conn
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return env
}

func TestHome_RendersConnectionForm(t *testing.T) {
	r, _ := setup(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `name="connection_string"`) {
		t.Error("expected connection form on home page")
	}
}

func TestConnect_IngestsAndRemembersConnection(t *testing.T) {
	r, manager := setup(t)

	form := url.Values{"connection_string": {"memory://"}}
	req := httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d: %s", w.Code, w.Body.String())
	}
	cookies := w.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected session cookie")
	}
	for _, c := range cookies {
		if strings.Contains(c.Value, "memory://") {
			t.Error("connection string must not be stored in the cookie")
		}
	}
	if manager.Len() != 1 {
		t.Errorf("expected one open connection, got %d", manager.Len())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/search?q=a+heist+inside+dreams&k=3", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp service.SearchResponse
	if err := json.Unmarshal(decode(t, w).Data, &resp); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(resp.Results))
	}
	for i := 1; i < len(resp.Results); i++ {
		if resp.Results[i-1].Score < resp.Results[i].Score {
			t.Errorf("results not ordered by score at %d", i)
		}
	}
}

func TestConnect_EmptyConnectionString(t *testing.T) {
	r, _ := setup(t)

	req := httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader("connection_string="))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "connection string") {
		t.Error("expected prompt for connection string")
	}
}

func postConnect(r *gin.Engine, raw string) *httptest.ResponseRecorder {
	form := url.Values{"connection_string": {raw}}
	req := httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestConnect_RejectsLocalSchemesByDefault(t *testing.T) {
	cfg := &config.Config{AppSecret: testSecret}
	r, manager := setupWithConfig(t, cfg)

	path := filepath.Join(t.TempDir(), "created.db")
	for _, raw := range []string{"bolt://" + path, "memory://", "ftp://example.com/movies"} {
		w := postConnect(r, raw)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", raw, w.Code)
		}
		if !strings.Contains(w.Body.String(), "cannot be opened from the web form") {
			t.Errorf("%s: expected scheme rejection message", raw)
		}
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("bolt file must not be created, stat err=%v", err)
	}
	if n := manager.Len(); n != 0 {
		t.Errorf("expected no open connections, got %d", n)
	}
}

func TestConnect_CapsOpenConnections(t *testing.T) {
	cfg := &config.Config{AppSecret: testSecret}
	cfg.Catalog.ConnectSchemes = []string{"memory"}
	cfg.Catalog.MaxConnections = 3
	r, manager := setupWithConfig(t, cfg)
	def := connectDefault(t, manager)

	for i := 0; i < 10; i++ {
		if w := postConnect(r, "memory://catalog-"+strconv.Itoa(i)); w.Code != http.StatusSeeOther {
			t.Fatalf("connect %d: expected 303, got %d", i, w.Code)
		}
	}
	if n := manager.Len(); n != 4 {
		t.Errorf("expected 3 session connections plus the default, got %d", n)
	}
	if _, ok := manager.Get(def.ID); !ok {
		t.Error("default connection must never be evicted")
	}
}

func TestConnect_UnsupportedSchemeShowsError(t *testing.T) {
	cfg := &config.Config{AppSecret: testSecret}
	cfg.Catalog.ConnectSchemes = []string{"ftp"}
	r, _ := setupWithConfig(t, cfg)

	form := url.Values{"connection_string": {"ftp://example.com/movies"}}
	req := httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code == http.StatusSeeOther || w.Code == http.StatusOK {
		t.Fatalf("expected error status, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Failed to connect") {
		t.Error("expected connection error panel")
	}
}

func TestHome_SearchRendersResults(t *testing.T) {
	r, manager := setup(t)
	connectDefault(t, manager)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?q=space+travel+through+a+wormhole", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Top matches") {
		t.Error("expected result list")
	}
	if !strings.Contains(body, "Similarity") {
		t.Error("expected similarity scores")
	}
}

func TestAPISearch_Validation(t *testing.T) {
	r, manager := setup(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/search?q=dreams", nil))
	if w.Code != http.StatusPreconditionRequired {
		t.Fatalf("expected 428 without connection, got %d", w.Code)
	}

	connectDefault(t, manager)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"missing query", "", http.StatusBadRequest},
		{"blank query", "q=%20%20", http.StatusBadRequest},
		{"zero k uses default", "q=dreams&k=0", http.StatusOK},
		{"k too large", "q=dreams&k=1000", http.StatusBadRequest},
		{"candidates below k", "q=dreams&k=10&candidates=5", http.StatusBadRequest},
		{"ok", "q=dreams&k=2&candidates=10", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/search?"+tt.query, nil))
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestAPISearch_MinScoreCanEmptyResults(t *testing.T) {
	r, manager := setup(t)
	connectDefault(t, manager)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/search?q=dreams&min_score=1.5", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp service.SearchResponse
	if err := json.Unmarshal(decode(t, w).Data, &resp); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("expected no results above threshold, got %d", len(resp.Results))
	}
}

func TestAPICatalog(t *testing.T) {
	r, manager := setup(t)
	connectDefault(t, manager)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/catalog", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var summary handler.CatalogSummary
	if err := json.Unmarshal(decode(t, w).Data, &summary); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if summary.Count != 20 || len(summary.Sample) != 20 {
		t.Errorf("expected 20 movies, got count=%d sample=%d", summary.Count, len(summary.Sample))
	}
	if strings.Contains(w.Body.String(), "embedding") {
		t.Error("catalog response must not expose embeddings")
	}
}

func TestAPIIngest_RequiresAdmin(t *testing.T) {
	r, manager := setup(t)
	connectDefault(t, manager)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/ingest", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	viewer, err := middleware.GenerateToken("viewer", "viewer", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", nil)
	req.Header.Set("Authorization", "Bearer "+viewer)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestAPIIngest_SkipsThenForces(t *testing.T) {
	r, manager := setup(t)
	connectDefault(t, manager)

	admin, err := middleware.GenerateToken("ops", middleware.RoleAdmin, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	run := func(path string) service.IngestReport {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("Authorization", "Bearer "+admin)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, w.Code, w.Body.String())
		}
		var report service.IngestReport
		if err := json.Unmarshal(decode(t, w).Data, &report); err != nil {
			t.Fatalf("decode data: %v", err)
		}
		return report
	}

	report := run("/api/ingest")
	if !report.Skipped || report.Reason != service.SkipNotEmpty {
		t.Errorf("expected skip on non-empty catalog, got %+v", report)
	}
	if report.Count != 20 {
		t.Errorf("expected count 20, got %d", report.Count)
	}

	report = run("/api/ingest?force=true")
	if report.Skipped || report.Written != 20 {
		t.Errorf("expected forced resync of 20 records, got %+v", report)
	}
}

func TestHealth(t *testing.T) {
	r, manager := setup(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	conn := connectDefault(t, manager)
	_ = conn.Store.Close()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for closed store, got %d", w.Code)
	}
}

func TestNotFound(t *testing.T) {
	r, _ := setup(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	if w.Code != http.StatusNotFound || !strings.Contains(w.Header().Get("Content-Type"), "json") {
		t.Fatalf("expected JSON 404, got %d %s", w.Code, w.Header().Get("Content-Type"))
	}
}

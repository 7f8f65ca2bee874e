package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/user/moviesearch/internal/catalog"
	"github.com/user/moviesearch/internal/config"
	"github.com/user/moviesearch/internal/model"
	"github.com/user/moviesearch/internal/repository"
	"github.com/user/moviesearch/internal/service"
	"github.com/user/moviesearch/internal/utils"
)

const sessionConnKey = "conn_id"

// Handler HTTP 处理器
type Handler struct {
	Config  *config.Config
	Manager *service.ConnectionManager
}

// NewHandler 创建处理器
func NewHandler(cfg *config.Config, manager *service.ConnectionManager) *Handler {
	return &Handler{Config: cfg, Manager: manager}
}

// current 当前会话对应的连接，没有会话时使用默认连接
func (h *Handler) current(c *gin.Context) (*service.Connection, bool) {
	session := sessions.Default(c)
	if id, ok := session.Get(sessionConnKey).(string); ok && id != "" {
		if conn, ok := h.Manager.Get(id); ok {
			return conn, true
		}
	}
	return h.Manager.Default()
}

// RenderData 统一封装公共渲染数据
func (h *Handler) RenderData(c *gin.Context, data gin.H) gin.H {
	res := gin.H{
		"Title": "Movie Search Powered by Vector Search",
		"Path":  c.Request.URL.Path,
	}
	if conn, ok := h.current(c); ok {
		res["Connection"] = conn
	}
	for k, v := range data {
		res[k] = v
	}
	return res
}

// homeView 首页数据
type homeView struct {
	Query     string
	Results   []model.SearchResult
	Searched  bool
	Sample    []model.Movie
	Count     int64
	Error     string
	Guidance  string
	Notice    string
	Failures  []service.RecordFailure
	ModelName string
}

// Home 首页：连接表单、目录概况、检索表单与结果
func (h *Handler) Home(c *gin.Context) {
	view := homeView{Query: strings.TrimSpace(c.Query("q"))}
	session := sessions.Default(c)
	if flashes := session.Flashes(); len(flashes) > 0 {
		if msg, ok := flashes[0].(string); ok {
			view.Notice = msg
		}
		_ = session.Save()
	}

	conn, ok := h.current(c)
	status := http.StatusOK
	if ok {
		if summary, err := h.catalogSummary(c.Request.Context(), conn); err != nil {
			status = h.describeError(err, &view)
		} else {
			view.Count = summary.Count
			view.Sample = summary.Sample
		}

		if view.Query != "" && view.Error == "" {
			view.Searched = true
			resp, err := conn.Query.Search(c.Request.Context(), view.Query)
			if err != nil {
				status = h.describeError(err, &view)
			} else {
				view.Results = resp.Results
				view.ModelName = resp.Model
			}
		}
	}

	c.HTML(status, "home.html", h.RenderData(c, gin.H{"View": view}))
}

// Connect 打开提交的连接串并导入种子数据，会话中只保存不透明的连接 ID
func (h *Handler) Connect(c *gin.Context) {
	raw := strings.TrimSpace(c.PostForm("connection_string"))
	if raw == "" {
		view := homeView{Error: "Please enter a catalog connection string to proceed."}
		c.HTML(http.StatusBadRequest, "home.html", h.RenderData(c, gin.H{"View": view}))
		return
	}
	if scheme := repository.Scheme(raw); !h.Config.AllowsConnectScheme(scheme) {
		log.Printf("[Handler] 拒绝连接串 scheme %q", scheme)
		view := homeView{Error: "This kind of catalog cannot be opened from the web form. Use a PostgreSQL or Qdrant connection string."}
		c.HTML(http.StatusBadRequest, "home.html", h.RenderData(c, gin.H{"View": view}))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	conn, err := h.Manager.Connect(ctx, raw)
	if err != nil {
		log.Printf("[Handler] 连接目录失败: %v", err)
		var view homeView
		status := h.describeError(err, &view)
		view.Error = "Failed to connect to the catalog: " + view.Error
		c.HTML(status, "home.html", h.RenderData(c, gin.H{"View": view}))
		return
	}

	session := sessions.Default(c)
	session.Set(sessionConnKey, conn.ID)

	report, err := conn.Ingest.Ingest(ctx)
	invalidateCatalog(conn.ID)
	var partial *service.IngestionPartialFailure
	switch {
	case err == nil && report.Skipped:
		session.AddFlash("Sample data already loaded.")
	case err == nil:
		session.AddFlash(ingestNotice(report))
	case errors.As(err, &partial):
		session.AddFlash(partial.Error())
	default:
		_ = session.Save()
		var view homeView
		status := h.describeError(err, &view)
		c.HTML(status, "home.html", h.RenderData(c, gin.H{"View": view}))
		return
	}
	if err := session.Save(); err != nil {
		log.Printf("[Handler] 保存会话失败: %v", err)
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func ingestNotice(report *service.IngestReport) string {
	return "Loaded " + itoa(report.Written) + " sample movies into the catalog."
}

// describeError 把错误转为页面提示，返回 HTTP 状态码
func (h *Handler) describeError(err error, view *homeView) int {
	status, message, guidance := classify(err)
	view.Error = message
	view.Guidance = guidance
	var partial *service.IngestionPartialFailure
	if errors.As(err, &partial) {
		view.Failures = partial.Failures
	}
	var idx *catalog.IndexNotReadyError
	if errors.As(err, &idx) {
		view.Guidance = idx.Guidance()
	}
	return status
}

// NotFound 404 页面，API 路径返回 JSON
func (h *Handler) NotFound(c *gin.Context) {
	if strings.HasPrefix(c.Request.URL.Path, "/api/") {
		utils.NotFound(c, "not found")
		return
	}
	c.HTML(http.StatusNotFound, "404.html", h.RenderData(c, nil))
}

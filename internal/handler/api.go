package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/moviesearch/internal/middleware"
	"github.com/user/moviesearch/internal/model"
	"github.com/user/moviesearch/internal/service"
	"github.com/user/moviesearch/internal/utils"
)

const (
	catalogCachePrefix = "catalog:"
	catalogCacheTTL    = 30 * time.Second
)

// SearchRequest 检索接口参数
type SearchRequest struct {
	Query         string   `form:"q" binding:"required,max=2000"`
	TopK          int      `form:"k" binding:"omitempty,min=1,max=100"`
	NumCandidates int      `form:"candidates" binding:"omitempty,min=1,max=10000"`
	MinScore      *float64 `form:"min_score"`
}

// IngestRequest 导入接口参数
type IngestRequest struct {
	Force bool `form:"force"`
}

// CatalogSummary 目录概况
type CatalogSummary struct {
	ConnectionID string        `json:"connection_id"`
	URL          string        `json:"url"`
	Count        int64         `json:"count"`
	Sample       []model.Movie `json:"sample"`
}

func (h *Handler) requireConnection(c *gin.Context) (*service.Connection, bool) {
	conn, ok := h.current(c)
	if !ok {
		utils.Error(c, http.StatusPreconditionRequired, "no catalog connected, submit a connection string first")
		return nil, false
	}
	return conn, true
}

// APISearch 语义检索
func (h *Handler) APISearch(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		utils.BadRequest(c, "invalid search parameters: "+err.Error())
		return
	}
	conn, ok := h.requireConnection(c)
	if !ok {
		return
	}

	resp, err := conn.Query.SearchWith(c.Request.Context(), req.Query, service.QueryOptions{
		TopK:          req.TopK,
		NumCandidates: req.NumCandidates,
		MinScore:      req.MinScore,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, resp)
}

// APICatalog 目录记录数与示例
func (h *Handler) APICatalog(c *gin.Context) {
	conn, ok := h.requireConnection(c)
	if !ok {
		return
	}
	summary, err := h.catalogSummary(c.Request.Context(), conn)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, summary)
}

// APIIngest 手动触发导入，force=true 时即使目录非空也重新同步
func (h *Handler) APIIngest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		utils.BadRequest(c, "invalid ingest parameters: "+err.Error())
		return
	}
	conn, ok := h.requireConnection(c)
	if !ok {
		return
	}

	log.Printf("[Handler] %s 触发导入 (force=%v)", middleware.GetSubject(c), req.Force)
	report, err := conn.Ingest.Run(c.Request.Context(), service.IngestOptions{Force: req.Force})
	invalidateCatalog(conn.ID)

	var partial *service.IngestionPartialFailure
	if errors.As(err, &partial) && report != nil {
		c.JSON(http.StatusMultiStatus, utils.Response{
			Code:    http.StatusMultiStatus,
			Message: partial.Error(),
			Data:    report,
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, report)
}

// Health 健康检查，报告默认连接是否可用
func (h *Handler) Health(c *gin.Context) {
	status := gin.H{"status": "ok", "connections": h.Manager.Len()}
	conn, ok := h.Manager.Default()
	if !ok {
		c.JSON(http.StatusOK, status)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if _, err := conn.Store.Count(ctx); err != nil {
		status["status"] = "degraded"
		status["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) catalogSummary(ctx context.Context, conn *service.Connection) (*CatalogSummary, error) {
	key := catalogCachePrefix + conn.ID
	if cached, ok := utils.CacheGet(key); ok {
		if summary, ok := cached.(*CatalogSummary); ok {
			return summary, nil
		}
	}

	count, err := conn.Store.Count(ctx)
	if err != nil {
		return nil, err
	}
	sample, err := conn.Store.Sample(ctx, service.SampleSize)
	if err != nil {
		return nil, err
	}
	summary := &CatalogSummary{ConnectionID: conn.ID, URL: conn.URL, Count: count, Sample: sample}
	utils.CacheSet(key, summary, catalogCacheTTL)
	return summary, nil
}

func invalidateCatalog(id string) {
	utils.CacheDeletePrefix(catalogCachePrefix + id)
}

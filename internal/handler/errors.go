package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/user/moviesearch/internal/catalog"
	"github.com/user/moviesearch/internal/embedder"
	"github.com/user/moviesearch/internal/service"
	"github.com/user/moviesearch/internal/utils"
)

// classify 错误到状态码、用户提示与处理建议
func classify(err error) (status int, message, guidance string) {
	var (
		embErr  *embedder.Error
		idxErr  *catalog.IndexNotReadyError
		connErr *catalog.ConnectionError
		partial *service.IngestionPartialFailure
	)
	// 部分失败会展开各记录的原因，必须先于单个错误类型判断
	switch {
	case errors.As(err, &partial):
		return http.StatusMultiStatus, partial.Error(), ""
	case errors.As(err, &embErr):
		if embErr.IsInputError() {
			return http.StatusBadRequest, embErr.Error(), ""
		}
		if embErr.Reason == embedder.ReasonDimension {
			return http.StatusInternalServerError, embErr.Error(), "Set CATALOG_DIMENSION to the embedding model's output size."
		}
		return http.StatusBadGateway, embErr.Error(), "Check that the embedding model server is running."
	case errors.As(err, &idxErr):
		return http.StatusConflict, idxErr.Error(), idxErr.Guidance()
	case errors.As(err, &connErr):
		return http.StatusServiceUnavailable, connErr.Error(), "Check the connection string and that the catalog server is reachable."
	case errors.Is(err, catalog.ErrInvalidSearch):
		return http.StatusBadRequest, err.Error(), ""
	case errors.Is(err, catalog.ErrDimensionMismatch):
		return http.StatusInternalServerError, err.Error(), "The catalog was built with a different embedding model; re-ingest or change CATALOG_DIMENSION."
	default:
		return http.StatusInternalServerError, err.Error(), ""
	}
}

// respondError 统一的 API 错误响应
func respondError(c *gin.Context, err error) {
	status, message, guidance := classify(err)
	var data interface{}
	if guidance != "" {
		data = gin.H{"guidance": guidance}
	}
	var partial *service.IngestionPartialFailure
	if errors.As(err, &partial) {
		data = gin.H{"written": partial.Written, "failures": partial.Failures}
	}
	switch {
	case status == http.StatusConflict:
		utils.Conflict(c, message, data)
	case status == http.StatusServiceUnavailable:
		utils.ServiceUnavailable(c, message, data)
	case status == http.StatusInternalServerError && data == nil:
		utils.InternalServerError(c, message)
	default:
		utils.ErrorWithData(c, status, message, data)
	}
}

func itoa(n int) string { return strconv.Itoa(n) }

package middleware

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger 请求日志中间件，查询串只记录长度
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		queryLen := len(c.Request.URL.RawQuery)

		c.Next()

		log.Printf("[%s] %s?(%d) %s %d %v",
			c.Request.Method,
			path,
			queryLen,
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

package monitoring

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware recording introspection requests.
// Requests are labelled by route template so that path parameters do not
// create new series.
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start), int64(c.Writer.Size()))
	}
}

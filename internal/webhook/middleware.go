package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// bodyCapMiddleware enforces the request body limit two ways: a declared
// Content-Length over the cap is rejected before any handler work, and the
// body is wrapped in a MaxBytesReader so chunked or lying senders are cut
// off mid-read. Oversize bodies are drained (bounded) to keep the
// connection reusable.
func bodyCapMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			_, _ = io.Copy(io.Discard, io.LimitReader(c.Request.Body, maxBytes+1))
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// decodeJSON reads the capped body into dst. On failure it writes the
// response itself and returns false: 413 when the cap tripped, 400 for
// malformed JSON, 502 for a transport error.
func decodeJSON(c *gin.Context, dst interface{}) bool {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
		} else {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "Stream error"})
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return false
	}
	return true
}

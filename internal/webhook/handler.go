package webhook

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler adapts the processor to gin. The raw body is read before
// anything parses it so signature verification sees the exact bytes
// the provider signed.
func (p *Processor) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"message": "failed to read request body",
				"error":   err.Error(),
			})
			return
		}

		res := p.Process(c.Request.Context(), body, c.GetHeader(p.cfg.SignatureHeader))

		resp := gin.H{"message": res.Message}
		if res.Receipt != nil {
			resp["receipt"] = res.Receipt
		}
		if res.Err != nil {
			resp["error"] = res.Err.Error()
		}
		if res.NotificationError != "" {
			resp["notification_error"] = res.NotificationError
		}
		c.JSON(res.Status, resp)
	}
}

// Register mounts each processor at its configured path.
func Register(r *gin.Engine, processors ...*Processor) {
	for _, p := range processors {
		r.POST(p.cfg.Path, p.Handler())
	}
}

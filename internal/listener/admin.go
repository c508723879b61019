package listener

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/halyard-ai/voicebridge/pkg/commons"
)

// NewAdminRouter builds the operational HTTP surface: health, live session
// stats, and the RTP call provisioning endpoint the dialplan hits.
func NewAdminRouter(l *Listener, logger commons.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": l.Registry().Len(),
		})
	})

	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": l.Registry().Snapshot()})
	})

	r.POST("/calls/rtp", func(c *gin.Context) {
		var req RTPCallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, err := l.StartRTPCall(c.Request.Context(), req)
		if err != nil {
			logger.Errorw("RTP call provisioning failed", "call_id", req.CallID, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, resp)
	})

	return r
}

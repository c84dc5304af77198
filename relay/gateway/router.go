package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// NewRouter serves the websocket endpoint at /ws and a health check.
func NewRouter(server *Server) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	// upgrade requests skip tracing, the span would live as long as the socket
	ws := engine.Group("/ws")
	ws.GET("", gin.WrapF(server.HandleWebSocket))

	api := engine.Group("/", otelgin.Middleware("relay"))
	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"users": len(server.connMgr.Users()),
		})
	})
	return engine
}

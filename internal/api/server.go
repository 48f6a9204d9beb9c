/*
Package api serves the gateway over HTTP for dashboards and the chat layer.

Routes:

	POST   /api/call-tool                invoke a tool
	GET    /api/tools                    list tools (optional ?service=)
	GET    /api/tools/search?q=          find tools by description
	GET    /api/health                   health snapshot, always 200
	GET    /api/status/:service          one service's circuit, pool and tool stats
	GET    /api/memory/status            memory stats, recent entities and turns
	GET    /api/memory/entities/:type/:id
	GET    /api/memory/search?q=
	POST   /api/memory/conversation      append a conversation turn
	DELETE /api/memory                   clear memory
	POST   /api/cache/invalidate         drop every cached result
	GET    /metrics                      Prometheus exposition
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/khanglvm/bi-gateway/internal/cache"
	"github.com/khanglvm/bi-gateway/internal/gateway"
	"github.com/khanglvm/bi-gateway/internal/memory"
	"github.com/khanglvm/bi-gateway/internal/metrics"
	"github.com/khanglvm/bi-gateway/internal/search"
)

const shutdownTimeout = 10 * time.Second

// Deps are the components the handlers read and drive.
type Deps struct {
	Dispatcher *gateway.Dispatcher
	Metrics    *metrics.Aggregator
	Memory     *memory.Memory
	// Cache and Index are optional.
	Cache  *cache.Cache
	Index  *search.Indexer
	Logger *slog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("bi-gateway"), requestLogger(d.Logger))

	router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	api := router.Group("/api")
	{
		api.POST("/call-tool", CallTool(d.Dispatcher))
		api.GET("/tools", ListTools(d.Dispatcher))
		api.GET("/tools/search", SearchTools(d.Index))
		api.GET("/health", Health(d.Metrics))
		api.GET("/status/:service", ServiceStatus(d.Metrics))
		api.POST("/cache/invalidate", InvalidateCache(d.Cache))

		mem := api.Group("/memory")
		{
			mem.GET("/status", MemoryStatus(d.Memory))
			mem.GET("/entities/:type/:id", GetEntity(d.Memory))
			mem.GET("/search", SearchMemory(d.Memory))
			mem.POST("/conversation", AppendConversation(d.Memory))
			mem.DELETE("", ClearMemory(d.Memory))
		}
	}
	return router
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

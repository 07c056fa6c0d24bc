// Package api 网格跟踪服务的 HTTP JSON 接口（gin + rs/cors）。
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"grid-tracker-go/feed"
	"grid-tracker-go/grid"
	"grid-tracker-go/infrastructure/logger"
	"grid-tracker-go/infrastructure/monitor"
	"grid-tracker-go/internal/store"
	"grid-tracker-go/internal/tracker"
	"grid-tracker-go/posttrade"
)

// Service HTTP 层依赖的网格操作，由 tracker.Tracker 实现
type Service interface {
	CreateGrid(ctx context.Context, cfg grid.Config) (*grid.Grid, error)
	Get(ctx context.Context, id string) (*grid.Grid, error)
	List(ctx context.Context, opts store.ListOptions) ([]*grid.Grid, error)
	Delete(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) (*grid.Grid, error)
	ApplyPrice(ctx context.Context, id string, price float64) (*grid.Grid, error)
	RecordTrade(ctx context.Context, tr grid.Trade) (*grid.Trade, *grid.Grid, error)
	HandleTick(ctx context.Context, tick feed.Tick) (int, error)
	Trades(ctx context.Context, id string, q store.TradeQuery) ([]grid.Trade, error)
	Summary(ctx context.Context, id string) (*tracker.Summary, error)
	Analysis(ctx context.Context, id string) (*posttrade.Report, error)
	Trade(ctx context.Context, id string) (*grid.Trade, error)
	RecentTrades(ctx context.Context, limit int) ([]grid.Trade, error)
	Stats(ctx context.Context) (*store.Stats, error)
}

var _ Service = (*tracker.Tracker)(nil)

// Options 服务器选项
type Options struct {
	Logger      *logger.Logger
	Monitor     *monitor.Monitor
	CORSOrigins []string
	// ServeMetrics 为 true 时在 /metrics 暴露监控指标
	ServeMetrics bool
	Release      bool
}

// Server HTTP 服务
type Server struct {
	svc     Service
	log     *logger.Logger
	mon     *monitor.Monitor
	engine  *gin.Engine
	handler http.Handler
}

// New 构建路由
func New(svc Service, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	log := opts.Logger.WithFields(map[string]interface{}{"component": "api"})

	engine := gin.New()
	engine.Use(Recovery(log), AccessLog(log, opts.Monitor))

	s := &Server{svc: svc, log: log, mon: opts.Monitor, engine: engine}
	s.routes(opts.ServeMetrics)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         600,
	}).Handler(engine)
	return s
}

func (s *Server) routes(serveMetrics bool) {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if serveMetrics && s.mon != nil {
		s.engine.GET("/metrics", gin.WrapH(s.mon.Handler()))
	}

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/levels", s.computeLevels)
		v1.POST("/ticks", s.postTick)
		v1.GET("/stats", s.stats)
		v1.GET("/trades/recent", s.recentTrades)
		v1.GET("/trades/:id", s.getTrade)

		v1.POST("/grids", s.createGrid)
		v1.GET("/grids", s.listGrids)
		v1.GET("/grids/:id", s.getGrid)
		v1.DELETE("/grids/:id", s.deleteGrid)
		v1.POST("/grids/:id/activate", s.setActive(true))
		v1.POST("/grids/:id/deactivate", s.setActive(false))
		v1.POST("/grids/:id/price", s.applyPrice)
		v1.POST("/grids/:id/trades", s.recordTrade)
		v1.GET("/grids/:id/trades", s.listTrades)
		v1.GET("/grids/:id/summary", s.summary)
		v1.GET("/grids/:id/analysis", s.analysis)
	}
}

// Handler 带 CORS 的 http.Handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

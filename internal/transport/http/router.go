package httptransport

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"abusedesk/backend/internal/config"
	"abusedesk/backend/internal/health"
	"abusedesk/backend/internal/middleware"
	"abusedesk/backend/internal/monitoring"
	"abusedesk/backend/internal/service"
	"abusedesk/backend/internal/websocket"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	tickets  *service.TicketService
	messages *service.MessageService
	search   *service.SearchService
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	TicketService  *service.TicketService
	MessageService *service.MessageService
	SearchService  *service.SearchService
	WebSocketHub   *websocket.Hub        // 为空时不注册 /v1/events
	Health         *health.HealthChecker // 为空时 /health 只返回进程状态
	Metrics        *monitoring.Metrics   // 为空时不记录 HTTP 指标
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	mm := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
	router.Use(mm.PanicRecovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(mm.HTTPMetrics())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
	router.Use(gincors.New(corsConfig(deps.Config)))

	handler := &Handler{
		tickets:  deps.TicketService,
		messages: deps.MessageService,
		search:   deps.SearchService,
	}

	// 运维端点
	router.GET("/health", func(c *gin.Context) {
		if deps.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		results := deps.Health.CheckHealth(c.Request.Context())
		if !deps.Health.Healthy(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "checks": results})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": results})
	})
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	v1 := router.Group("/v1")
	{
		// ========== Ticket Routes ==========
		ticketRoutes := v1.Group("/tickets")
		{
			ticketRoutes.POST("", handler.createTicket)
			ticketRoutes.GET("", handler.listTickets)
			ticketRoutes.GET("/search", handler.searchTickets)
			ticketRoutes.GET("/:id", handler.getTicket)
			ticketRoutes.PUT("/:id/status", handler.updateTicketStatus)
			ticketRoutes.GET("/:id/emails", handler.listTicketEmails)
			ticketRoutes.POST("/:id/emails", handler.addTicketEmail)
			ticketRoutes.POST("/:id/emails/:emailId", handler.linkTicketEmail)
			ticketRoutes.DELETE("/:id/emails/:emailId", handler.unlinkTicketEmail)
		}

		// ========== Message Routes ==========
		messageRoutes := v1.Group("/messages")
		{
			messageRoutes.GET("", handler.listMessages)
			messageRoutes.POST("/process", handler.processMessages)
			messageRoutes.POST("/fetch", handler.fetchMessages)
			messageRoutes.GET("/search", handler.searchMessages)
			messageRoutes.GET("/:id", handler.getMessage)
			messageRoutes.DELETE("/:id", handler.deleteMessage)
			messageRoutes.DELETE("/:id/force", handler.forceDeleteMessage)
			messageRoutes.PUT("/:id/analyzed", handler.markMessageAnalyzed)
			messageRoutes.GET("/:id/tickets", handler.listMessageTickets)
			messageRoutes.POST("/:id/tickets/:ticketId", handler.linkMessageTicket)
			messageRoutes.DELETE("/:id/tickets/:ticketId", handler.unlinkMessageTicket)
		}

		// ========== WebSocket Routes ==========
		if deps.WebSocketHub != nil {
			v1.GET("/events", websocket.HandleWebSocket(deps.WebSocketHub))
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, "接口不存在")
	})

	return router
}

// corsConfig 构建 CORS 配置
func corsConfig(cfg *config.Config) gincors.Config {
	origins := []string{"*"}
	if cfg != nil && len(cfg.CORS.AllowedOrigins) > 0 {
		origins = cfg.CORS.AllowedOrigins
	}

	conf := gincors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "X-Max-Body-Size"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range conf.AllowOrigins {
		if origin == "*" {
			conf.AllowCredentials = false
			break
		}
	}
	return conf
}

// ========== 查询参数解析 ==========

// queryInt 解析非负整数查询参数，缺省时返回 0
func queryInt(c *gin.Context, key string) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// queryBool 解析可选布尔查询参数
func queryBool(c *gin.Context, key string) (*bool, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, true
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, false
	}
	return &b, true
}

// pageParams 解析 page / pageSize
func pageParams(c *gin.Context) (page, pageSize int, ok bool) {
	page, ok = queryInt(c, "page")
	if !ok {
		return 0, 0, false
	}
	pageSize, ok = queryInt(c, "pageSize")
	return page, pageSize, ok
}

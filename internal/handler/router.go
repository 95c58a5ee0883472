package handler

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"easyagent-client/internal/agent"
	"easyagent-client/internal/config"
	"easyagent-client/internal/storage"
)

type Deps struct {
	Runner  agent.Runner
	Catalog *agent.Catalog
	Store   storage.Storage
}

// NewRouter 组装开发后端的全部路由
func NewRouter(cfg *config.Config, deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// 中间件
	router.Use(RequestLogger())
	router.Use(gin.Recovery())

	// CORS配置
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}))

	if cfg.RateLimit.Enabled {
		router.Use(RateLimit(cfg.RateLimit))
	}

	chatHandler := NewChatHandler(deps.Runner, deps.Store, cfg.Server)
	catalogHandler := NewCatalogHandler(deps.Catalog, deps.Runner)
	conversationHandler := NewConversationHandler(deps.Store)

	router.GET("/health", catalogHandler.Health)

	agents := router.Group("/agents")
	{
		agents.GET("", catalogHandler.ListAgents)
		agents.GET("/:name", catalogHandler.GetAgent)
		agents.POST("/reload", catalogHandler.ReloadAgents)
	}

	chat := router.Group("/chat")
	{
		chat.POST("/stream", chatHandler.StreamChat)
		chat.POST("/resume", chatHandler.ResumeChat)
	}

	conversations := router.Group("/conversations")
	{
		conversations.GET("", conversationHandler.List)
		conversations.GET("/search", conversationHandler.Search)
		conversations.GET("/:session_id", conversationHandler.Get)
		conversations.PUT("/:session_id", conversationHandler.UpdateTitle)
		conversations.DELETE("/:session_id", conversationHandler.Delete)
		conversations.GET("/:session_id/export", conversationHandler.Export)
	}

	return router
}

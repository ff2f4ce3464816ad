package handlers

import (
	"growchamber/internal/logger"
	"growchamber/internal/service"

	"github.com/gin-gonic/gin"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Handler wires HTTP layer to services and logging.
type Handler struct {
	services *service.Service
	log      *logger.Logger
}

// NewHandler constructs a new HTTP handler with dependencies.
func NewHandler(services *service.Service, log *logger.Logger) *Handler {
	return &Handler{services: services, log: log}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health endpoint
	router.GET("/health", h.health)

	// Auth endpoints
	h.registerAuthRoutes(router)

	// Versioned API endpoints (protected)
	h.registerAPIRoutes(router)

	// WebSocket fleet state stream — same port
	router.GET("/ws", h.wsConnect)

	return router
}

func (h *Handler) registerAuthRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	{
		auth.POST("/sign-up", h.signUp)
		auth.POST("/sign-in", h.signIn)
	}
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.userIdMiddleware)
	{
		h.registerChamberRoutes(api)
		h.registerSettingsRoutes(api)
		h.registerLogRoutes(api)
	}
}

func (h *Handler) registerChamberRoutes(api *gin.RouterGroup) {
	chambers := api.Group("/chambers")
	{
		chambers.POST("/scan", h.scan)
		chambers.GET("", h.listChambers)
		// Fleet-wide apply; per-chamber results in the response body.
		chambers.POST("/channels", h.applyChannelsAll)
		chambers.POST("/fan", h.applyFanAll)

		chambers.GET("/:chamber", h.getChamber)
		chambers.POST("/:chamber/channels", h.applyChannels)
		chambers.POST("/:chamber/fan", h.applyFan)
		chambers.POST("/:chamber/schedule", h.setSchedule)
		chambers.POST("/:chamber/refresh", h.refreshChamber)
	}
	fans := api.Group("/fans")
	{
		fans.POST("/on", h.fansOn)
		fans.POST("/off", h.fansOff)
	}
}

func (h *Handler) registerSettingsRoutes(api *gin.RouterGroup) {
	settings := api.Group("/settings")
	{
		settings.GET("/export", h.exportSettings)
		settings.POST("/import", h.importSettings)
	}
}

func (h *Handler) registerLogRoutes(api *gin.RouterGroup) {
	logs := api.Group("/logs")
	{
		logs.GET("", h.getLogs)
	}
}

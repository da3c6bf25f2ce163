package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nurpe/meter-readings/internal/config"
	"github.com/nurpe/meter-readings/internal/http/middleware"
	"github.com/nurpe/meter-readings/internal/metrics"
)

func NewRouter(handler *Handler, cfg *config.Config, authMiddleware gin.HandlerFunc, log zerolog.Logger) *gin.Engine {
	switch cfg.Environment {
	case "production":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(metrics.GinMiddleware())
	router.Use(cors.New(corsConfig(cfg.HTTP.CORSOrigins)))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	var uploadMiddleware []gin.HandlerFunc
	if cfg.Upload.MaxImageBytes > 0 {
		uploadMiddleware = append(uploadMiddleware, middleware.BodyLimit(uploadBodyLimit(cfg.Upload.MaxImageBytes)))
	}
	if cfg.Upload.RateLimitRPS > 0 {
		limiter := middleware.NewRateLimiter(cfg.Upload.RateLimitRPS, cfg.Upload.RateLimitBurst)
		uploadMiddleware = append(uploadMiddleware, limiter.Handler())
	}
	handler.Register(router, authMiddleware, uploadMiddleware...)

	notFound := []gin.HandlerFunc{handler.NotFound}
	if authMiddleware != nil {
		notFound = append([]gin.HandlerFunc{authMiddleware}, notFound...)
	}
	router.NoRoute(notFound...)

	return router
}

// uploadBodyLimit is the base64 size of the largest accepted image plus room
// for the other JSON fields.
func uploadBodyLimit(maxImageBytes int) int64 {
	return int64(maxImageBytes)/3*4 + 4 + 64<<10
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

package relay

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	apperrors "collaborative-workspace-sync/internal/errors"
	"collaborative-workspace-sync/internal/middleware"
)

type RouterOptions struct {
	Environment string
	// AllowedOrigins restricts browser origins outside development.
	AllowedOrigins []string
	Logger         zerolog.Logger
}

type HealthResponse struct {
	Status string `json:"status"`
}

// NewRouter exposes the hub over HTTP: /ws for clients, /healthz for
// health checks and /stats for operators.
func NewRouter(hub *Hub, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(opts.Logger))
	router.Use(middleware.ErrorHandler(opts.Logger))

	// cors setting
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}
	if opts.Environment == "development" || len(opts.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = opts.AllowedOrigins
	}
	router.Use(cors.New(corsConfig))

	router.GET("/ws", func(c *gin.Context) {
		if err := hub.ServeWS(c.Writer, c.Request); err != nil {
			// the upgrader already wrote the response
			opts.Logger.Debug().Err(err).Msg("Websocket upgrade failed")
		}
	})
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
	})
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.Stats())
	})
	router.NoRoute(func(c *gin.Context) {
		c.Error(apperrors.NotFound("Route not found", nil))
	})

	return router
}

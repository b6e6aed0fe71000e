package http

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/GovTechSG/TLP-CAPT/internal/config"
)

func NewRouter(cfg config.Config, log zerolog.Logger, svc service) *gin.Engine {
	if cfg.AppEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Next()
		log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).Msg("http")
	})

	h := NewHandlers(cfg, log, svc)

	r.GET("/healthz", h.Healthz)
	// Bamboo notifies via GET with query parameters; keep POST for manual use.
	r.GET("/webhook/code-change", h.CodeChange)
	r.POST("/webhook/code-change", h.CodeChange)
	r.POST("/admin/sweep", h.Sweep)

	return r
}

package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/GovTechSG/TLP-CAPT/internal/config"
	"github.com/GovTechSG/TLP-CAPT/internal/domain"
)

type service interface {
	OnCodeChange(ctx context.Context, projCode string, fresh domain.CommitSnapshot) (domain.Result, error)
	Sweep(ctx context.Context, now time.Time) ([]int64, error)
}

type Handlers struct {
	cfg config.Config
	log zerolog.Logger
	svc service
}

func NewHandlers(cfg config.Config, log zerolog.Logger, svc service) *Handlers {
	return &Handlers{cfg: cfg, log: log, svc: svc}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// CodeChange is the webhook Bamboo calls on a push to a monitored branch.
func (h *Handlers) CodeChange(c *gin.Context) {
	projCode := c.Query("proj_code")
	if projCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "proj_code missing"})
		return
	}
	res, err := h.svc.OnCodeChange(c.Request.Context(), projCode, nil)
	if err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.log.Error().Err(err).Str("proj_code", projCode).Msg("code change failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": res.Action, "epic": res.EpicKey})
}

// Sweep triggers the stale-epic advancement on demand; the cron runs the same
// operation daily.
func (h *Handlers) Sweep(c *gin.Context) {
	advanced, err := h.svc.Sweep(c.Request.Context(), time.Now())
	if err != nil {
		h.log.Error().Err(err).Msg("sweep failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "advanced": advanced})
		return
	}
	c.JSON(http.StatusOK, gin.H{"advanced": advanced})
}

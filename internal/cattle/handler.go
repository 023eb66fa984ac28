package cattle

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/joshu-sajeev/fleetq/common"
	"github.com/joshu-sajeev/fleetq/internal/models"
	"github.com/joshu-sajeev/fleetq/middleware"
)

type Exchanger interface {
	Exchange(ctx context.Context, token string) (map[string]string, error)
}

type EnvResponse struct {
	ProtocolVersion int               `json:"protocolVersion"`
	Env             map[string]string `json:"env"`
}

type Handler struct {
	tokens Exchanger
	logger *slog.Logger
}

func NewHandler(tokens Exchanger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{tokens: tokens, logger: logger}
}

// Env exchanges the bearer token for the instance environment.
// Must run behind middleware.RequireBearer.
func (h *Handler) Env(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	env, err := h.tokens.Exchange(c.Request.Context(), middleware.BearerFromContext(c))
	if err != nil {
		c.Error(h.mapError(err))
		return
	}

	c.JSON(http.StatusOK, EnvResponse{ProtocolVersion: common.ProtocolVersion, Env: env})
}

func (h *Handler) mapError(err error) error {
	switch {
	case errors.Is(err, models.ErrTokenInvalid):
		return common.Errf(http.StatusUnauthorized, "bootstrap token invalid")
	case errors.Is(err, ErrInvalidEnvName):
		return common.Errf(http.StatusBadRequest, "%s", err.Error())
	case errors.Is(err, ErrMissingSecret):
		h.logger.Error("bootstrap exchange failed", slog.Any("error", err))
		return common.Errf(http.StatusInternalServerError, "control plane is missing a configured secret")
	default:
		h.logger.Error("bootstrap exchange failed", slog.Any("error", err))
		return common.Errf(http.StatusInternalServerError, "internal server error")
	}
}

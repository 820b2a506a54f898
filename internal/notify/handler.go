package notify

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"deckcheck/internal/shared/server/respond"
)

// Handler exposes the notification center over HTTP.
type Handler struct {
	Center *Center
}

// NewHandler constructs a Handler.
func NewHandler(center *Center) *Handler {
	return &Handler{Center: center}
}

// RegisterRoutes attaches notification routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/notifications", h.list)
	rg.POST("/notifications/:id/dismiss", h.dismiss)
}

func (h *Handler) list(c *gin.Context) {
	respond.OK(c, h.Center.List(c.Query("all") == "true"))
}

func (h *Handler) dismiss(c *gin.Context) {
	if err := h.Center.Dismiss(c.Param("id")); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "notification not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to dismiss notification", nil)
		}
		return
	}
	respond.NoContent(c)
}

package runs

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"deckcheck/internal/deck"
	"deckcheck/internal/report"
	"deckcheck/internal/shared/server/middleware"
	"deckcheck/internal/shared/server/respond"
)

// Handler wires HTTP handlers to the run log.
type Handler struct {
	Repo Repo
}

// NewHandler constructs a Handler.
func NewHandler(repo Repo) *Handler {
	return &Handler{Repo: repo}
}

// RegisterRoutes attaches run routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/runs", h.listRuns)
	rg.GET("/runs/:id", h.getRun)
	rg.GET("/runs/:id/report", h.getReport)
	rg.POST("/runs/:id/feedback", h.setFeedback)
}

type runResponse struct {
	Run
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func toResponse(run Run) runResponse {
	return runResponse{Run: run, ErrorMessage: deck.MessageForCode(run.ErrorCode)}
}

func (h *Handler) getRun(c *gin.Context) {
	run, ok := h.lookup(c)
	if !ok {
		return
	}
	respond.OK(c, toResponse(run))
}

func (h *Handler) getReport(c *gin.Context) {
	run, ok := h.lookup(c)
	if !ok {
		return
	}
	if run.Status != StatusSucceeded || run.Result == nil {
		respond.Error(c, http.StatusConflict, "not_ready", "report is not available for this run", gin.H{"status": run.Status})
		return
	}
	respond.OK(c, report.Build(*run.Result))
}

func (h *Handler) listRuns(c *gin.Context) {
	limit := 20
	offset := 0

	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if limit < 0 {
		limit = 0
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	if offset < 0 {
		offset = 0
	}

	list, err := h.Repo.List(c.Request.Context(), limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list runs", nil)
		return
	}

	resp := make([]gin.H, 0, len(list))
	for _, r := range list {
		item := gin.H{
			"id":         r.ID,
			"status":     r.Status,
			"sourceName": r.SourceName,
			"createdAt":  r.CreatedAt,
		}
		if r.Result != nil {
			item["title"] = r.Result.Meta.PresentationTitle
		}
		if r.ErrorCode != "" {
			item["errorCode"] = r.ErrorCode
		}
		if r.Feedback != "" {
			item["feedback"] = r.Feedback
		}
		resp = append(resp, item)
	}
	respond.OK(c, resp)
}

type feedbackRequest struct {
	Feedback string `json:"feedback" binding:"required"`
}

func (h *Handler) setFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil || !ValidFeedback(req.Feedback) {
		respond.Error(c, http.StatusBadRequest, "validation_error", ErrInvalidFeedback.Error(), []map[string]string{
			{"field": "feedback", "issue": "must be like or dislike"},
		})
		return
	}
	runID := c.Param("id")
	c.Set(middleware.RunIDKey, runID)
	if err := h.Repo.SetFeedback(c.Request.Context(), runID, req.Feedback); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "run not found", nil)
		case errors.Is(err, ErrInvalidFeedback):
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to record feedback", nil)
		}
		return
	}
	respond.NoContent(c)
}

func (h *Handler) lookup(c *gin.Context) (Run, bool) {
	runID := c.Param("id")
	if runID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "run id is required", nil)
		return Run{}, false
	}
	c.Set(middleware.RunIDKey, runID)
	run, err := h.Repo.GetByID(c.Request.Context(), runID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "run not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch run", nil)
		}
		return Run{}, false
	}
	return run, true
}

package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"deckcheck/internal/deck"
	"deckcheck/internal/shared/server/middleware"
	"deckcheck/internal/shared/server/respond"
	"deckcheck/internal/shared/storage/object"
	"deckcheck/internal/shared/util"
	"deckcheck/internal/shared/telemetry"
)

// DefaultMaxUploadBytes caps the multipart body of POST /runs.
const DefaultMaxUploadBytes = 10 << 20

const multipartMemory = 4 << 20

// Handler exposes run submission and pipeline state over HTTP.
type Handler struct {
	Orch           *Orchestrator
	Store          object.ObjectStore
	MaxUploadBytes int64
}

// NewHandler constructs a Handler.
func NewHandler(orch *Orchestrator, store object.ObjectStore, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{Orch: orch, Store: store, MaxUploadBytes: maxUploadBytes}
}

// RegisterRoutes attaches pipeline routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/runs", h.submit)
	rg.GET("/state", h.state)
	rg.GET("/state/stream", h.stream)
}

func (h *Handler) submit(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes)
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond.Error(c, http.StatusRequestEntityTooLarge, "too_large", "presentation file is too large", gin.H{"maxBytes": h.MaxUploadBytes})
			return
		}
		respond.Error(c, http.StatusBadRequest, "validation_error", "malformed form body", nil)
		return
	}

	length, err := strconv.Atoi(strings.TrimSpace(c.PostForm("length")))
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "length must be a whole number of minutes", []map[string]string{
			{"field": "length", "issue": "invalid"},
		})
		return
	}
	req := deck.Request{
		Audience:      strings.TrimSpace(c.PostForm("audience")),
		LengthMinutes: length,
		TalkType:      strings.TrimSpace(c.PostForm("type")),
		Event:         strings.TrimSpace(c.PostForm("event")),
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		// Nothing uploaded: the orchestrator treats this as a no-op.
		_, submitErr := h.Orch.Submit(c.Request.Context(), req)
		if errors.Is(submitErr, ErrNoSource) {
			respond.Error(c, http.StatusBadRequest, "no_source", "a presentation file is required", []map[string]string{
				{"field": "file", "issue": "required"},
			})
			return
		}
		respond.Error(c, http.StatusBadRequest, "validation_error", "unable to read file", nil)
		return
	}

	req.Source = &deck.Source{Name: fileHeader.Filename}
	if err := req.Validate(); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", deck.UserMessage(err), []map[string]string{
			{"field": "request", "issue": strings.TrimPrefix(err.Error(), deck.ErrInvalidRequest.Error()+": ")},
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "unable to read file", nil)
		return
	}
	defer file.Close()

	key, size, err := h.Store.Save(c.Request.Context(), c.ClientIP(), fileHeader.Filename, file)
	if errors.Is(err, util.ErrInvalidFileName) {
		respond.Error(c, http.StatusBadRequest, "validation_error", "file name is not allowed", []map[string]string{
			{"field": "file", "issue": "invalid_name"},
		})
		return
	}
	if err != nil {
		telemetry.Error("upload.failed", map[string]any{
			"file_name":  fileHeader.Filename,
			"request_id": c.GetString("requestId"),
			"error":      err,
		})
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to store upload", nil)
		return
	}
	telemetry.Info("upload.saved", map[string]any{
		"file_name":  fileHeader.Filename,
		"size_bytes": size,
		"request_id": c.GetString("requestId"),
	})

	store := h.Store
	req.Source.Key = key
	req.Source.Open = func(ctx context.Context) (io.ReadCloser, error) {
		return store.Open(ctx, key)
	}

	runID, from, err := h.Orch.submit(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, deck.ErrInvalidRequest):
			respond.Error(c, http.StatusBadRequest, "validation_error", deck.UserMessage(err), nil)
		case errors.Is(err, ErrClosed):
			respond.Error(c, http.StatusServiceUnavailable, "unavailable", "server is shutting down", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to start run", nil)
		}
		return
	}

	c.Set(middleware.RunIDKey, runID)
	c.Set(middleware.StatusTransitionKey, string(from)+"->rendering")
	respond.Accepted(c, "/api/v1/runs/"+runID, gin.H{
		"runId":  runID,
		"status": PhaseRendering,
	})
}

func (h *Handler) state(c *gin.Context) {
	respond.OK(c, h.Orch.State())
}

func (h *Handler) stream(c *gin.Context) {
	updates, cancel := h.Orch.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case st, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("state", st)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

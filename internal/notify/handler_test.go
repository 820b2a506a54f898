package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNotificationRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	center := NewCenter(nil)
	router := gin.New()
	NewHandler(center).RegisterRoutes(router.Group("/api/v1"))

	n := center.Notify(context.Background(), Notification{RunID: "run-1", Code: "RENDER_FAILURE", Message: "We could not render your presentation."})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var listed []Notification
	if err := json.Unmarshal(resp.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != n.ID {
		t.Fatalf("unexpected notifications %+v", listed)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/notifications/"+n.ID+"/dismiss", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	listed = nil
	_ = json.Unmarshal(resp.Body.Bytes(), &listed)
	if len(listed) != 0 {
		t.Fatalf("dismissed notification still listed: %+v", listed)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/notifications/unknown/dismiss", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

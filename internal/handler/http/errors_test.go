package http

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"lingo-social/internal/service"
)

func TestHandleServiceError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantReason string
	}{
		{"unauthenticated", service.ErrAuthenticationFailed, http.StatusUnauthorized, "unauthenticated"},
		{"forbidden", service.ErrNotParticipant, http.StatusForbidden, "forbidden"},
		{"not found", service.ErrUserNotFound, http.StatusNotFound, "not_found"},
		{"stage full", service.ErrStageFull, http.StatusConflict, "stage_full"},
		{"conflict", service.ErrRegistrationFailed, http.StatusConflict, "conflict"},
		{"invalid", fmt.Errorf("%w: bad", service.ErrInvalid), http.StatusBadRequest, "invalid"},
		{"internal", fmt.Errorf("%w: db", service.ErrInternalServer), http.StatusInternalServerError, "internal"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			HandleServiceError(c, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), fmt.Sprintf(`"reason":"%s"`, tt.wantReason))
			if tt.wantStatus == http.StatusInternalServerError {
				assert.Contains(t, w.Body.String(), "An unexpected error occurred")
				assert.NotContains(t, w.Body.String(), "boom")
			}
		})
	}
}

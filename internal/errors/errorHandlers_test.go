package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, err error) (int, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/chat", nil)

	HandleError(c, err)

	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body["error"]
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantType ErrorType
	}{
		{"bad request", New400Error("feature is required"), http.StatusBadRequest, ErrorTypeBadRequest},
		{"unauthorized", New401Error(), http.StatusUnauthorized, ErrorTypeUnauthorized},
		{"forbidden", New403Error(), http.StatusForbidden, ErrorTypeForbidden},
		{"not found", New404Error("credential not found"), http.StatusNotFound, ErrorTypeNotFound},
		{"conflict", New409Error("already applied"), http.StatusConflict, ErrorTypeConflict},
		{"unprocessable", New422Error("blocked by safety filters"), http.StatusUnprocessableEntity, ErrorTypeUnprocessable},
		{"unavailable", New503Error("no credentials"), http.StatusServiceUnavailable, ErrorTypeServiceUnavailable},
		{"wrapped custom", fmt.Errorf("handler: %w", New404Error("missing")), http.StatusNotFound, ErrorTypeNotFound},
		{"plain error", fmt.Errorf("db down"), http.StatusInternalServerError, ErrorTypeInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := render(t, tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, string(tt.wantType), body["type"])
		})
	}
}

func TestHandleErrorHidesInternalDetail(t *testing.T) {
	_, body := render(t, fmt.Errorf("pq: password authentication failed"))
	assert.Equal(t, "An unexpected error occurred", body["message"])
}

func TestNew402ErrorCarriesBalance(t *testing.T) {
	code, body := render(t, New402Error(200, 150))

	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "Insufficient credits", body["message"])
	assert.Equal(t, float64(200), body["required"])
	assert.Equal(t, float64(150), body["currentCredits"])
}

package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/maintsync/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationMiddleware(), AuthMiddleware())
	r.GET("/whoami", func(c *gin.Context) {
		claim := CtxValue(c.Request.Context())
		deviceId, _ := utils.GetDeviceIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"username": claim.Username, "device": deviceId})
	})
	return r
}

func TestAuthMiddlewareRejectsMissingAndBadTokens(t *testing.T) {
	r := newRouter()
	for _, header := range []string{"", "Bearer", "Bearer not-a-jwt", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
	}
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	t.Setenv("API_SECRET", "middleware-secret")
	token, err := utils.JwtGenerate(3, "carol", "tablet-7")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-correlation-id", "cid-1")
	w := httptest.NewRecorder()
	newRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"username":"carol","device":"tablet-7"}`, w.Body.String())
	assert.Equal(t, "cid-1", w.Header().Get("x-correlation-id"))
}

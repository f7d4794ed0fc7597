package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"backend/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protectedRouter(allowedRoles ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", RequireRole(allowedRoles...), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": UserIDFromContext(c)})
	})
	return router
}

func mintToken(t *testing.T, role string, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "1f2c9a40-9d7e-4d52-8a40-2e8a11a3f001",
		"role": role,
		"exp":  time.Now().Add(expiresIn).Unix(),
	})
	signed, err := token.SignedString(GetJWTSecret())
	require.NoError(t, err)
	return signed
}

func get(router *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequireRoleMissingToken(t *testing.T) {
	router := protectedRouter(model.RoleAdmin)
	w := get(router, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRoleMalformedHeader(t *testing.T) {
	router := protectedRouter(model.RoleAdmin)
	w := get(router, "Token abc")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRoleInvalidSignature(t *testing.T) {
	router := protectedRouter(model.RoleAdmin)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "x",
		"role": model.RoleAdmin,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("wrong_secret"))
	require.NoError(t, err)

	w := get(router, "Bearer "+signed)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRoleExpiredToken(t *testing.T) {
	router := protectedRouter(model.RoleAdmin)
	w := get(router, "Bearer "+mintToken(t, model.RoleAdmin, -time.Minute))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRoleForbidden(t *testing.T) {
	router := protectedRouter(model.RoleAdmin, model.RoleManager)
	w := get(router, "Bearer "+mintToken(t, model.RoleStaff, time.Hour))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireRoleAllowed(t *testing.T) {
	router := protectedRouter(model.RoleAdmin, model.RoleManager)
	w := get(router, "Bearer "+mintToken(t, model.RoleManager, time.Hour))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "1f2c9a40-9d7e-4d52-8a40-2e8a11a3f001")
}

func TestRequireRoleAcceptsCookie(t *testing.T) {
	router := protectedRouter(model.RoleStaff)
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: mintToken(t, model.RoleStaff, time.Hour)})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

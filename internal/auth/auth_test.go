package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func runWriteCapability(header string, hasHeader bool) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPost, "/restart", nil)
	if hasHeader {
		req.Header.Set(headerVerifiedUserData, header)
	}
	c.Request = req

	if RequireWriteCapability(c) {
		c.String(http.StatusOK, "ok")
	}
	return w
}

func TestRequireWriteCapability_Missing(t *testing.T) {
	w := runWriteCapability("", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Missing x-verified-user-data header")
}

func TestRequireWriteCapability_InvalidJSON(t *testing.T) {
	w := runWriteCapability("not json", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid JSON")
}

func TestRequireWriteCapability_InvalidUTF8(t *testing.T) {
	w := runWriteCapability("\xff\xfe{}", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid x-verified-user-data header")
}

func TestRequireWriteCapability_ReadOnly(t *testing.T) {
	w := runWriteCapability(`{"read_only":true}`, true)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Read-only access")
}

func TestRequireWriteCapability_Admitted(t *testing.T) {
	w := runWriteCapability(`{"read_only":false}`, true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireWriteCapability_EmptyObjectAdmitted(t *testing.T) {
	w := runWriteCapability(`{}`, true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestVerifiedPath_Default(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/status", nil)

	assert.Equal(t, "/", VerifiedPath(c))
}

func TestVerifiedPath_FromHeader(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set(headerVerifiedPath, "/my-app/")
	c.Request = req

	assert.Equal(t, "/my-app/", VerifiedPath(c))
}

func TestVerifiedPath_InvalidUTF8Defaults(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set(headerVerifiedPath, "\xff\xfe")
	c.Request = req

	assert.Equal(t, "/", VerifiedPath(c))
}

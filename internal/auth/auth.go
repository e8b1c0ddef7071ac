// Package auth derives request-scoped authorization facts from headers
// injected by an upstream gateway. Neither helper here performs any
// authentication itself — both trust that the headers were set by a
// trusted proxy in front of this service.
package auth

import (
	"encoding/json"
	"net/http"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

const (
	headerVerifiedUserData = "x-verified-user-data"
	headerVerifiedPath     = "x-verified-path"
)

// userData is the recognized shape of x-verified-user-data. Unknown
// fields are ignored.
type userData struct {
	ReadOnly bool `json:"read_only"`
}

// RequireWriteCapability gates a mutating endpoint on the caller having
// asserted write access via x-verified-user-data. On rejection it writes
// the response itself and returns false; callers must return immediately
// when it does.
func RequireWriteCapability(c *gin.Context) bool {
	raw := c.GetHeader(headerVerifiedUserData)
	if raw == "" {
		c.String(http.StatusUnauthorized, "Missing x-verified-user-data header")
		return false
	}
	if !utf8.ValidString(raw) {
		c.String(http.StatusBadRequest, "Invalid x-verified-user-data header")
		return false
	}

	var data userData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		c.String(http.StatusBadRequest, "Invalid JSON in x-verified-user-data header")
		return false
	}

	if data.ReadOnly {
		c.String(http.StatusForbidden, "Read-only access: Cannot modify artifacts")
		return false
	}

	return true
}

// VerifiedPath returns the external base path the upstream gateway
// asserts for this request, defaulting to "/" when the header is absent.
// It never rejects the request.
func VerifiedPath(c *gin.Context) string {
	return verifiedPathOrDefault(c.GetHeader(headerVerifiedPath))
}

// VerifiedPathFromRequest is VerifiedPath for call sites that only have a
// raw *http.Request (the reverse proxy's error/director hooks, which run
// outside gin's request context).
func VerifiedPathFromRequest(r *http.Request) string {
	return verifiedPathOrDefault(r.Header.Get(headerVerifiedPath))
}

func verifiedPathOrDefault(v string) string {
	if v != "" && utf8.ValidString(v) {
		return v
	}
	return "/"
}

package gateway

import (
	"net/http"
	"strings"
)

const bearerPrefix = "bearer "

// BearerToken returns the streaming token from the Authorization header
// or, for transports that cannot set custom headers, the token query
// parameter. Returns "" when neither is present or the header is
// malformed.
func BearerToken(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) >= len(bearerPrefix) && strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		if token := strings.TrimSpace(v[len(bearerPrefix):]); token != "" {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

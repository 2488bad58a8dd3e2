package middleware

import (
	"net/http"

	"github.com/openclaw/wabot-server-go/internal/httputil"
)

// writeError is the rejection body every middleware in this package emits.
func writeError(w http.ResponseWriter, status int, message string) {
	httputil.WriteJSON(w, status, map[string]string{"error": message})
}

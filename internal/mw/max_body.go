package mw

import (
	"net/http"
)

// MaxBodyBytes caps forward payloads before they are decoded.
func MaxBodyBytes(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"error":     "request_too_large",
				"max_bytes": limit,
			})
			return
		}

		// Chunked bodies are cut off while the handler decodes them.
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

package mw

import (
	"net/http"

	"go.uber.org/zap"
)

func Recover(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic in handler",
					zap.String("rid", RID(r.Context())),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				WriteJSON(w, http.StatusInternalServerError, map[string]any{
					"error": "internal_error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

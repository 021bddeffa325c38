package mw

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/3xpluto/tickgate/internal/httpx"
)

func AccessLog(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &httpx.StatusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		log.Info("http_request",
			zap.String("rid", RID(r.Context())),
			zap.String("route", RouteName(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", sw.Code()),
			zap.Int("bytes", sw.Bytes),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

package mw

import (
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/3xpluto/tickgate/internal/netx"
	"github.com/3xpluto/tickgate/internal/ratelimit"
)

type IPResolver struct {
	Trusted *netx.CIDRSet
}

// ClientIP honours X-Forwarded-For and X-Real-Ip only when the direct peer is
// a trusted proxy.
func (r IPResolver) ClientIP(req *http.Request) string {
	remote, ok := parseRemoteAddr(req.RemoteAddr)
	if !ok {
		return req.RemoteAddr
	}
	if r.Trusted.Contains(remote) {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if a, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return a.Unmap().String()
			}
		}
		if a, err := netip.ParseAddr(strings.TrimSpace(req.Header.Get("X-Real-Ip"))); err == nil {
			return a.Unmap().String()
		}
	}
	return remote.String()
}

func parseRemoteAddr(remoteAddr string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap(), true
	}
	a, err := netip.ParseAddr(remoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

// IngressLimit sheds floods from a single client on wall-clock time. It is
// unrelated to tick admission: a shed request never consumes gate budget.
func IngressLimit(limiter *ratelimit.IngressLimiter, ipr IPResolver, m *Metrics, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retry := limiter.Allow(ipr.ClientIP(r))
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		secs := int((retry + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		m.shed(r.Context(), "ingress")
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		WriteJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "ingress_limited",
			"retry_after_seconds": secs,
		})
	})
}

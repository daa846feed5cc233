package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/pqlmem/internal/auth"
)

// APIKeyHeader is the request header carrying the API key
const APIKeyHeader = "X-API-Key"

// Logger logs every request under its route pattern. Server errors are
// logged at error level, client errors at info, the rest at debug.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			status := ww.Status()
			ev := log.Debug()
			switch {
			case status >= 500:
				ev = log.Error()
			case status >= 400:
				ev = log.Info()
			}

			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}
			ev.Str("method", r.Method).
				Str("route", path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("Request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// APIKey rejects requests that do not carry a valid X-API-Key header.
// When the service has no key configured every request is let through.
func APIKey(svc *auth.APIKeyService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if svc == nil {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := svc.ValidateAPIKey(r.Header.Get(APIKeyHeader))
			if err != nil {
				log.Error().Err(err).Msg("Failed to validate API key")
				jsonError(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if !ok {
				log.Warn().
					Str("remote_addr", r.RemoteAddr).
					Str("path", r.URL.Path).
					Msg("Request rejected: invalid API key")
				jsonError(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AllowSubnet only admits connections whose direct source address lies in
// one of nets. An empty list admits everyone.
func AllowSubnet(nets []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(nets) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			ip := net.ParseIP(host)
			if ip == nil {
				log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Could not parse remote address")
				jsonError(w, "Forbidden", http.StatusForbidden)
				return
			}

			for _, n := range nets {
				if n.Contains(ip) {
					next.ServeHTTP(w, r)
					return
				}
			}

			log.Warn().
				Str("remote_addr", r.RemoteAddr).
				Int("allowed_subnets", len(nets)).
				Msg("Connection rejected: source IP not in an allowed subnet")
			jsonError(w, "Forbidden", http.StatusForbidden)
		})
	}
}

// ParseSubnets parses a comma separated list of CIDRs
func ParseSubnets(list string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for part := range strings.SplitSeq(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		_, n, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("invalid subnet %q: %w", part, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}

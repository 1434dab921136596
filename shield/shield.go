// Package shield provides the HTTP middleware stack of the fanart API:
// security headers, request body limits, HEAD handling and request ids.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack(logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultAPIStack returns the middleware stack for a JSON API.
// Order: HeadToGet → SecurityHeaders → MaxBody → RequestID.
func DefaultAPIStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(MaxPreviewBody),
		RequestID(logger),
	}
}

// MaxPreviewBody bounds request bodies. Selective saves carry base64 data:
// URIs, so the limit is sized for a handful of images rather than forms.
const MaxPreviewBody = 32 << 20

// HeadToGet serves HEAD on GET routes so clients can check preview byte
// streams (Content-Length, ETag) without downloading them. net/http discards
// the body of HEAD responses.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r = r.Clone(r.Context())
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBody caps every request body at limit bytes. Reads past it fail, which
// the JSON decoders report as malformed input.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

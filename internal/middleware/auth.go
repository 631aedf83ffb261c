package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
)

// InternalTokenHeader carries the shared secret of internal callers.
const InternalTokenHeader = "X-Internal-Token"

// InternalAuthMiddleware restricts the credit API to trusted services.
type InternalAuthMiddleware struct {
	token   []byte
	enabled bool
	logger  *slog.Logger
}

// NewInternalAuthMiddleware creates a new internal auth middleware.
// An empty token disables the check.
func NewInternalAuthMiddleware(token string, logger *slog.Logger) *InternalAuthMiddleware {
	return &InternalAuthMiddleware{
		token:   []byte(token),
		enabled: token != "",
		logger:  logger,
	}
}

// Handler returns middleware that rejects requests without the shared token.
func (m *InternalAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}

		got := r.Header.Get(InternalTokenHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), m.token) != 1 {
			m.logger.Warn("rejected internal request",
				"path", r.URL.Path,
				"method", r.Method,
				"ip", getClientIP(r),
				"token_present", got != "",
			)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "A valid internal token is required.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSONError writes the error body shared with the handler package.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// =============================================================================
// Middleware Stack Helpers
// =============================================================================

// Stack composes multiple middleware functions into a single middleware.
//
// Middleware is applied in the order provided, meaning the first middleware
// in the slice is the outermost (runs first on request, last on response).
//
// Example:
//
//	stack := Stack(authMw.Handler, limiter.Limit)
//	mux.Handle("POST /api/users/{userID}/credits/charge", stack(chargeHandler))
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

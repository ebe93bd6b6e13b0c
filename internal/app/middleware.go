package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

// MiddlewareStack installs the default middleware chain.
func MiddlewareStack(cfg *Config) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'",
		SSLRedirect:           cfg.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	limit := 300
	if cfg != nil && cfg.RateLimitPerMinute > 0 {
		limit = cfg.RateLimitPerMinute
	}

	requestTimeout := 30 * time.Second
	if cfg != nil && cfg.AppRequestTimeout > 0 {
		requestTimeout = cfg.AppRequestTimeout
	}

	return []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
		httprate.LimitByIP(limit, time.Minute),
		secureMiddleware.Handler,
	}
}

// ResolveActor reads the authenticated actor from trusted gateway headers and
// stores it in the request context. Requests without an actor pass through;
// mutating operations reject them downstream.
func ResolveActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawID := r.Header.Get("X-Actor-ID")
		if rawID == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil || id <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		role := shared.RoleStandard
		if r.Header.Get("X-Actor-Role") == string(shared.RoleSupervisor) {
			role = shared.RoleSupervisor
		}
		ctx := shared.ContextWithActor(r.Context(), shared.Actor{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

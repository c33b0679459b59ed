package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/vasiliy-maslov/retail-order-service/internal/config"
	"github.com/vasiliy-maslov/retail-order-service/internal/handler"
	"github.com/vasiliy-maslov/retail-order-service/internal/order"
)

func NewRouter(logger zerolog.Logger, svc order.Service, auth config.AuthConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	h := handler.NewOrderHandler(svc)
	r.Group(func(r chi.Router) {
		if auth.Enabled {
			r.Use(handler.RequireRole(auth.AllowedRoles...))
		}
		h.RegisterRoutes(r)
	})

	return r
}

// requestLogger attaches a per-request logger carrying the request id to the
// context and writes one access line per request.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := base.With().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()
			ctx := l.WithContext(r.Context())

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			zerolog.Ctx(ctx).Info().
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request handled")
		})
	}
}

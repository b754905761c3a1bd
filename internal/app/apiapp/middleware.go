package apiapp

import (
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vinasLT/carfax-service/internal/services/identity"
	httperrors "github.com/vinasLT/carfax-service/internal/transport/http/errors"
)

// defaultSource is assumed when the gateway forwards no X-Source header.
const defaultSource = "web"

func ApplyMiddlewares(r chiRouter, log *zap.Logger) {
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(requestLogger(log))
}

// IdentityMiddleware trusts the gateway-injected identity headers. Requests
// without X-User-External-Id never reach the handlers.
func IdentityMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userExternalID := strings.TrimSpace(r.Header.Get("X-User-External-Id"))
			if userExternalID == "" {
				if log != nil {
					log.Debug("request without identity headers rejected",
						zap.String("path", r.URL.Path),
					)
				}
				httperrors.Write(w, http.StatusUnauthorized, httperrors.APIError{
					Code:    "UNAUTHORIZED",
					Message: "missing user identity",
				})
				return
			}

			source := strings.TrimSpace(r.Header.Get("X-Source"))
			if source == "" {
				source = defaultSource
			}

			ctx := identity.WithIdentity(r.Context(), identity.Identity{
				UserExternalID: userExternalID,
				Source:         source,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			if log != nil {
				log.Info("http_request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Duration("duration", time.Since(start)),
				)
			}
		})
	}
}

type chiRouter interface {
	Use(middlewares ...func(http.Handler) http.Handler)
}

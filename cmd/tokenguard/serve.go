package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MrEthical07/tokenguard"
	"github.com/MrEthical07/tokenguard/internal/config"
	promexport "github.com/MrEthical07/tokenguard/metrics/export/prometheus"
	"github.com/MrEthical07/tokenguard/middleware"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{engine: true})
			if err != nil {
				return err
			}
			defer a.close()

			if a.pool == nil {
				a.log.Warn("postgres.dsn not set, keys and refresh records live in memory")
			}

			router, err := newRouter(a.engine, a.cfg, a.log)
			if err != nil {
				return err
			}
			a.engine.StartKeySweeper(ctx)

			srv := &http.Server{
				Addr:              a.cfg.Server.Addr,
				Handler:           router,
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.log.Info("http listening", zap.String("addr", srv.Addr))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				a.log.Info("shutdown signal received")
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			}

			shCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shCtx); err != nil {
				a.log.Error("http shutdown", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

// newRouter mounts the public endpoints. Everything under /auth is rate
// limited per client IP; state-changing calls behind a bearer token also
// require a CSRF token bound to the token's jti.
func newRouter(engine *tokenguard.Engine, cfg *config.Config, log *zap.Logger) (http.Handler, error) {
	cookie := middleware.DefaultCookieConfig()
	cookie.Domain = cfg.Server.CookieDomain
	cookie.Insecure = cfg.Server.CookieInsecure

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.ClientIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(log))

	r.Method(http.MethodGet, "/.well-known/jwks.json", middleware.JWKSHandler(engine))

	if cfg.Metrics.Enabled {
		h, err := promexport.NewExporter(engine).Handler()
		if err != nil {
			return nil, err
		}
		r.Method(http.MethodGet, cfg.Metrics.Path, h)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.RateLimit(engine, middleware.RateLimitOptions{}))

		r.Method(http.MethodPost, "/refresh", middleware.RefreshHandler(engine, cookie))
		r.Method(http.MethodPost, "/logout", middleware.LogoutHandler(engine, cookie))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireBearer(engine))
			r.Method(http.MethodGet, "/csrf", middleware.CSRFTokenHandler(engine, tokenSession))
			r.With(middleware.CSRF(engine, tokenSession)).
				Post("/revoke-all", revokeAllHandler(engine, cookie))
		})
	})
	return r, nil
}

// tokenSession binds CSRF tokens to the bearer token they were issued for.
func tokenSession(r *http.Request) string {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return ""
	}
	return claims.ID
}

// revokeAllHandler signs the caller out everywhere.
func revokeAllHandler(engine *tokenguard.Engine, cookie middleware.CookieConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.ClaimsFromContext(r.Context())
		if err := engine.RevokeAllForUser(r.Context(), claims.Subject, "user_request"); err != nil {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		middleware.ClearRefreshCookie(w, cookie)
		w.WriteHeader(http.StatusNoContent)
	}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}

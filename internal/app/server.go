// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"billing-service/internal/config"
	billingHandler "billing-service/internal/handlers/billing"
	"billing-service/internal/middleware"
	"billing-service/internal/pkg/jwt"
	"billing-service/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	cfg    config.AppConfig
	logger *zap.Logger
	deps   *Deps
	http   *http.Server
}

func NewServer(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (*Server, error) {
	verifier, err := jwt.LoadVerifier(cfg.JWT)
	if err != nil {
		return nil, fmt.Errorf("failed to load JWT verifier: %w", err)
	}

	deps, err := Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var checkout []gin.HandlerFunc
	if deps.Redis != nil && cfg.CheckoutRateLimit > 0 {
		checkout = append(checkout, middleware.RateLimit(ratelimit.NewLimiter(deps.Redis),
			"checkout", int64(cfg.CheckoutRateLimit), cfg.CheckoutRateWindow, logger))
	}

	engine := gin.New()
	SetupRouter(engine, logger, &Handlers{
		BillingHandler: billingHandler.NewBillingHandler(deps.Subscriptions, deps.Quotas, deps.Catalog, deps.Gateway, logger),
		AdminHandler:   billingHandler.NewAdminHandler(deps.Subscriptions, deps.Scheduler, logger),
		AuthMiddleware: middleware.NewAuthMiddleware(verifier),
		Checkout:       checkout,
		Metrics:        deps.Metrics.Handler(),
	})

	return &Server{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
		http:   &http.Server{Addr: cfg.HTTPAddr, Handler: engine},
	}, nil
}

// Run serves HTTP and, when enabled, the in-process scheduler until ctx is
// canceled, then drains both.
func (s *Server) Run(ctx context.Context) error {
	defer s.deps.Close()

	if s.cfg.Scheduler.Enabled {
		if err := s.deps.Scheduler.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server running", zap.String("addr", s.cfg.HTTPAddr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		s.logger.Info("shutting down server")
		if s.cfg.Scheduler.Enabled {
			s.deps.Scheduler.Stop(shutdownCtx)
		}
		return s.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

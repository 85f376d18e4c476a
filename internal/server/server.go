package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/roamcart/roamcart/internal/appstore/receipt"
	appstoresvc "github.com/roamcart/roamcart/internal/appstore/service"
	"github.com/roamcart/roamcart/internal/config"
	esimsvc "github.com/roamcart/roamcart/internal/esim/service"
	obslogger "github.com/roamcart/roamcart/internal/observability/logger"
	"github.com/roamcart/roamcart/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

// requestIDMiddleware honors an inbound X-Request-ID, minting one
// otherwise, so webhook deliveries can be traced across retries.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	esimSvc        *esimsvc.Service
	appStoreSvc    *appstoresvc.Service
	receiptSvc     *receipt.Validator
	webhookLimiter *ratelimit.WebhookLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	EsimSvc        *esimsvc.Service
	AppStoreSvc    *appstoresvc.Service
	ReceiptSvc     *receipt.Validator        `optional:"true"`
	WebhookLimiter *ratelimit.WebhookLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:         p.Gin,
		esimSvc:        p.EsimSvc,
		appStoreSvc:    p.AppStoreSvc,
		receiptSvc:     p.ReceiptSvc,
		webhookLimiter: p.WebhookLimiter,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func registerRoutes(s *Server) {
	s.RegisterWebhookRoutes()
	s.RegisterPurchaseRoutes()
}

func (s *Server) RegisterWebhookRoutes() {
	webhooks := s.engine.Group("/webhooks")
	webhooks.Use(s.webhookLimiter.Middleware())
	webhooks.POST("/esim", s.HandleEsimWebhook)
	webhooks.POST("/appstore", s.HandleAppStoreWebhook)
}

func (s *Server) RegisterPurchaseRoutes() {
	s.engine.POST("/purchases/appstore/receipt", s.HandleReceiptValidation)
}

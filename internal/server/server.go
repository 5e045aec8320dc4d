// Package server is the HTTP surface: gateway webhooks, health and the
// admin API.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/ledger"
	"vpnbilling/internal/metrics"
	"vpnbilling/internal/models"
	"vpnbilling/internal/money"
	"vpnbilling/internal/payment"
	"vpnbilling/internal/reconcile"
	"vpnbilling/internal/subscription"
)

// Submitter runs a raw delivery through the reconciliation pipeline.
type Submitter interface {
	Submit(ctx context.Context, gateway string, req *payment.WebhookRequest) (*reconcile.Result, error)
}

type Subscriptions interface {
	Disable(ctx context.Context, userID uint, actor, reason string) (*models.Subscription, error)
	Enable(ctx context.Context, userID uint, actor string) (*models.Subscription, error)
	Purchase(ctx context.Context, userID uint, req subscription.PurchaseRequest) (*subscription.Result, error)
}

type Ledger interface {
	Balance(ctx context.Context, userID uint) (money.Amount, error)
	History(ctx context.Context, userID uint, limit int) ([]models.Transaction, error)
	Adjust(ctx context.Context, userID uint, amount money.Amount, actor, reason string) (*models.Transaction, error)
	ReleaseHold(ctx context.Context, userID uint, res ledger.Resolution, actor string) error
}

type Reviews interface {
	List(ctx context.Context, kind string, includeResolved bool, limit int) ([]models.ReconciliationIssue, error)
	Resolve(ctx context.Context, id, actor, note string) error
}

type Resyncer interface {
	Resync(ctx context.Context, subID uint, actor string) error
}

// Config tunes the HTTP surface. TrustedProxies lists the addresses whose
// X-Forwarded-For is believed; empty means the peer address is the client.
type Config struct {
	Gateways       []string
	AdminSecret    string
	RPS            float64
	Burst          int
	MaxBodyBytes   int64
	TrustedProxies []string
}

// Server wires handlers to their collaborators. Updates, when set, receives
// authenticated Telegram updates that carry no payment.
type Server struct {
	Webhooks Submitter
	Subs     Subscriptions
	Ledger   Ledger
	Reviews  Reviews
	Sync     Resyncer
	Updates  func(body []byte)

	cfg     Config
	limiter *RateLimiter
}

func New(cfg Config, webhooks Submitter, subs Subscriptions, l Ledger, reviews Reviews, sync Resyncer) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		Webhooks: webhooks,
		Subs:     subs,
		Ledger:   l,
		Reviews:  reviews,
		Sync:     sync,
		cfg:      cfg,
		limiter:  NewRateLimiter(cfg.RPS, cfg.Burst),
	}
}

func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if err := r.SetTrustedProxies(s.cfg.TrustedProxies); err != nil {
		log.Error().Err(err).Strs("trusted_proxies", s.cfg.TrustedProxies).Msg("Invalid trusted proxies, trusting none")
		_ = r.SetTrustedProxies(nil)
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	hooks := r.Group("", s.limiter.Middleware())
	for _, gw := range s.cfg.Gateways {
		hooks.POST("/"+gw+"-webhook", s.webhook(gw))
	}

	if s.cfg.AdminSecret != "" {
		s.adminRoutes(r.Group("/admin", RequireAdmin(s.cfg.AdminSecret)))
	} else {
		log.Warn().Msg("ADMIN_JWT_SECRET is empty, admin API disabled")
	}
	return r
}

// RunCleanup periodically drops idle rate limiter buckets until ctx ends.
func (s *Server) RunCleanup(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.limiter.Cleanup(30 * time.Minute)
		}
	}
}

func (s *Server) webhook(gateway string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		defer func() {
			metrics.WebhookRequestsTotal.WithLabelValues(gateway, strconv.Itoa(c.Writer.Status())).Inc()
			metrics.WebhookDuration.WithLabelValues(gateway).Observe(time.Since(start).Seconds())
		}()

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}

		req := &payment.WebhookRequest{
			Header:   c.Request.Header.Clone(),
			Body:     body,
			RemoteIP: c.ClientIP(),
		}
		res, err := s.Webhooks.Submit(c.Request.Context(), gateway, req)
		if err != nil {
			status := webhookStatus(err)
			logger := log.With().Str("gateway", gateway).Str("remote_ip", req.RemoteIP).Int("status", status).Logger()
			if status >= http.StatusInternalServerError {
				logger.Error().Err(err).Msg("Webhook processing failed")
			} else {
				logger.Warn().Err(err).Msg("Webhook rejected")
			}
			c.JSON(status, gin.H{"error": http.StatusText(status)})
			return
		}

		if res.Outcome == reconcile.OutcomeIgnored && gateway == payment.Stars && s.Updates != nil {
			s.Updates(body)
		}
		c.JSON(http.StatusOK, gin.H{"status": string(res.Outcome)})
	}
}

// webhookStatus maps the error category to the status the gateway sees.
// Gateways redeliver on 5xx.
func webhookStatus(err error) int {
	switch billerr.KindOf(err) {
	case billerr.KindAuth:
		return http.StatusUnauthorized
	case billerr.KindValidation:
		return http.StatusBadRequest
	case billerr.KindConflict:
		return http.StatusConflict
	case billerr.KindFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/ledger"
	"vpnbilling/internal/money"
	"vpnbilling/internal/pricing"
	"vpnbilling/internal/review"
	"vpnbilling/internal/subscription"
)

const actorKey = "admin_actor"

// IssueAdminToken signs an HS256 admin token for subject.
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": "admin",
		"exp":  time.Now().Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

// RequireAdmin accepts bearer tokens signed with secret whose role claim is
// admin. The subject becomes the actor recorded in the audit log.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if role, _ := claims["role"].(string); role != "admin" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token has no subject"})
			return
		}
		c.Set(actorKey, "admin:"+sub)
		c.Next()
	}
}

func (s *Server) adminRoutes(g *gin.RouterGroup) {
	g.POST("/users/:id/disable", s.disableUser)
	g.POST("/users/:id/enable", s.enableUser)
	g.POST("/users/:id/purchase", s.purchase)
	g.POST("/users/:id/adjust", s.adjustBalance)
	g.POST("/users/:id/release-hold", s.releaseHold)
	g.GET("/users/:id/ledger", s.userLedger)
	g.GET("/reviews", s.listReviews)
	g.POST("/reviews/:id/resolve", s.resolveReview)
	g.POST("/subscriptions/:id/resync", s.resync)
}

func actor(c *gin.Context) string {
	return c.GetString(actorKey)
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

// fail renders err with the status its category maps to.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, review.ErrNotFound),
		errors.Is(err, subscription.ErrUserNotFound), errors.Is(err, ledger.ErrUserNotFound):
		status = http.StatusNotFound
	default:
		switch billerr.KindOf(err) {
		case billerr.KindValidation:
			status = http.StatusBadRequest
		case billerr.KindAuth:
			status = http.StatusForbidden
		case billerr.KindConflict:
			status = http.StatusConflict
		case billerr.KindFatal:
			status = http.StatusLocked
		case billerr.KindTransient:
			status = http.StatusServiceUnavailable
		}
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Admin request failed")
	}
	body := gin.H{"error": err.Error()}
	var perr *pricing.Error
	if errors.As(err, &perr) {
		body["code"] = string(perr.Code)
	}
	c.JSON(status, body)
}

type disableRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) disableUser(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req disableRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := s.Subs.Disable(c.Request.Context(), id, actor(c), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) enableUser(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	sub, err := s.Subs.Enable(c.Request.Context(), id, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

type purchaseRequest struct {
	PeriodDays  int      `json:"period_days" binding:"required"`
	TrafficKind string   `json:"traffic_kind"`
	TrafficGB   int      `json:"traffic_gb"`
	Devices     int      `json:"devices"`
	Squads      []string `json:"squads"`
	PromoCode   string   `json:"promo_code"`
}

// purchase buys a period from the user's balance on their behalf.
func (s *Server) purchase(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.Subs.Purchase(c.Request.Context(), id, subscription.PurchaseRequest{
		PeriodDays:  req.PeriodDays,
		Traffic:     pricing.TrafficSelection{Kind: pricing.TrafficKind(req.TrafficKind), GB: req.TrafficGB},
		Devices:     req.Devices,
		Squads:      req.Squads,
		PromoCode:   req.PromoCode,
		Description: "manual purchase by " + actor(c),
	})
	if err != nil {
		fail(c, err)
		return
	}
	log.Info().Uint("user_id", id).Str("actor", actor(c)).Int64("total", int64(res.Breakdown.Total)).Msg("Manual purchase")
	c.JSON(http.StatusOK, gin.H{
		"subscription": res.Subscription,
		"breakdown":    res.Breakdown,
	})
}

type adjustRequest struct {
	Amount string `json:"amount" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// adjustBalance applies a signed admin correction given in major units.
func (s *Server) adjustBalance(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := money.ParseMajor(req.Amount)
	if err != nil || amount == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid amount %q", req.Amount)})
		return
	}
	row, err := s.Ledger.Adjust(c.Request.Context(), id, amount, actor(c), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

type releaseRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

func (s *Server) releaseHold(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Ledger.ReleaseHold(c.Request.Context(), id, ledger.Resolution(req.Resolution), actor(c)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

func (s *Server) userLedger(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	ctx := c.Request.Context()
	balance, err := s.Ledger.Balance(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	history, err := s.Ledger.History(ctx, id, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":      int64(balance),
		"transactions": history,
	})
}

func (s *Server) listReviews(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	issues, err := s.Reviews.List(c.Request.Context(), c.Query("kind"), c.Query("all") == "true", limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues})
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (s *Server) resolveReview(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Reviews.Resolve(c.Request.Context(), c.Param("id"), actor(c), req.Note); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func (s *Server) resync(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.Sync.Resync(c.Request.Context(), id, actor(c)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

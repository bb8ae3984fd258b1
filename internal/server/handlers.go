package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/racegate/internal/credit"
	"github.com/mbd888/racegate/internal/identity"
	"github.com/mbd888/racegate/internal/logging"
	"github.com/mbd888/racegate/internal/onboarding"
	"github.com/mbd888/racegate/internal/reconcile"
	"github.com/mbd888/racegate/internal/session"
)

// -----------------------------------------------------------------------------
// Health & info
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, results := s.healthReg.CheckAll(ctx)

	checks := make(map[string]string, len(results))
	for _, res := range results {
		if res.Healthy {
			checks[res.Name] = "healthy"
		} else {
			checks[res.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Racegate",
		"description": "Payment-gated entry for timed multiplayer races",
		"version":     "0.1.0",
	})
}

// gameInfoHandler returns the fixed entry parameters the client renders.
func (s *Server) gameInfoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"gameId":      s.cfg.GameID,
		"title":       s.cfg.GameTitle,
		"category":    s.cfg.GameCategory,
		"entryAmount": s.cfg.EntryAmount,
		"minPlayers":  s.cfg.MinPlayers,
		"destination": s.cfg.DestinationAddress,
		"chainId":     s.cfg.ChainID,
	})
}

// -----------------------------------------------------------------------------
// Identity
// -----------------------------------------------------------------------------

// setTokenHandler installs the bearer token pushed by the hosting platform.
func (s *Server) setTokenHandler(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token is required",
		})
		return
	}

	if err := s.tokens.SetToken(req.Token); err != nil {
		if errors.Is(err, identity.ErrWrongAudience) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "wrong_audience",
				"message": "token was issued for a different game",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_token",
			"message": "token is not a well-formed JWT",
		})
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) clearTokenHandler(c *gin.Context) {
	s.tokens.Clear()
	c.Status(http.StatusNoContent)
}

// creditsHandler returns the signed-in player's free-entry allowance.
func (s *Server) creditsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	cred, err := s.creds.Current(ctx)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "auth_missing",
			"message": "Sign-in required",
		})
		return
	}

	balance, err := s.creditService.FreeCredits(ctx, cred.Subject)
	if err != nil {
		var malErr *credit.MalformedInputError
		switch {
		case errors.Is(err, credit.ErrProfileNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "profile_not_found",
				"message": "No profile for this player",
			})
		case errors.As(err, &malErr):
			logging.L(ctx).Error("malformed profile blob", "subject", cred.Subject, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "malformed_profile",
				"message": "Profile data could not be read",
			})
		default:
			logging.L(ctx).Error("failed to fetch free credits", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to fetch free credits",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subject":     cred.Subject,
		"freeCredits": balance,
	})
}

// -----------------------------------------------------------------------------
// Attempt flow
// -----------------------------------------------------------------------------

func (s *Server) startAttemptHandler(c *gin.Context) {
	snap, err := s.orchestrator.Start(c.Request.Context())
	if err != nil {
		s.writeFlowError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"attempt": snap})
}

func (s *Server) currentAttemptHandler(c *gin.Context) {
	snap, err := s.orchestrator.Snapshot()
	if err != nil {
		s.writeFlowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempt": snap})
}

func (s *Server) payHandler(c *gin.Context) {
	var req struct {
		Method session.PaymentMethod `json:"method" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "method is required (ON_CHAIN or FREE_CREDIT)",
		})
		return
	}

	snap, err := s.orchestrator.Pay(c.Request.Context(), req.Method)
	if err != nil {
		s.writeFlowErrorWithAttempt(c, snap, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempt": snap})
}

func (s *Server) onboardingHandler(c *gin.Context) {
	var res onboarding.Result
	if err := c.ShouldBindJSON(&res); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid onboarding result",
		})
		return
	}

	cfg, err := s.orchestrator.CompleteOnboarding(c.Request.Context(), res)
	if err != nil {
		s.writeFlowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": cfg})
}

func (s *Server) retryHandler(c *gin.Context) {
	snap, err := s.orchestrator.Retry(c.Request.Context())
	if err != nil {
		s.writeFlowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempt": snap})
}

func (s *Server) cancelAttemptHandler(c *gin.Context) {
	if err := s.orchestrator.Cancel(c.Request.Context()); err != nil {
		s.writeFlowError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeFlowError maps orchestrator errors to HTTP responses.
func (s *Server) writeFlowError(c *gin.Context, err error) {
	s.writeFlowErrorWithAttempt(c, session.Snapshot{}, err)
}

func (s *Server) writeFlowErrorWithAttempt(c *gin.Context, snap session.Snapshot, err error) {
	var (
		flowErr  *session.FlowError
		phaseErr *session.PhaseViolationError
	)
	switch {
	case errors.Is(err, session.ErrNoAttempt):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "no_attempt",
			"message": "No attempt is in progress",
		})
	case errors.Is(err, session.ErrAttemptLive):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "attempt_live",
			"message": "An attempt is already in progress",
		})
	case errors.Is(err, session.ErrPaymentInFlight):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "payment_in_flight",
			"message": "A payment is already in flight",
		})
	case errors.Is(err, session.ErrCancelInFlight):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "payment_in_flight",
			"message": "Cannot cancel while a payment is in flight",
		})
	case errors.As(err, &phaseErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_phase",
			"message": phaseErr.Error(),
		})
	case errors.As(err, &flowErr):
		body := gin.H{
			"error":   string(flowErr.Kind),
			"message": flowErr.Message,
		}
		if flowErr.TxID != "" {
			body["txId"] = flowErr.TxID
		}
		if snap.AttemptID != "" {
			body["attempt"] = snap
		}
		c.JSON(flowErrorStatus(flowErr.Kind), body)
	default:
		logging.L(c.Request.Context()).Error("unexpected flow error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}

// flowErrorStatus picks the HTTP status for a flow failure. Upstream
// collaborator failures map to 502: the request was well-formed, the
// payment path failed.
func flowErrorStatus(kind session.ErrorKind) int {
	switch kind {
	case session.KindAuthMissing:
		return http.StatusUnauthorized
	case session.KindInsufficientCredit:
		return http.StatusPaymentRequired
	case session.KindValidationFailed, session.KindMalformedInput:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

// -----------------------------------------------------------------------------
// Admin: reconciliation review
// -----------------------------------------------------------------------------

// adminMiddleware gates operator routes on the shared admin secret.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	secret := []byte(s.cfg.AdminSecret)
	return func(c *gin.Context) {
		provided := []byte(c.GetHeader("X-Admin-Secret"))
		if len(provided) == 0 || subtle.ConstantTimeCompare(provided, secret) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) listReconciliationsHandler(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	records, err := s.reconService.Unresolved(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list reconciliations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list reconciliation records",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) resolveReconciliationHandler(c *gin.Context) {
	var req struct {
		Resolution string `json:"resolution" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution note is required",
		})
		return
	}

	err := s.reconService.Resolve(c.Request.Context(), c.Param("id"), req.Resolution)
	if err != nil {
		if errors.Is(err, reconcile.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "record_not_found",
				"message": "No unresolved record with this id",
			})
			return
		}
		logging.L(c.Request.Context()).Error("failed to resolve reconciliation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to resolve record",
		})
		return
	}

	c.Status(http.StatusNoContent)
}

package rewardhold

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rewardescrow/internal/logging"
	"github.com/mbd888/rewardescrow/internal/metrics"
	"github.com/mbd888/rewardescrow/internal/pagination"
	"github.com/mbd888/rewardescrow/internal/validation"
)

const (
	// CallerHeader carries the user id verified by the upstream gateway.
	CallerHeader = "X-User-ID"
	// CallerKey is the gin context key CallerMiddleware stores the id under.
	CallerKey = "callerID"

	// maxCodeLength bounds the verify body. Anything shorter that is not the
	// delivery code is an ordinary mismatch.
	maxCodeLength = 16
)

// AttemptLimiter budgets delivery-code guesses per key.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Handler provides HTTP endpoints for reward holds.
type Handler struct {
	service *Service
	limiter AttemptLimiter
}

// NewHandler creates a new reward hold handler. Verification is not
// throttled until WithVerifyLimiter is set.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) WithVerifyLimiter(l AttemptLimiter) *Handler {
	h.limiter = l
	return h
}

// RegisterRoutes sets up reward hold routes. Every route needs a caller, so
// the group must run CallerMiddleware first.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reward-holds", h.CreateHold)

	holds := r.Group("/reward-holds/:id", validation.IDParamMiddleware("id"))
	holds.GET("", h.GetHold)
	holds.POST("/claimer", h.AssignClaimer)
	holds.POST("/release", h.ReleaseHold)
	holds.POST("/refund", h.RefundHold)
	holds.POST("/verify", h.VerifyCode)

	r.GET("/maaroufs/:listingId/reward-holds", validation.IDParamMiddleware("listingId"), h.ListByMaarouf)
}

// CallerMiddleware requires a well-formed caller id in X-User-ID and makes it
// available to handlers and to request logging.
func CallerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := validation.NormalizeID(c.GetHeader(CallerHeader))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": CallerHeader + " header with a user id is required",
			})
			return
		}
		c.Set(CallerKey, id)
		c.Request = c.Request.WithContext(logging.WithCallerID(c.Request.Context(), id))
		c.Next()
	}
}

// holdView is the JSON shape of a hold. The delivery code is only filled in
// for the founder, who hands it to the claimer at pickup.
type holdView struct {
	*RewardHold
	DeliveryCode string `json:"deliveryCode,omitempty"`
}

func viewFor(caller string, hold *RewardHold) holdView {
	v := holdView{RewardHold: hold}
	if caller == hold.FounderID {
		v.DeliveryCode = hold.DeliveryCode
	}
	return v
}

type createRequest struct {
	ListingID string `json:"listingId"`
}

type assignRequest struct {
	ClaimerID string `json:"claimerId"`
}

type verifyRequest struct {
	Code string `json:"code"`
}

// CreateHold handles POST /v1/reward-holds
func (h *Handler) CreateHold(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("listingId", req.ListingID),
		validation.ValidID("listingId", req.ListingID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	caller := c.GetString(CallerKey)
	hold, err := h.service.CreateHold(c.Request.Context(), caller, req.ListingID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rewardHold": viewFor(caller, hold)})
}

// GetHold handles GET /v1/reward-holds/:id
func (h *Handler) GetHold(c *gin.Context) {
	hold, ok := h.loadAs(c, partyFounder|partyClaimer)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewardHold": viewFor(c.GetString(CallerKey), hold)})
}

// ListByMaarouf handles GET /v1/maaroufs/:listingId/reward-holds. Only holds
// the caller is a party to are returned, newest first, paged with ?limit=
// and ?cursor=.
func (h *Handler) ListByMaarouf(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, "Invalid cursor")
		return
	}

	holds, err := h.service.ListByMaarouf(c.Request.Context(), c.Param("listingId"))
	if err != nil {
		respondError(c, err)
		return
	}

	caller := c.GetString(CallerKey)
	visible := make([]*RewardHold, 0, len(holds))
	for _, hold := range holds {
		if hold.FounderID == caller || hold.ClaimerID == caller {
			visible = append(visible, hold)
		}
	}
	page, next := pagination.Page(visible, after, limit, func(h *RewardHold) (time.Time, string) {
		return h.CreatedAt, h.ID
	})

	views := make([]holdView, 0, len(page))
	for _, hold := range page {
		views = append(views, viewFor(caller, hold))
	}
	resp := gin.H{"rewardHolds": views, "count": len(views), "hasMore": next != ""}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// AssignClaimer handles POST /v1/reward-holds/:id/claimer
func (h *Handler) AssignClaimer(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("claimerId", req.ClaimerID),
		validation.ValidID("claimerId", req.ClaimerID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if _, ok := h.loadAs(c, partyFounder); !ok {
		return
	}
	hold, err := h.service.AssignClaimer(c.Request.Context(), c.Param("id"), req.ClaimerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewardHold": viewFor(c.GetString(CallerKey), hold)})
}

// ReleaseHold handles POST /v1/reward-holds/:id/release
func (h *Handler) ReleaseHold(c *gin.Context) {
	if _, ok := h.loadAs(c, partyFounder); !ok {
		return
	}
	hold, err := h.service.ReleaseHold(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewardHold": viewFor(c.GetString(CallerKey), hold)})
}

// RefundHold handles POST /v1/reward-holds/:id/refund
func (h *Handler) RefundHold(c *gin.Context) {
	if _, ok := h.loadAs(c, partyFounder); !ok {
		return
	}
	hold, err := h.service.RefundHold(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewardHold": viewFor(c.GetString(CallerKey), hold)})
}

// VerifyCode handles POST /v1/reward-holds/:id/verify. The claimer submits
// the code the founder handed over; a match releases the reward.
func (h *Handler) VerifyCode(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(validation.MaxLength("code", req.Code, maxCodeLength)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	hold, ok := h.loadAs(c, partyClaimer|partyUnassigned)
	if !ok {
		return
	}

	caller := c.GetString(CallerKey)
	if h.limiter != nil {
		allowed, err := h.limiter.Allow(c.Request.Context(), hold.ID+":"+caller)
		if err != nil {
			logging.L(c.Request.Context()).Warn("verify attempt limiter failed", "holdId", hold.ID, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":     "limiter_unavailable",
				"message":   "Verification is temporarily unavailable",
				"retryable": true,
			})
			return
		}
		if !allowed {
			metrics.VerifyThrottledTotal.Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":     "too_many_attempts",
				"message":   "Too many verification attempts for this reward. Try again later.",
				"retryable": true,
			})
			return
		}
	}

	released, err := h.service.VerifyCodeAndRelease(c.Request.Context(), hold.ID, req.Code)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewardHold": viewFor(caller, released)})
}

type party int

const (
	partyFounder party = 1 << iota
	partyClaimer
	// partyUnassigned admits anyone while the hold has no claimer; the
	// service then refuses the operation itself.
	partyUnassigned
)

// loadAs fetches the hold named by :id and checks the caller's role on it.
// On failure the response has been written.
func (h *Handler) loadAs(c *gin.Context, allowed party) (*RewardHold, bool) {
	hold, err := h.service.GetHold(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}

	caller := c.GetString(CallerKey)
	switch {
	case allowed&partyFounder != 0 && caller == hold.FounderID:
	case allowed&partyClaimer != 0 && hold.ClaimerID != "" && caller == hold.ClaimerID:
	case allowed&partyUnassigned != 0 && hold.ClaimerID == "" && caller != hold.FounderID:
	default:
		c.JSON(http.StatusForbidden, gin.H{
			"error":     string(KindForbidden),
			"message":   "Caller is not allowed to perform this action on the reward hold",
			"retryable": false,
		})
		return nil, false
	}
	return hold, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":     "invalid_request",
		"message":   msg,
		"retryable": false,
	})
}

// respondError writes the response for a service error.
func respondError(c *gin.Context, err error) {
	kind := KindOf(err)

	if errors.Is(err, ErrInsufficientFunds) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_funds",
			"message":   "Available balance does not cover the reward",
			"retryable": false,
		})
		return
	}

	msg := err.Error()
	if kind == KindInternal {
		logging.L(c.Request.Context()).Error("reward hold request failed", "path", c.FullPath(), "error", err)
		msg = "Internal error"
	}

	c.JSON(statusFor(kind), gin.H{
		"error":     string(kind),
		"message":   msg,
		"retryable": kind.Retryable() || kind == KindInternal,
	})
}

func statusFor(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindMissingPrecondition:
		return http.StatusPreconditionFailed
	case KindVerification:
		return http.StatusUnprocessableEntity
	case KindCollaborator:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

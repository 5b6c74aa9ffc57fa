package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mkhub/internal/ingest"
	"mkhub/internal/notify"
	"mkhub/internal/push"
	"mkhub/internal/schedule"
	"mkhub/internal/storage"
	"mkhub/internal/window"
	logx "mkhub/pkg/logx"
)

type Subscriptions interface {
	Subscribe(ctx context.Context, endpoint string, keys storage.Keys, prefs storage.Preferences) (storage.Subscription, error)
	Unsubscribe(ctx context.Context, endpoint string) error
	UpdatePreferences(ctx context.Context, endpoint string, prefs storage.Preferences) (storage.Subscription, error)
	Status(ctx context.Context, endpoint string) (storage.Subscription, bool, error)
	Get(ctx context.Context, endpoint string) (storage.Subscription, error)
}

type Notifier interface {
	CheckAndSend(ctx context.Context, now time.Time) (notify.CheckResult, error)
	SendTest(ctx context.Context, sub storage.Subscription) (push.Result, error)
	Stats(ctx context.Context) (notify.Stats, error)
}

type ScheduleReader interface {
	Upcoming(ctx context.Context, now time.Time) ([]schedule.Entry, time.Time, error)
}

type TextIngester interface {
	IngestText(ctx context.Context, text string) (ingest.Report, error)
}

type handlers struct {
	subs     Subscriptions
	notifier Notifier
	sched    ScheduleReader
	ingest   TextIngester
	runtime  func() any
	vapidKey string
	loc      *time.Location
	now      func() time.Time
	log      logx.Logger
}

type subscriptionBody struct {
	Endpoint string       `json:"endpoint"`
	Keys     storage.Keys `json:"keys"`
}

type subscribeRequest struct {
	Subscription subscriptionBody     `json:"subscription"`
	Preferences  *storage.Preferences `json:"preferences"`
}

type endpointRequest struct {
	Endpoint string `json:"endpoint"`
}

type preferencesRequest struct {
	Endpoint    string              `json:"endpoint"`
	Preferences storage.Preferences `json:"preferences"`
}

type testRequest struct {
	Subscription subscriptionBody `json:"subscription"`
}

type ingestRequest struct {
	Text string `json:"text"`
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

// storeError maps storage and validation errors onto status codes.
func (h *handlers) storeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, notify.ErrInvalidSubscription):
		badRequest(c, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"success": false, "error": "subscription not found"})
	default:
		h.log.Error("http "+op+" failed", logx.Err(err))
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
	}
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) vapidPublicKey(c *gin.Context) {
	if h.vapidKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": push.ErrNotConfigured.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.vapidKey})
}

func (h *handlers) subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	prefs := storage.DefaultPreferences
	if req.Preferences != nil {
		prefs = *req.Preferences
	}
	sub, err := h.subs.Subscribe(c.Request.Context(), req.Subscription.Endpoint, req.Subscription.Keys, prefs)
	if err != nil {
		h.storeError(c, "subscribe", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "preferences": sub.Preferences})
}

func (h *handlers) unsubscribe(c *gin.Context) {
	var req endpointRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Endpoint) == "" {
		badRequest(c, "endpoint is required")
		return
	}
	if err := h.subs.Unsubscribe(c.Request.Context(), req.Endpoint); err != nil {
		h.storeError(c, "unsubscribe", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handlers) updatePreferences(c *gin.Context) {
	var req preferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Endpoint) == "" {
		badRequest(c, "endpoint is required")
		return
	}
	sub, err := h.subs.UpdatePreferences(c.Request.Context(), req.Endpoint, req.Preferences)
	if err != nil {
		h.storeError(c, "update preferences", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "preferences": sub.Preferences})
}

func (h *handlers) status(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if strings.TrimSpace(endpoint) == "" {
		badRequest(c, "endpoint is required")
		return
	}
	sub, ok, err := h.subs.Status(c.Request.Context(), endpoint)
	if err != nil {
		h.storeError(c, "status", err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"subscribed": false, "preferences": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": true, "preferences": sub.Preferences})
}

// test pushes the test payload to one endpoint. Unknown endpoints are sent
// to directly with the keys from the request.
func (h *handlers) test(c *gin.Context) {
	var req testRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Subscription.Endpoint) == "" {
		badRequest(c, "subscription.endpoint is required")
		return
	}
	ctx := c.Request.Context()
	sub, err := h.subs.Get(ctx, req.Subscription.Endpoint)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := notify.ValidateSubscription(req.Subscription.Endpoint, req.Subscription.Keys); err != nil {
			badRequest(c, err.Error())
			return
		}
		sub = storage.Subscription{ID: "test", Endpoint: strings.TrimSpace(req.Subscription.Endpoint), Keys: req.Subscription.Keys, Active: true}
	case err != nil:
		h.storeError(c, "test push", err)
		return
	}
	res, err := h.notifier.SendTest(ctx, sub)
	if err != nil {
		if errors.Is(err, push.ErrNotConfigured) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": err.Error()})
			return
		}
		h.storeError(c, "test push", err)
		return
	}
	if res.Success == 0 {
		msg := "delivery failed"
		if len(res.Errors) > 0 {
			msg = res.Errors[0].Error
		}
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handlers) sqSchedule(c *gin.Context) {
	entries, fetchedAt, err := h.sched.Upcoming(c.Request.Context(), h.now())
	if err != nil {
		h.log.Warn("schedule read failed", logx.Err(err))
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "schedule unavailable"})
		return
	}
	if entries == nil {
		entries = []schedule.Entry{}
	}
	var last any
	if !fetchedAt.IsZero() {
		last = fetchedAt.UnixMilli()
	}
	c.JSON(http.StatusOK, gin.H{"schedule": entries, "lastUpdate": last})
}

func (h *handlers) loungeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, window.LoungeInfo(h.now(), h.loc))
}

func (h *handlers) adminStats(c *gin.Context) {
	st, err := h.notifier.Stats(c.Request.Context())
	if err != nil {
		h.storeError(c, "stats", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) adminCheck(c *gin.Context) {
	res, err := h.notifier.CheckAndSend(c.Request.Context(), h.now())
	body := gin.H{"result": res}
	status := http.StatusOK
	if err != nil {
		body["error"] = err.Error()
		if errors.Is(err, push.ErrNotConfigured) {
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, body)
}

func (h *handlers) adminIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		badRequest(c, "text is required")
		return
	}
	rep, err := h.ingest.IngestText(c.Request.Context(), req.Text)
	if err != nil {
		h.log.Warn("admin ingest failed", logx.Err(err))
		c.JSON(http.StatusBadGateway, gin.H{"report": rep, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

func (h *handlers) adminRuntime(c *gin.Context) {
	if h.runtime == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, h.runtime())
}

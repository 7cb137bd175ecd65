package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	activitydomain "crm_server/server/activity/domain"
	activityservice "crm_server/server/activity/service"
	calldomain "crm_server/server/call/domain"
	callrepo "crm_server/server/call/repository"
	callservice "crm_server/server/call/service"
	commonauth "crm_server/server/common/auth"
	"crm_server/server/common/log"
	"crm_server/server/common/middleware"
	"crm_server/server/common/transport/httpresp"
	notifyservice "crm_server/server/notify/service"
)

// CredentialStore backs the token endpoint.
type CredentialStore interface {
	CredentialsByEmail(ctx context.Context, email string) (callrepo.UserCredentials, error)
}

type Handler struct {
	auth       *commonauth.Service
	registry   *notifyservice.Registry
	bridge     *notifyservice.Bridge
	queue      notifyservice.QueueStore
	producer   *notifyservice.Producer
	calls      *callservice.Service
	activities *activityservice.Service
	users      CredentialStore
	metrics    http.Handler
}

func NewHandler(
	auth *commonauth.Service,
	registry *notifyservice.Registry,
	bridge *notifyservice.Bridge,
	queue notifyservice.QueueStore,
	producer *notifyservice.Producer,
	calls *callservice.Service,
	activities *activityservice.Service,
	users CredentialStore,
	metrics http.Handler,
) *Handler {
	return &Handler{
		auth:       auth,
		registry:   registry,
		bridge:     bridge,
		queue:      queue,
		producer:   producer,
		calls:      calls,
		activities: activities,
		users:      users,
		metrics:    metrics,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, httpresp.NewOKResponse()) })
	r.GET("/ws/notifications", h.handleWS)
	r.POST("/api/v1/auth/token", h.issueToken)
	r.POST("/webhooks/provider/call-status", h.providerCallStatus)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.POST("/calls", h.requestCall)
		api.GET("/calls/:id", h.getCall)
		api.POST("/calls/:id/cancel", h.cancelCall)
		api.POST("/activities", h.createActivity)
		api.GET("/contacts/:id/activities", h.listContactActivities)
		api.GET("/notifications/offline", h.drainOfflineNotifications)

		admin := api.Group("")
		admin.Use(middleware.RequireRoles("admin"))
		{
			admin.GET("/ws/stats", h.wsStats)
			admin.POST("/broadcast", h.broadcast)
		}
	}
}

func tenantFromContext(c *gin.Context) (string, bool) {
	raw, ok := c.Get("auth_tenant_id")
	if !ok {
		return "", false
	}
	tenantID, ok := raw.(string)
	return tenantID, ok && tenantID != ""
}

func userFromContext(c *gin.Context) (string, bool) {
	raw, ok := c.Get("auth_user_id")
	if !ok {
		return "", false
	}
	userID, ok := raw.(string)
	return userID, ok && userID != ""
}

func (h *Handler) issueToken(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	creds, err := h.users.CredentialsByEmail(c.Request.Context(), req.Email)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidCredentials))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidCredentials))
		return
	}
	token, err := h.auth.GenerateToken(creds.UserID, creds.TenantID, creds.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewTokenResponse(token, creds.UserID, creds.TenantID, creds.Role))
}

func (h *Handler) requestCall(c *gin.Context) {
	tenantID, ok := tenantFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	userID, ok := userFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	var req struct {
		ContactID string `json:"contact_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	sess, err := h.calls.RequestCall(c.Request.Context(), tenantID, userID, req.ContactID)
	if err != nil {
		if errors.Is(err, calldomain.ErrValidation) {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrContactNoPhone))
			return
		}
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) getCall(c *gin.Context) {
	tenantID, ok := tenantFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	sess, err := h.calls.Call(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		if errors.Is(err, calldomain.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrCallNotFound))
			return
		}
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) cancelCall(c *gin.Context) {
	tenantID, ok := tenantFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	userID, _ := userFromContext(c)
	sess, err := h.calls.CancelCall(c.Request.Context(), tenantID, userID, c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, calldomain.ErrUnknownSession):
			c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrCallNotFound))
		case errors.Is(err, calldomain.ErrStaleEvent):
			c.JSON(http.StatusConflict, httpresp.NewErrorResponse(httpresp.ErrCallAlreadyEnded))
		default:
			c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		}
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) createActivity(c *gin.Context) {
	tenantID, ok := tenantFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	userID, _ := userFromContext(c)
	var req struct {
		ContactID string         `json:"contact_id" binding:"required"`
		Type      string         `json:"type" binding:"required"`
		Payload   map[string]any `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	act, err := h.activities.CreateActivity(c.Request.Context(), activitydomain.Activity{
		TenantID:  tenantID,
		ContactID: req.ContactID,
		UserID:    userID,
		Type:      activitydomain.ActivityType(req.Type),
		Payload:   req.Payload,
	})
	if err != nil {
		if errors.Is(err, activitydomain.ErrInvalidActivity) {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
			return
		}
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, act)
}

func (h *Handler) listContactActivities(c *gin.Context) {
	tenantID, ok := tenantFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	items, err := h.activities.ListByContact(c.Request.Context(), tenantID, c.Param("id"), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": items})
}

// drainOfflineNotifications consumes the caller's offline backlog, same
// semantics as a WebSocket reconnect: each entry is delivered once.
func (h *Handler) drainOfflineNotifications(c *gin.Context) {
	tenantID, ok := tenantFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	userID, ok := userFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	items, err := h.queue.Drain(c.Request.Context(), tenantID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items})
}

func (h *Handler) wsStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Stats())
}

func (h *Handler) broadcast(c *gin.Context) {
	tenantID, ok := tenantFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	var req struct {
		Type string         `json:"type" binding:"required"`
		Data map[string]any `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if err := h.producer.TenantBroadcast(c.Request.Context(), tenantID, req.Type, req.Data); err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusAccepted, httpresp.NewOKResponse())
}

// providerCallStatus acknowledges every well-formed callback, including stale
// and unknown ones, so the provider stops redelivering. Only infrastructure
// failures return 5xx to trigger a retry.
func (h *Handler) providerCallStatus(c *gin.Context) {
	var evt calldomain.ProviderEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if evt.ProviderRef == "" {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse("provider_ref is required"))
		return
	}
	_, err := h.calls.HandleProviderEvent(c.Request.Context(), evt)
	if err != nil {
		if errors.Is(err, calldomain.ErrStaleEvent) || errors.Is(err, calldomain.ErrUnknownSession) {
			log.Infof("event=webhook action=call_status status=dropped provider_ref=%s event_id=%s reason=%v", evt.ProviderRef, evt.EventID, err)
			c.JSON(http.StatusOK, httpresp.NewOKResponse())
			return
		}
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

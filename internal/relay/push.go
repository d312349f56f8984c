package relay

import (
	"encoding/json"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"github.com/campuslink/campuscall/internal/models"
)

type pushSubscribeKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type pushSubscribeRequest struct {
	Endpoint string            `json:"endpoint" binding:"required"`
	Keys     pushSubscribeKeys `json:"keys" binding:"required"`
}

// SubscribePush stores the caller's web-push endpoint, replacing any
// earlier subscriptions for the same user.
func (h *Handlers) SubscribePush(c *gin.Context) {
	userID := c.GetString("user_id")

	var req pushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.Where("user_id = ?", userID).Delete(&models.PushSubscription{}).Error; err != nil {
		h.logger.Warn("failed to delete old push subscriptions", "user_id", userID, "error", err)
	}

	sub := models.PushSubscription{
		UserID:   userID,
		Endpoint: req.Endpoint,
		P256DH:   req.Keys.P256DH,
		Auth:     req.Keys.Auth,
	}
	if err := h.db.Create(&sub).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":               sub.ID,
		"vapid_public_key": h.cfg.VAPIDKeys.PublicKey,
	})
}

// pushIncomingCall rings an offline callee through web push. Dead
// endpoints (410/404 from the push service) are dropped.
func (h *Handlers) pushIncomingCall(inv *models.CallInvitation) {
	var subs []models.PushSubscription
	if err := h.db.Where("user_id = ?", inv.ToUserID).Find(&subs).Error; err != nil {
		h.logger.Warn("push subscription lookup failed", "user_id", inv.ToUserID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	var caller models.User
	callerName := "someone"
	if err := h.db.First(&caller, "id = ?", inv.FromUserID).Error; err == nil {
		callerName = caller.Username
	}

	payload, err := json.Marshal(map[string]any{
		"title": "Incoming call",
		"body":  callerName + " is calling you",
		"data": map[string]any{
			"invitation_id": inv.ID,
			"call_type":     inv.CallType,
		},
		"urgency": "high",
	})
	if err != nil {
		return
	}

	for i := range subs {
		sub := subs[i]
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      h.cfg.VAPIDKeys.Subject,
			VAPIDPublicKey:  h.cfg.VAPIDKeys.PublicKey,
			VAPIDPrivateKey: h.cfg.VAPIDKeys.PrivateKey,
			TTL:             60,
			Urgency:         webpush.UrgencyHigh,
		})
		if err != nil {
			h.logger.Warn("push send failed", "user_id", inv.ToUserID, "error", err)
			continue
		}
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			h.db.Delete(&sub)
		}
		resp.Body.Close()
	}
}

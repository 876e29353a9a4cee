// Package webhook receives Microsoft Graph change notifications and turns
// them into background mailbox syncs.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/assist-mailsync/internal/models"
)

// Resolver maps a provider subscription id to a mailbox id
type Resolver interface {
	MailboxForSubscription(ctx context.Context, subscriptionID string) (string, error)
}

// Trigger starts a sync without waiting for it
type Trigger interface {
	Trigger(mailboxID string)
}

// TokenVerifier checks the validationTokens Graph attaches to a batch
type TokenVerifier interface {
	Validate(ctx context.Context, tokens []string) error
}

type Handler struct {
	clientState string
	resolver    Resolver
	trigger     Trigger
	tokens      TokenVerifier
	log         logrus.FieldLogger
}

func NewHandler(clientState string, resolver Resolver, trigger Trigger, log logrus.FieldLogger) *Handler {
	return &Handler{
		clientState: clientState,
		resolver:    resolver,
		trigger:     trigger,
		log:         log,
	}
}

// WithTokenValidation rejects batches whose validation tokens do not verify
func (h *Handler) WithTokenValidation(v TokenVerifier) *Handler {
	h.tokens = v
	return h
}

// Handle serves POST /mailbox/webhooks/graph. It answers the subscription
// handshake, authenticates entries by clientState and triggers one sync per
// distinct mailbox. Syncs run after the 202 is written.
func (h *Handler) Handle(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}

	var payload Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		abort(c, http.StatusBadRequest, "bad_request", "malformed notification payload")
		return
	}
	if len(payload.Value) == 0 {
		abort(c, http.StatusBadRequest, "bad_request", "notification payload has no entries")
		return
	}

	valid := h.authenticate(payload.Value)
	if len(valid) == 0 {
		h.log.WithField("entries", len(payload.Value)).Warn("webhook rejected: no entry carried a valid clientState")
		abort(c, http.StatusUnauthorized, "unauthorized", "invalid client state")
		return
	}

	if h.tokens != nil && len(payload.ValidationTokens) > 0 {
		if err := h.tokens.Validate(c.Request.Context(), payload.ValidationTokens); err != nil {
			h.log.WithError(err).Warn("webhook rejected: validation token check failed")
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid validation token")
			return
		}
	}

	mailboxes := h.resolve(c.Request.Context(), valid)
	for _, id := range mailboxes {
		h.trigger.Trigger(id)
	}

	h.log.WithFields(logrus.Fields{
		"entries":   len(payload.Value),
		"accepted":  len(valid),
		"mailboxes": len(mailboxes),
	}).Info("webhook accepted")
	c.JSON(http.StatusAccepted, gin.H{"triggered": len(mailboxes)})
}

func (h *Handler) authenticate(entries []ChangeNotification) []ChangeNotification {
	var valid []ChangeNotification
	for _, n := range entries {
		if h.clientState != "" && subtle.ConstantTimeCompare([]byte(n.ClientState), []byte(h.clientState)) == 1 {
			valid = append(valid, n)
		}
	}
	return valid
}

// resolve returns the distinct mailboxes of the entries in arrival order
func (h *Handler) resolve(ctx context.Context, entries []ChangeNotification) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, n := range entries {
		id, err := h.resolver.MailboxForSubscription(ctx, n.SubscriptionID)
		if err != nil {
			entry := h.log.WithField("subscription_id", n.SubscriptionID)
			if errors.Is(err, models.ErrNotFound) {
				entry.Warn("notification for unknown subscription")
			} else {
				entry.WithError(err).Error("failed to resolve subscription")
			}
			continue
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/assist-mailsync/internal/models"
	"github.com/Martian-dev/assist-mailsync/internal/store"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ListResponse wraps collection replies
type ListResponse[T any] struct {
	Data []T `json:"data"`
}

func list[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Data: items}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: code, Message: message})
}

// fail maps domain errors onto HTTP statuses
func (s *Server) fail(c *gin.Context, err error) {
	var perr *models.ProviderError
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, models.ErrValidation):
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
	case errors.As(err, &perr):
		s.log.WithError(err).WithField("path", c.Request.URL.Path).Warn("provider request failed")
		writeError(c, http.StatusBadGateway, "provider_error", err.Error())
	default:
		s.log.WithError(err).WithField("path", c.Request.URL.Path).Error("request failed")
		writeError(c, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", models.ErrValidation, key)
	}
	return n, nil
}

func page(c *gin.Context) (limit, offset int, err error) {
	if limit, err = queryInt(c, "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(c, "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func (s *Server) handleSync(c *gin.Context) {
	result, err := s.syncer.SyncNow(c.Request.Context(), c.Param("mailboxId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListMessages(c *gin.Context) {
	s.messages(c, c.Query("threadId"))
}

func (s *Server) handleThreadMessages(c *gin.Context) {
	s.messages(c, c.Param("threadId"))
}

func (s *Server) messages(c *gin.Context, threadID string) {
	ctx := c.Request.Context()
	mailboxID := c.Param("mailboxId")
	limit, offset, err := page(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := s.store.GetMailbox(ctx, mailboxID); err != nil {
		s.fail(c, err)
		return
	}
	msgs, err := s.store.ListMessages(ctx, mailboxID, store.MessageQuery{ThreadID: threadID, Limit: limit, Offset: offset})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list(msgs))
}

func (s *Server) handleListThreads(c *gin.Context) {
	ctx := c.Request.Context()
	mailboxID := c.Param("mailboxId")
	if _, err := s.store.GetMailbox(ctx, mailboxID); err != nil {
		s.fail(c, err)
		return
	}
	threads, err := s.store.ListThreads(ctx, mailboxID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list(threads))
}

func (s *Server) handleListMailboxes(c *gin.Context) {
	mailboxes, err := s.store.ListMailboxes(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list(mailboxes))
}

type createMailboxRequest struct {
	Address  string              `json:"address"`
	Name     string              `json:"name"`
	Provider models.ProviderName `json:"provider"`
}

func (r createMailboxRequest) validate() error {
	if _, err := mail.ParseAddress(r.Address); err != nil || strings.ContainsAny(r.Address, "<> ") {
		return fmt.Errorf("%w: address %q is not a valid email address", models.ErrValidation, r.Address)
	}
	switch r.Provider {
	case "", models.ProviderMicrosoft, models.ProviderGoogle, models.ProviderIMAP:
		return nil
	default:
		return fmt.Errorf("%w: unknown provider %q", models.ErrValidation, r.Provider)
	}
}

func (s *Server) handleCreateMailbox(c *gin.Context) {
	var req createMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "malformed mailbox payload")
		return
	}
	if err := req.validate(); err != nil {
		s.fail(c, err)
		return
	}

	mb := &models.Mailbox{
		Address:  strings.ToLower(req.Address),
		Name:     req.Name,
		Provider: req.Provider,
	}
	if err := s.store.CreateMailbox(c.Request.Context(), mb); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, mb)
}

func (s *Server) handleGetMailbox(c *gin.Context) {
	mb, err := s.store.GetMailbox(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, mb)
}

func (s *Server) handleDeleteMailbox(c *gin.Context) {
	if err := s.store.DeleteMailbox(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type subscriptionRequest struct {
	SubscriptionID string     `json:"subscriptionId"`
	Resource       string     `json:"resource"`
	ExpiresAt      *time.Time `json:"expiresAt"`
}

func (s *Server) handleSaveSubscription(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SubscriptionID == "" {
		writeError(c, http.StatusBadRequest, "bad_request", "subscriptionId is required")
		return
	}
	sub := &models.Subscription{
		ID:        req.SubscriptionID,
		MailboxID: c.Param("id"),
		Resource:  req.Resource,
		ExpiresAt: req.ExpiresAt,
	}
	if err := s.store.SaveSubscription(c.Request.Context(), sub); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleListNotifications(c *gin.Context) {
	limit, offset, err := page(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	notifications, err := s.store.ListNotifications(c.Request.Context(), store.NotificationQuery{
		RecipientType: c.Query("recipientType"),
		RecipientID:   c.Query("recipientId"),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list(notifications))
}

func (s *Server) handleMarkRead(c *gin.Context) {
	if err := s.store.MarkNotificationRead(c.Request.Context(), c.Param("id"), s.now().UTC()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	running := s.syncer.Running()
	if running == nil {
		running = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"running": running})
}

// Package api serves the REST, streaming and webhook endpoints of mailsync.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/assist-mailsync/internal/models"
	"github.com/Martian-dev/assist-mailsync/internal/realtime"
	"github.com/Martian-dev/assist-mailsync/internal/store"
)

// Syncer runs manual syncs and reports the ones in flight
type Syncer interface {
	SyncNow(ctx context.Context, mailboxID string) (*models.SyncResult, error)
	Running() []string
}

// Options configures the HTTP server
type Options struct {
	Addr string
	// Origins are the dashboard origins allowed by CORS and the WebSocket and
	// Socket.IO handshakes
	Origins   []string
	RateLimit float64
	RateBurst int
}

type Server struct {
	opts        Options
	store       store.Store
	syncer      Syncer
	hub         *realtime.Hub
	socketIO    *realtime.SocketIO
	webhook     gin.HandlerFunc
	log         logrus.FieldLogger
	router      *gin.Engine
	server      *http.Server
	rateLimiter *RateLimiter
	now         func() time.Time
}

func NewServer(opts Options, st store.Store, syncer Syncer, hub *realtime.Hub, webhook gin.HandlerFunc, log logrus.FieldLogger) *Server {
	s := &Server{
		opts:    opts,
		store:   st,
		syncer:  syncer,
		hub:     hub,
		webhook: webhook,
		log:     log,
		now:     time.Now,
	}
	s.router = s.setupRouter()
	s.socketIO.Start()
	return s
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery())
	r.Use(s.requestLogger())
	r.Use(CORSMiddleware(s.opts.Origins))

	r.GET("/health", s.handleHealth)

	r.POST("/mailbox/webhooks/graph", s.webhook)

	r.GET("/realtime", gin.WrapH(realtime.WebSocketHandler(s.hub, s.opts.Origins, s.log)))

	s.socketIO = realtime.NewSocketIO(s.hub, s.opts.Origins, s.log)
	sio := gin.WrapH(s.socketIO)
	r.GET("/socket.io/*any", sio)
	r.POST("/socket.io/*any", sio)

	api := r.Group("/api")
	if s.opts.RateLimit > 0 {
		s.rateLimiter = NewRateLimiter(s.opts.RateLimit, s.opts.RateBurst)
		api.Use(RateLimitMiddleware(s.rateLimiter))
	}

	stream := realtime.StreamHandler(s.hub, s.log)
	api.GET("/realtime/stream", stream)
	api.GET("/notifications/stream", stream)

	emails := api.Group("/emails/mailbox/:mailboxId")
	emails.POST("/sync", s.handleSync)
	emails.GET("", s.handleListMessages)
	emails.GET("/threads", s.handleListThreads)
	emails.GET("/threads/:threadId", s.handleThreadMessages)

	api.GET("/mailboxes", s.handleListMailboxes)
	api.POST("/mailboxes", s.handleCreateMailbox)
	api.GET("/mailboxes/:id", s.handleGetMailbox)
	api.DELETE("/mailboxes/:id", s.handleDeleteMailbox)
	api.POST("/mailboxes/:id/subscriptions", s.handleSaveSubscription)

	api.GET("/notifications", s.handleListNotifications)
	api.PATCH("/notifications/:id/read", s.handleMarkRead)

	api.GET("/sync/status", s.handleSyncStatus)

	return r
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.log.WithField("addr", s.opts.Addr).Info("starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown closes the realtime hub so open streams end, then drains requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
	s.hub.Close()
	if err := s.socketIO.Close(); err != nil {
		s.log.WithError(err).Warn("failed to close socket.io server")
	}
	if s.server == nil {
		return nil
	}
	s.log.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router returns the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": s.hub.Count()})
}

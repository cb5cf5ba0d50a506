// Package server exposes the messaging core over HTTP to platform adapters.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sevir/ramal/internal/queue"
	"github.com/sevir/ramal/pkg/models"
)

// Server is the thin HTTP surface in front of the tree queue manager.
type Server struct {
	manager    *queue.Manager
	addr       string
	version    string
	httpServer *http.Server
}

// Config holds server configuration.
type Config struct {
	Addr    string
	Manager *queue.Manager
	Version string
}

// New creates a new Server. A nil manager is tolerated: administrative
// operations then report "not initialized" instead of crashing.
func New(cfg Config) *Server {
	s := &Server{
		manager: cfg.Manager,
		addr:    cfg.Addr,
		version: cfg.Version,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	api.POST("/messages", s.handleEnqueue)
	api.GET("/conversations", s.handleListConversations)
	api.GET("/conversations/:id", s.handleGetTree)
	api.GET("/conversations/:id/nodes/:node", s.handleGetNode)
	api.POST("/stop", s.handleStop)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "ramal",
		"version": s.version,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// handleEnqueue is the inbound message ingestion boundary: each platform
// adapter posts here whenever a user sends or edits a message.
func (s *Server) handleEnqueue(c *gin.Context) {
	if s.manager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": models.ErrNotInitialized.Error()})
		return
	}

	var req models.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	nodeID, err := s.manager.Enqueue(req)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"node_id": nodeID, "conversation_id": req.ConversationID}
	if view, err := s.manager.NodeView(req.ConversationID, nodeID); err == nil && view.BlockedBy != "" {
		resp["blocked_by"] = view.BlockedBy
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) handleListConversations(c *gin.Context) {
	if s.manager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": models.ErrNotInitialized.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": s.manager.Conversations()})
}

func (s *Server) handleGetTree(c *gin.Context) {
	if s.manager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": models.ErrNotInitialized.Error()})
		return
	}

	t, err := s.manager.Tree(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t.Snapshot())
}

func (s *Server) handleGetNode(c *gin.Context) {
	if s.manager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": models.ErrNotInitialized.Error()})
		return
	}

	view, err := s.manager.NodeView(c.Param("id"), c.Param("node"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleStop cancels every live agent session across every tree. It is
// exposed to the hosting request layer and to shutdown hooks, and must be
// safe to call before the manager exists.
func (s *Server) handleStop(c *gin.Context) {
	if s.manager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": models.ErrNotInitialized.Error()})
		return
	}

	count := s.manager.CancelAll()
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "cancelled_count": count})
}

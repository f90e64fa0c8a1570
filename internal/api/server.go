package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/botrix-io/botrix/internal/models"
	"github.com/botrix-io/botrix/internal/pool"
	"github.com/botrix-io/botrix/internal/version"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Same-host dashboard only; no cross-origin consumers.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// JobService is the queue surface the API needs. *queue.Queue
// satisfies it.
type JobService interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetStatus(ctx context.Context, jobID string) (models.JobStatus, error)
	GetResult(ctx context.Context, jobID string) (*models.JobResult, error)
	QueueLength(ctx context.Context) (int64, error)
	ListWorkerHealth(ctx context.Context) ([]models.WorkerHealth, error)
	Health(ctx context.Context) error
}

// PoolReader exposes the credential pool statistics.
type PoolReader interface {
	Stats() pool.Stats
}

// Server is the HTTP control plane: job submission, status queries,
// worker and pool introspection, and a websocket feed of job updates.
type Server struct {
	router *gin.Engine
	jobs   JobService
	pool   PoolReader
	hub    *Hub
	logger *log.Logger
}

// ServerOption customizes the server.
type ServerOption func(*Server)

// WithServerLogger overrides the server's logger.
func WithServerLogger(logger *log.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer wires routes onto a fresh gin engine.
func NewServer(jobs JobService, poolReader PoolReader, hub *Hub, opts ...ServerOption) *Server {
	s := &Server{
		router: gin.New(),
		jobs:   jobs,
		pool:   poolReader,
		hub:    hub,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(s.logger)
	}

	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub so the update relay can feed it.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.POST("/jobs", s.createJob)
		api.GET("/jobs/:id", s.getJob)
		api.GET("/pool/stats", s.poolStats)
		api.GET("/workers", s.listWorkers)
		api.GET("/health", s.health)
		api.GET("/version", s.version)
	}
	s.router.GET("/ws", s.serveWS)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// createJobRequest is the job submission payload. Count defaults to 1;
// username and password are optional fixed identities.
type createJobRequest struct {
	Count    int                `json:"count"`
	Username string             `json:"username"`
	Password string             `json:"password"`
	Priority models.JobPriority `json:"priority"`
}

func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 1 || req.Count > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be between 1 and 100"})
		return
	}
	if req.Priority < models.PriorityLow || req.Priority > models.PriorityHigh {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown priority"})
		return
	}

	job := models.NewJob(req.Count, req.Username, req.Password, req.Priority)
	if err := s.jobs.Enqueue(c.Request.Context(), job); err != nil {
		s.logger.Printf("enqueue job: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (s *Server) getJob(c *gin.Context) {
	jobID := c.Param("id")
	ctx := c.Request.Context()

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Printf("get job %s: %v", jobID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	status, err := s.jobs.GetStatus(ctx, jobID)
	if err != nil {
		s.logger.Printf("get status %s: %v", jobID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	result, err := s.jobs.GetResult(ctx, jobID)
	if err != nil {
		s.logger.Printf("get result %s: %v", jobID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}

	resp := gin.H{
		"job":    job,
		"status": status,
	}
	if result != nil {
		resp["result"] = result
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) poolStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.Stats())
}

func (s *Server) listWorkers(c *gin.Context) {
	workers, err := s.jobs.ListWorkerHealth(c.Request.Context())
	if err != nil {
		s.logger.Printf("list workers: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	if workers == nil {
		workers = []models.WorkerHealth{}
	}
	c.JSON(http.StatusOK, gin.H{
		"workers": workers,
		"count":   len(workers),
	})
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.jobs.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	pending, err := s.jobs.QueueLength(ctx)
	if err != nil {
		pending = -1
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"pending_jobs": pending,
		"version":      version.String(),
		"timestamp":    time.Now().Unix(),
	})
}

func (s *Server) version(c *gin.Context) {
	c.JSON(http.StatusOK, version.GetInfo())
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan models.StatusUpdate, 16),
	}
	s.hub.register(client)
	go client.writeLoop()

	// Drain reads so close frames and pings are processed; the feed
	// is one-way.
	go func() {
		defer s.hub.unregister(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

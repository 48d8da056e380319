// Package server exposes the HTTP surface: run submission, result retrieval,
// semantic memory inspection, routed context assembly, narrative digests,
// prometheus metrics, and a websocket stream of coordinator lifecycle events.
package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/internal/coordinator"
	"conductor/internal/logging"
	"conductor/internal/memory"
	"conductor/internal/plan"
)

// Runner executes validated plans. *coordinator.Coordinator satisfies it.
type Runner interface {
	Run(ctx context.Context, p *plan.Plan) (*coordinator.AggregatedResult, error)
}

// Memory bundles the memory surfaces the API exposes. Nil fields disable the
// corresponding endpoints.
type Memory struct {
	Semantic  *memory.Semantic
	Router    *memory.Router
	Narrative *memory.Narrative
}

// Config holds server settings.
type Config struct {
	Addr           string
	AllowedOrigins []string
	Debug          bool
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		AllowedOrigins: []string{"*"},
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
	}
}

type runStatus string

const (
	runStatusRunning   runStatus = "running"
	runStatusCompleted runStatus = "completed"
	runStatusFailed    runStatus = "failed"
)

type runRecord struct {
	ID          string                        `json:"id"`
	Intent      string                        `json:"intent"`
	Status      runStatus                     `json:"status"`
	Error       string                        `json:"error,omitempty"`
	Result      *coordinator.AggregatedResult `json:"result,omitempty"`
	SubmittedAt time.Time                     `json:"submitted_at"`
}

// Server is the HTTP front end. Runs execute asynchronously; clients poll the
// run resource or follow the websocket stream.
type Server struct {
	cfg    Config
	runner Runner
	mem    Memory
	hub    *Hub
	logger logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu   sync.RWMutex
	runs map[string]*runRecord
}

func New(cfg Config, runner Runner, mem Memory, hub *Hub, logger logging.Logger) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:    cfg,
		runner: runner,
		mem:    mem,
		hub:    hub,
		logger: logging.OrNop(logger),
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		runs: make(map[string]*runRecord),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/ws", s.handleWebSocket)

	api := s.engine.Group("/api")
	api.POST("/runs", s.handleSubmitRun)
	api.GET("/runs", s.handleListRuns)
	api.GET("/runs/:id", s.handleGetRun)
	api.GET("/memory/:owner", s.handleSearchMemory)
	api.GET("/context/:owner", s.handleRouteContext)
	api.GET("/narrative/:owner", s.handleListNarrative)
	api.POST("/narrative/:owner", s.handleGenerateNarrative)
}

// Handler exposes the configured engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("http server listening on %s", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ws_clients": s.hub.Clients()})
}

type submitRunRequest struct {
	Intent   string         `json:"intent"`
	Subtasks []plan.Subtask `json:"subtasks"`
}

// handleSubmitRun validates the plan synchronously (so malformed plans fail
// with 400 instead of a doomed run) and executes it in the background.
func (s *Server) handleSubmitRun(c *gin.Context) {
	var req submitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	p := &plan.Plan{Intent: req.Intent, Subtasks: req.Subtasks}
	if err := p.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record := &runRecord{
		ID:          uuid.NewString(),
		Intent:      req.Intent,
		Status:      runStatusRunning,
		SubmittedAt: time.Now(),
	}
	s.mu.Lock()
	s.runs[record.ID] = record
	s.mu.Unlock()

	go s.execute(record.ID, p)

	c.JSON(http.StatusAccepted, gin.H{"id": record.ID, "status": record.Status})
}

func (s *Server) execute(id string, p *plan.Plan) {
	result, err := s.runner.Run(context.Background(), p)

	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[id]
	if !ok {
		return
	}
	if err != nil {
		record.Status = runStatusFailed
		record.Error = err.Error()
		s.logger.Error("run %s failed: %v", id, err)
		return
	}
	record.Status = runStatusCompleted
	record.Result = result
}

func (s *Server) handleGetRun(c *gin.Context) {
	s.mu.RLock()
	record, ok := s.runs[c.Param("id")]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleListRuns(c *gin.Context) {
	s.mu.RLock()
	records := make([]*runRecord, 0, len(s.runs))
	for _, r := range s.runs {
		records = append(records, r)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].SubmittedAt.After(records[j].SubmittedAt)
	})
	c.JSON(http.StatusOK, gin.H{"runs": records})
}

func (s *Server) handleSearchMemory(c *gin.Context) {
	if s.mem.Semantic == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "semantic memory not configured"})
		return
	}

	opts := memory.SearchOptions{}
	if category := c.Query("category"); category != "" {
		opts.Categories = []memory.Category{memory.Category(category)}
	}

	scored, err := s.mem.Semantic.Search(c.Request.Context(), c.Param("owner"), c.Query("q"), opts)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": scored})
}

const defaultContextBudget = 2000

// handleRouteContext assembles prompt-ready context for an owner: routed
// semantic items plus narrative digests, fitted to the token budget.
func (s *Server) handleRouteContext(c *gin.Context) {
	if s.mem.Router == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "context router not configured"})
		return
	}

	budget := defaultContextBudget
	if raw := c.Query("budget"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "budget must be a positive integer"})
			return
		}
		budget = parsed
	}

	routed, err := s.mem.Router.Route(c.Request.Context(), c.Param("owner"), c.Query("q"), budget)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, routed)
}

func (s *Server) handleListNarrative(c *gin.Context) {
	if s.mem.Narrative == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "narrative memory not configured"})
		return
	}
	entries := s.mem.Narrative.Entries(c.Param("owner"), memory.Category(c.Query("category")))
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type generateNarrativeRequest struct {
	Title    string `json:"title"`
	Category string `json:"category"`
}

func (s *Server) handleGenerateNarrative(c *gin.Context) {
	if s.mem.Narrative == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "narrative memory not configured"})
		return
	}

	var req generateNarrativeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	entry, err := s.mem.Narrative.Generate(c.Request.Context(), c.Param("owner"), req.Title, memory.Category(req.Category))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// handleWebSocket upgrades the connection and streams coordinator events
// until the client goes away.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	client := s.hub.add(conn)
	go client.writeLoop()

	// Read loop exists only to observe the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.remove(client)
}

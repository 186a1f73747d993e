// Package server is an in-memory reference implementation of the remote
// task service. It backs the integration tests and the tasksync-server
// command.
package server

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"tasksync/internal/service"
)

// DefaultPageLimit and MaxPageLimit bound the pull page size.
const (
	DefaultPageLimit = 100
	MaxPageLimit     = 500
)

type record struct {
	task service.Task
	seq  int64 // change sequence of the last write
}

// Server holds the task set. Every write bumps a global change sequence;
// the pull cursor is the last sequence a client has seen and a task's
// revision token is the sequence of its last write.
type Server struct {
	mu     sync.Mutex
	tasks  map[string]*record
	seq    int64
	token  string
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock overrides the wall clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates an empty Server.
func New(opts ...Option) *Server {
	s := &Server{
		tasks:  make(map[string]*record),
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP router.
func (s *Server) Handler() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	s.RegisterRoutes(router)
	return router
}

// RegisterRoutes mounts the API on router.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/v1")
	if s.token != "" {
		v1.Use(s.handleAuth)
	}

	tasks := v1.Group("/tasks")
	tasks.GET("", s.handleList)
	tasks.GET("/:id", s.handleGet)
	tasks.POST("", s.handleCreate)
	tasks.PUT("/:id", s.handleUpdate)
	tasks.DELETE("/:id", s.handleDelete)
}

// Put stores a task directly, as if another client had written it, and
// returns the stored copy with its new revision.
func (s *Server) Put(t service.Task) service.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.RemoteID == "" {
		t.RemoteID = t.ID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = s.now().UTC()
	}
	return s.commit(t)
}

// Task returns a stored task, including tombstones.
func (s *Server) Task(id string) (service.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.tasks[id]
	if !ok {
		return service.Task{}, false
	}
	return r.task.Clone(), true
}

// Len returns the number of live (non-deleted) tasks.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.tasks {
		if !r.task.Deleted {
			n++
		}
	}
	return n
}

// commit stores t under a new sequence. Must be called with mu held.
func (s *Server) commit(t service.Task) service.Task {
	s.seq++
	t.RemoteRevision = strconv.FormatInt(s.seq, 10)
	t.LocalRevision = 0
	t.SyncError = ""
	s.tasks[t.ID] = &record{task: t.Clone(), seq: s.seq}
	return t
}

package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"tasksync/internal/codec"
	"tasksync/internal/service"
)

var (
	errInvalidRequestBody = errors.New("invalid request body")
	errTaskNotFound       = errors.New("task not found")
	errRevisionMismatch   = errors.New("revision mismatch")
	errTaskExists         = errors.New("task already exists")
)

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != s.token {
		s.logger.Warn().Str("path", c.FullPath()).Msg("unauthorized request")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Next()
}

func (s *Server) handleList(c *gin.Context) {
	var since int64
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			abort(c, http.StatusBadRequest, errors.New("invalid cursor"))
			return
		}
		since = n
	}

	limit := DefaultPageLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			abort(c, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = min(n, MaxPageLimit)
	}

	s.mu.Lock()
	changed := make([]*record, 0, len(s.tasks))
	for _, r := range s.tasks {
		if r.seq > since {
			changed = append(changed, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return changed[i].seq < changed[j].seq })

	hasMore := len(changed) > limit
	if hasMore {
		changed = changed[:limit]
	}

	next := c.Query("since")
	tasks := make([]service.Task, 0, len(changed))
	for _, r := range changed {
		tasks = append(tasks, r.task.Clone())
		next = strconv.FormatInt(r.seq, 10)
	}

	data, err := codec.EncodePage(tasks, next, hasMore)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode page")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) handleGet(c *gin.Context) {
	s.mu.Lock()
	r, ok := s.tasks[c.Param("id")]
	var t service.Task
	if ok {
		t = r.task.Clone()
	}
	s.mu.Unlock()

	if !ok || t.Deleted {
		abort(c, http.StatusNotFound, errTaskNotFound)
		return
	}
	s.writeTask(c, http.StatusOK, t)
}

func (s *Server) handleCreate(c *gin.Context) {
	rt, ok := s.bindTask(c)
	if !ok {
		return
	}
	id := rt.Task.ID

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, found := s.tasks[id]; found {
		// A replayed create (same idempotency key) applies its body to the
		// task it created the first time.
		if existing.task.Deleted || c.GetHeader("Idempotency-Key") != id {
			abort(c, http.StatusConflict, errTaskExists)
			return
		}
		t := s.apply(existing.task, rt)
		s.logger.Debug().Str("task_id", id).Msg("replayed create")
		s.writeTask(c, http.StatusOK, s.commit(t))
		return
	}

	t := service.Overlay(service.Task{ID: id}, rt)
	t.RemoteID = id
	t.Deleted = false
	if !t.Priority.Valid() {
		t.Priority = service.PriorityMedium
	}
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}

	s.logger.Debug().Str("task_id", id).Msg("created task")
	s.writeTask(c, http.StatusCreated, s.commit(t))
}

func (s *Server) handleUpdate(c *gin.Context) {
	rt, ok := s.bindTask(c)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found := s.tasks[c.Param("id")]
	if !found || existing.task.Deleted {
		abort(c, http.StatusNotFound, errTaskNotFound)
		return
	}
	if !s.preconditionHolds(c, existing) {
		abort(c, http.StatusPreconditionFailed, errRevisionMismatch)
		return
	}

	t := s.apply(existing.task, rt)
	s.writeTask(c, http.StatusOK, s.commit(t))
}

func (s *Server) handleDelete(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found := s.tasks[c.Param("id")]
	if !found || existing.task.Deleted {
		abort(c, http.StatusNotFound, errTaskNotFound)
		return
	}
	if !s.preconditionHolds(c, existing) {
		abort(c, http.StatusPreconditionFailed, errRevisionMismatch)
		return
	}

	t := existing.task.Clone()
	t.Deleted = true
	t.UpdatedAt = s.now().UTC()
	s.logger.Debug().Str("task_id", t.ID).Msg("deleted task")
	s.writeTask(c, http.StatusOK, s.commit(t))
}

// apply overlays a client document onto a stored task. Identity is fixed.
func (s *Server) apply(stored service.Task, rt service.RemoteTask) service.Task {
	t := service.Overlay(stored, rt)
	t.ID = stored.ID
	t.RemoteID = stored.RemoteID
	t.CreatedAt = stored.CreatedAt
	t.Deleted = false
	if !rt.Present.Has(service.FieldUpdatedAt) || t.UpdatedAt.IsZero() {
		t.UpdatedAt = s.now().UTC()
	}
	return t
}

func (s *Server) preconditionHolds(c *gin.Context, r *record) bool {
	want := strings.Trim(c.GetHeader("If-Match"), `"`)
	return want == "" || want == "*" || want == r.task.RemoteRevision
}

func (s *Server) bindTask(c *gin.Context) (service.RemoteTask, bool) {
	body, err := c.GetRawData()
	if err != nil {
		abort(c, http.StatusBadRequest, errInvalidRequestBody)
		return service.RemoteTask{}, false
	}
	rt, err := codec.DecodeRemote(body)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejected task document")
		abort(c, http.StatusBadRequest, err)
		return service.RemoteTask{}, false
	}
	if id := c.Param("id"); id != "" && rt.Task.ID != id && rt.Task.RemoteID != id {
		abort(c, http.StatusBadRequest, errors.New("id does not match path"))
		return service.RemoteTask{}, false
	}
	if rt.Present.Has(service.FieldTitle) && strings.TrimSpace(rt.Task.Title) == "" {
		abort(c, http.StatusUnprocessableEntity, errors.New("title must not be empty"))
		return service.RemoteTask{}, false
	}
	return rt, true
}

func (s *Server) writeTask(c *gin.Context, status int, t service.Task) {
	data, err := codec.Encode(t)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", t.ID).Msg("failed to encode task")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json", data)
}

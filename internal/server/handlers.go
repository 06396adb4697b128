package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"nova/internal/archive"
	"nova/internal/domain/conversation"
	"nova/internal/domain/task"
	"nova/internal/errors"
	"nova/internal/executor"
	"nova/internal/memory"
)

func (s *Server) handleCreateSession(c *gin.Context) {
	var body struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	now := time.Now()
	sess := conversation.Session{
		ID:             uuid.NewString(),
		Title:          body.Title,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.hub.Archive().CreateSession(c.Request.Context(), sess); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId":      sess.ID,
		"title":          sess.Title,
		"createdAt":      sess.CreatedAt,
		"lastActivityAt": sess.LastActivityAt,
		"messageCount":   0,
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.hub.Archive().ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []conversation.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.hub.Archive().GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(c *gin.Context) {
	var body struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	if err := s.hub.Archive().UpdateTitle(c.Request.Context(), c.Param("id"), body.Title); err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if err := s.hub.Archive().DeleteSession(ctx, id); err != nil {
		s.sessionError(c, err)
		return
	}
	if err := s.hub.Session(id).Clear(ctx); err != nil {
		s.logger.Warn("clearing session %s state failed: %v", id, err)
	}
	s.hub.Drop(id)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// requireSession resolves the session id or answers 400.
func (s *Server) requireSession(c *gin.Context) (string, bool) {
	id := sessionID(c)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing session id"})
		return "", false
	}
	return id, true
}

// collectEmitter buffers the executor output for the synchronous chat
// endpoint.
type collectEmitter struct {
	response   string
	checkpoint *task.Task
	errMsg     string
}

func (e *collectEmitter) Status(string)                       {}
func (e *collectEmitter) Chunk(string)                        {}
func (e *collectEmitter) ToolUse([]string)                    {}
func (e *collectEmitter) PlanCreated(int, int, string)        {}
func (e *collectEmitter) TaskProgress(string, string)         {}
func (e *collectEmitter) TaskCompleted(string, string, string) {}
func (e *collectEmitter) TaskFailed(string, string, bool)     {}

func (e *collectEmitter) Checkpoint(message string, t *task.Task) {
	e.checkpoint = t
	e.response = message
}
func (e *collectEmitter) Complete(response string) { e.response = response }
func (e *collectEmitter) Error(errMsg string)      { e.errMsg = errMsg }

func (s *Server) handleChat(c *gin.Context) {
	id, ok := s.requireSession(c)
	if !ok {
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	em := &collectEmitter{}
	if err := s.hub.Session(id).HandleMessage(c.Request.Context(), body.Message, nil, em); err != nil {
		if err == executor.ErrBusy {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session is busy"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if em.errMsg != "" && em.response == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": em.errMsg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": em.response})
}

func (s *Server) handleHistory(c *gin.Context) {
	id, ok := s.requireSession(c)
	if !ok {
		return
	}
	limit := 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	messages, err := s.hub.Archive().Messages(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = []conversation.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) handleClear(c *gin.Context) {
	id, ok := s.requireSession(c)
	if !ok {
		return
	}
	if err := s.hub.Session(id).Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	id, ok := s.requireSession(c)
	if !ok {
		return
	}
	session := s.hub.Session(id)
	sc, err := session.Orchestrator().SessionContext(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"coordinator":    session.Coordinator().Metrics(),
		"circuitBreaker": s.gateway.BreakerMetrics(),
		"board":          sc,
	})
}

func (s *Server) handleSync(c *gin.Context) {
	id, ok := s.requireSession(c)
	if !ok {
		return
	}
	if err := s.hub.Session(id).Coordinator().Flush(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleMemorySearch(c *gin.Context) {
	id, ok := s.requireSession(c)
	if !ok {
		return
	}
	var body struct {
		Query string `json:"query"`
		TopK  int    `json:"topK"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	if body.TopK <= 0 {
		body.TopK = 5
	}

	results, err := s.hub.Session(id).Memory().Search(c.Request.Context(), body.Query, body.TopK, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if results == nil {
		results = []memory.SearchHit{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleMemoryStats(c *gin.Context) {
	id, ok := s.requireSession(c)
	if !ok {
		return
	}
	stm, ltm := s.hub.Session(id).Memory().Stats()
	c.JSON(http.StatusOK, gin.H{
		"sessionMemories":  stm,
		"longTermMemories": ltm,
		"totalMemories":    stm + ltm,
	})
}

func (s *Server) handleMemorySummarize(c *gin.Context) {
	id, ok := s.requireSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	messages, err := s.hub.Archive().Messages(ctx, id, 10)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	mem := s.hub.Session(id).Memory()
	summary, err := mem.SummarizeConversation(ctx, messages)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	topics, err := mem.ExtractTopics(ctx, summary)
	if err != nil {
		topics = nil
	}
	if topics == nil {
		topics = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary, "topics": topics})
}

func (s *Server) handleTasksStatus(c *gin.Context) {
	id, ok := s.requireSession(c)
	if !ok {
		return
	}
	sc, err := s.hub.Session(id).Orchestrator().SessionContext(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (s *Server) handleTasksResume(c *gin.Context) {
	id, ok := s.requireSession(c)
	if !ok {
		return
	}
	var body struct {
		Feedback string `json:"feedback"`
		Approved *bool  `json:"approved"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	approved := body.Approved == nil || *body.Approved

	em := &collectEmitter{}
	result, err := s.hub.Session(id).ResumeCheckpoint(c.Request.Context(), body.Feedback, approved, em)
	if err != nil {
		if err == executor.ErrBusy {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session is busy"})
			return
		}
		if errors.Is(err, errors.KindLogic) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleTasksAbandon(c *gin.Context) {
	id, ok := s.requireSession(c)
	if !ok {
		return
	}
	if err := s.hub.Session(id).Orchestrator().Abandon(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) sessionError(c *gin.Context, err error) {
	if err == archive.ErrSessionNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nova/internal/domain/task"
	"nova/internal/executor"
	"nova/internal/llm"
	"nova/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the CORS layer; the upgrade accepts all.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is the envelope of every client -> server message.
type clientFrame struct {
	Type     string      `json:"type"`
	Content  string      `json:"content,omitempty"`
	Files    []frameFile `json:"files,omitempty"`
	Feedback string      `json:"feedback,omitempty"`
	Approved *bool       `json:"approved,omitempty"`
}

type frameFile struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
	Name     string `json:"name,omitempty"`
}

// wsConn serialises frame writes to one websocket.
type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	logger logging.Logger
}

func (w *wsConn) send(frame any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteJSON(frame); err != nil {
		w.logger.Debug("websocket write failed: %v", err)
	}
}

func (w *wsConn) sendError(msg string) {
	w.send(gin.H{"type": "error", "error": msg})
}

// wsEmitter adapts the websocket to the executor's output contract.
type wsEmitter struct {
	conn *wsConn
}

func (e *wsEmitter) Status(message string) {
	e.conn.send(gin.H{"type": "status", "message": message})
}

func (e *wsEmitter) Chunk(content string) {
	e.conn.send(gin.H{"type": "chunk", "content": content})
}

func (e *wsEmitter) ToolUse(names []string) {
	e.conn.send(gin.H{"type": "tool_use", "tools": names})
}

func (e *wsEmitter) PlanCreated(taskCount, checkpoints int, summary string) {
	e.conn.send(gin.H{"type": "plan_created", "taskCount": taskCount, "checkpoints": checkpoints, "summary": summary})
}

func (e *wsEmitter) TaskProgress(message, taskID string) {
	e.conn.send(gin.H{"type": "task_progress", "message": message, "taskId": taskID})
}

func (e *wsEmitter) TaskCompleted(taskID, taskName, preview string) {
	e.conn.send(gin.H{"type": "task_completed", "taskId": taskID, "taskName": taskName, "preview": preview})
}

func (e *wsEmitter) TaskFailed(taskID, errMsg string, willRetry bool) {
	e.conn.send(gin.H{"type": "task_failed", "taskId": taskID, "error": errMsg, "willRetry": willRetry})
}

func (e *wsEmitter) Checkpoint(message string, checkpointTask *task.Task) {
	e.conn.send(gin.H{"type": "checkpoint", "message": message, "task": checkpointTask})
}

func (e *wsEmitter) Complete(response string) {
	e.conn.send(gin.H{"type": "complete", "response": response})
}

func (e *wsEmitter) Error(errMsg string) {
	e.conn.sendError(errMsg)
}

// handleWebSocket runs the interactive chat channel. Malformed frames answer
// with an error frame; the connection stays open.
func (s *Server) handleWebSocket(c *gin.Context) {
	id := sessionID(c)
	if id == "" {
		id = uuid.NewString()
	}

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	conn := &wsConn{conn: raw, logger: s.logger}
	defer func() { _ = raw.Close() }()

	session := s.hub.Session(id)
	emitter := &wsEmitter{conn: conn}
	ctx := context.Background()

	if sc, err := session.Orchestrator().SessionContext(ctx); err == nil {
		conn.send(gin.H{"type": "session_context", "context": sc, "sessionId": id})
	}

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			// The executor keeps running any in-flight turn; board and
			// message persistence are authoritative across reconnects.
			s.logger.Debug("websocket closed for session %s: %v", id, err)
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			conn.sendError("invalid JSON frame")
			continue
		}

		switch frame.Type {
		case "user_message":
			if frame.Content == "" {
				conn.sendError("user_message requires content")
				continue
			}
			s.dispatchMessage(ctx, session, frame, emitter, conn)

		case "checkpoint_response":
			approved := frame.Approved == nil || *frame.Approved
			if _, err := session.ResumeCheckpoint(ctx, frame.Feedback, approved, emitter); err != nil {
				if err == executor.ErrBusy {
					conn.sendError("still working on your previous message")
					continue
				}
				conn.sendError(err.Error())
			}

		case "abandon_task":
			if err := session.Orchestrator().Abandon(ctx); err != nil {
				conn.sendError(err.Error())
				continue
			}
			conn.send(gin.H{"type": "status", "message": "Task abandoned."})

		case "get_status":
			sc, err := session.Orchestrator().SessionContext(ctx)
			if err != nil {
				conn.sendError(err.Error())
				continue
			}
			conn.send(gin.H{"type": "session_context", "context": sc, "sessionId": id})

		default:
			conn.sendError("unknown message type: " + frame.Type)
		}
	}
}

func (s *Server) dispatchMessage(ctx context.Context, session *executor.Session, frame clientFrame, emitter *wsEmitter, conn *wsConn) {
	files := make([]llm.FileRef, 0, len(frame.Files))
	for _, f := range frame.Files {
		files = append(files, llm.FileRef{Data: f.Data, MimeType: f.MimeType, Name: f.Name})
	}

	if err := session.HandleMessage(ctx, frame.Content, files, emitter); err != nil {
		if err == executor.ErrBusy {
			conn.sendError("still working on your previous message")
			return
		}
		s.logger.Error("turn failed for session %s: %v", session.ID(), err)
		conn.sendError(err.Error())
	}
}

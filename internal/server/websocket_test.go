package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nova/internal/domain/conversation"
	"nova/internal/domain/task"
	"nova/internal/llm"
)

func dialWebSocket(t *testing.T, s *Server, sessionID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.engine)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readFrames collects server frames until one of the given type arrives.
func readFrames(t *testing.T, conn *websocket.Conn, until string) []map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frames []map[string]any
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read (after %d frames, waiting for %q): %v", len(frames), until, err)
		}
		frames = append(frames, frame)
		if frame["type"] == until {
			return frames
		}
	}
}

func frameTypes(frames []map[string]any) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i], _ = f["type"].(string)
	}
	return out
}

func TestWebSocketSessionContextOnConnect(t *testing.T) {
	s := newTestServer(t, Config{})
	conn := dialWebSocket(t, s, "ws-ctx")

	frames := readFrames(t, conn, "session_context")
	if len(frames) != 1 || frames[0]["sessionId"] != "ws-ctx" {
		t.Fatalf("first frames = %v", frames)
	}
}

func TestWebSocketInvalidFrameKeepsChannelOpen(t *testing.T) {
	s := newTestServer(t, Config{})
	conn := dialWebSocket(t, s, "ws-bad")
	readFrames(t, conn, "session_context")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames := readFrames(t, conn, "error")
	if last := frames[len(frames)-1]; last["error"] != "invalid JSON frame" {
		t.Fatalf("error frame = %v", last)
	}

	// The channel survives: a valid frame still gets an answer.
	if err := conn.WriteJSON(map[string]any{"type": "get_status"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrames(t, conn, "session_context")
}

func TestWebSocketCheckpointResponse(t *testing.T) {
	s := newTestServer(t, Config{}, llm.MockResponse{Text: "TASK COMPLETE: reviewed and shipped"})
	ctx := context.Background()

	// Materialise the session, then pause its board at a checkpoint with one
	// work task left.
	_ = s.hub.Session("ws-cp")
	board := &task.Board{
		ID: "b1", SessionID: "ws-cp", Objective: "ship the report",
		Tasks: []*task.Task{
			{
				ID: "cp", Name: "cp", Type: task.TypeCheckpoint,
				Status: task.StatusCheckpoint, CheckpointMessage: "Approve?",
			},
			{
				ID: "w", Name: "wrap up", Type: task.TypeWork,
				WorkerRole: task.RoleWriter, Instruction: "finish", Status: task.StatusPending, MaxRetries: 2,
			},
		},
		Globals: map[string]string{}, Status: task.BoardPaused,
	}
	if err := s.hub.boards.Save(ctx, board); err != nil {
		t.Fatalf("seed board: %v", err)
	}

	conn := dialWebSocket(t, s, "ws-cp")
	readFrames(t, conn, "session_context")

	if err := conn.WriteJSON(map[string]any{
		"type": "checkpoint_response", "approved": true, "feedback": "ship it",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	frames := readFrames(t, conn, "complete")
	types := frameTypes(frames)

	// Board events stream over the socket while the resumed run executes.
	sawStatus, sawTaskCompleted := false, false
	for i, typ := range types {
		switch typ {
		case "status":
			if msg, _ := frames[i]["message"].(string); strings.Contains(msg, "wrap up") {
				sawStatus = true
			}
		case "task_completed":
			sawTaskCompleted = true
		}
	}
	if !sawStatus || !sawTaskCompleted {
		t.Fatalf("frames = %v, want task events before complete", types)
	}

	final, _ := frames[len(frames)-1]["response"].(string)
	if !strings.Contains(final, "reviewed and shipped") {
		t.Fatalf("complete response = %q", final)
	}

	// The final output is persisted like any other model reply.
	msgs, err := s.hub.log.Replay(ctx, "ws-cp", 0)
	if err != nil || len(msgs) == 0 {
		t.Fatalf("Replay = %v, %v", msgs, err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != conversation.RoleModel || !strings.Contains(last.Text(), "reviewed and shipped") {
		t.Fatalf("last persisted message = %+v", last)
	}
}

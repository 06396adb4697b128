package server

import (
	"context"
	"sync"

	"nova/internal/archive"
	"nova/internal/coordinator"
	"nova/internal/durable"
	"nova/internal/executor"
	"nova/internal/llm"
	"nova/internal/memory"
	"nova/internal/orchestrator"
	"nova/internal/planner"
	"nova/internal/recall"
	"nova/internal/tools"
	"nova/internal/worker"
)

// Hub creates and caches the per-session execution stack. Shared pieces (the
// gateway, the archive, the durable log, the recall index, the planner and
// the worker) are wired once; everything session-scoped is built on first
// touch and reused afterwards.
type Hub struct {
	gateway      *llm.Gateway
	archive      archive.Store
	log          durable.Log
	index        recall.Index
	planner      *planner.Planner
	worker       *worker.Worker
	boards       orchestrator.BoardStorage
	memoryCfg    memory.Config
	executorCfg  executor.Config
	coordCfg     coordinator.Config
	orchestrator orchestrator.Config

	mu       sync.Mutex
	sessions map[string]*executor.Session
}

// HubConfig carries the shared dependencies and per-session tunables.
type HubConfig struct {
	Gateway      *llm.Gateway
	Archive      archive.Store
	Log          durable.Log
	Index        recall.Index
	Planner      *planner.Planner
	Worker       *worker.Worker
	Memory       memory.Config
	Executor     executor.Config
	Coordinator  coordinator.Config
	Orchestrator orchestrator.Config
}

// NewHub builds the session hub.
func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		gateway:      cfg.Gateway,
		archive:      cfg.Archive,
		log:          cfg.Log,
		index:        cfg.Index,
		planner:      cfg.Planner,
		worker:       cfg.Worker,
		boards:       orchestrator.NewDurableBoardStorage(cfg.Log),
		memoryCfg:    cfg.Memory,
		executorCfg:  cfg.Executor,
		coordCfg:     cfg.Coordinator,
		orchestrator: cfg.Orchestrator,
		sessions:     make(map[string]*executor.Session),
	}
}

// Archive exposes the session store for the CRUD surface.
func (h *Hub) Archive() archive.Store { return h.archive }

// Session returns the executor for a session id, building it on first use.
func (h *Hub) Session(sessionID string) *executor.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[sessionID]; ok {
		return s
	}

	mem := memory.NewManager(sessionID, h.index, h.gateway, h.memoryCfg)
	coord := coordinator.New(h.coordCfg, []coordinator.Layer{
		coordinator.NewDurableLayer(h.log),
		coordinator.NewArchiveLayer(h.archive),
		coordinator.NewMemoryLayer(mem),
	})
	orch := orchestrator.New(sessionID, h.planner, h.worker, h.boards, h.orchestrator)

	registry := tools.NewRegistry()
	_ = registry.Register(tools.NewMemorySearch(mem))
	_ = registry.Register(tools.NewWebFetch(nil))

	s := executor.NewSession(sessionID, h.gateway, coord, mem, h.planner, orch, registry, h.log, h.executorCfg)
	h.sessions[sessionID] = s
	return s
}

// Drop forgets a session's in-process state after its data is deleted.
func (h *Hub) Drop(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

// Close flushes every session's write queue.
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	sessions := make([]*executor.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		_ = s.Coordinator().Close(ctx)
	}
}

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"nova/internal/domain/task"
	"nova/internal/durable"
)

// BoardStorage persists task boards. Load returns (nil, nil) when the session
// has no stored board.
type BoardStorage interface {
	Load(ctx context.Context, sessionID string) (*task.Board, error)
	Save(ctx context.Context, board *task.Board) error
	Delete(ctx context.Context, sessionID string) error
}

// DurableBoardStorage keeps the board as JSON in the durable log's state
// space, so a crash never loses more than the in-flight transition.
type DurableBoardStorage struct {
	log durable.Log
}

func NewDurableBoardStorage(log durable.Log) *DurableBoardStorage {
	return &DurableBoardStorage{log: log}
}

func (s *DurableBoardStorage) Load(ctx context.Context, sessionID string) (*task.Board, error) {
	data, err := s.log.GetState(ctx, sessionID, durable.BoardStateKey(sessionID))
	if err != nil {
		if err == durable.ErrStateNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load board: %w", err)
	}
	var board task.Board
	if err := json.Unmarshal(data, &board); err != nil {
		return nil, fmt.Errorf("decode board: %w", err)
	}
	return &board, nil
}

func (s *DurableBoardStorage) Save(ctx context.Context, board *task.Board) error {
	data, err := json.Marshal(board)
	if err != nil {
		return fmt.Errorf("encode board: %w", err)
	}
	if err := s.log.PutState(ctx, board.SessionID, durable.BoardStateKey(board.SessionID), data); err != nil {
		return fmt.Errorf("save board: %w", err)
	}
	return nil
}

func (s *DurableBoardStorage) Delete(ctx context.Context, sessionID string) error {
	if err := s.log.DeleteState(ctx, sessionID, durable.BoardStateKey(sessionID)); err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	return nil
}

// MemoryBoardStorage is the in-process variant used by tests.
type MemoryBoardStorage struct {
	mu     sync.Mutex
	boards map[string][]byte
}

func NewMemoryBoardStorage() *MemoryBoardStorage {
	return &MemoryBoardStorage{boards: make(map[string][]byte)}
}

func (s *MemoryBoardStorage) Load(ctx context.Context, sessionID string) (*task.Board, error) {
	s.mu.Lock()
	data, ok := s.boards[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var board task.Board
	if err := json.Unmarshal(data, &board); err != nil {
		return nil, err
	}
	return &board, nil
}

func (s *MemoryBoardStorage) Save(ctx context.Context, board *task.Board) error {
	data, err := json.Marshal(board)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.boards[board.SessionID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryBoardStorage) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.boards, sessionID)
	s.mu.Unlock()
	return nil
}

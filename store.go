package vigil

import (
	"context"
	"sync"
)

// Store persists engine state: a bounded, newest-first history list per key
// (detected anomalies) and named state blobs (model checkpoints, analysis
// reports). Entries are opaque JSON-serialized bytes.
//
// Store failures are always local-recoverable: the detector logs them and
// continues.
type Store interface {
	// AppendHistory pushes an entry to the front of the named list and trims
	// it to limit entries.
	AppendHistory(ctx context.Context, key string, entry []byte, limit int) error

	// History returns up to limit entries, newest first. limit <= 0 returns
	// all entries.
	History(ctx context.Context, key string, limit int) ([][]byte, error)

	// PutState stores a named blob, replacing any previous value.
	PutState(ctx context.Context, key string, data []byte) error

	// GetState returns a named blob, or ErrKeyNotFound.
	GetState(ctx context.Context, key string) ([]byte, error)

	// Close releases any resources.
	Close() error
}

// Well-known store keys.
const (
	historyKeyAnomalies = "anomalies:detected"
	stateKeyModels      = "anomaly:model_states"
	stateKeyAnalysis    = "anomaly:deep_analysis"
	stateKeyInsights    = "anomaly:pattern_insights"
)

// Ensure interfaces are implemented.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*S3Store)(nil)
)

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[string][][]byte
	state   map[string][]byte
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		history: make(map[string][][]byte),
		state:   make(map[string][]byte),
	}
}

// AppendHistory implements Store.
func (s *MemoryStore) AppendHistory(ctx context.Context, key string, entry []byte, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	buf := make([]byte, len(entry))
	copy(buf, entry)
	list := append([][]byte{buf}, s.history[key]...)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	s.history[key] = list
	return nil
}

// History implements Store.
func (s *MemoryStore) History(ctx context.Context, key string, limit int) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	list := s.history[key]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([][]byte, len(list))
	for i, e := range list {
		buf := make([]byte, len(e))
		copy(buf, e)
		out[i] = buf
	}
	return out, nil
}

// PutState implements Store.
func (s *MemoryStore) PutState(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.state[key] = buf
	return nil
}

// GetState implements Store.
func (s *MemoryStore) GetState(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	data, ok := s.state[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

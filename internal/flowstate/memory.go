package flowstate

import (
	"context"
	"sync"
	"time"
)

const janitorInterval = time.Minute

// MemoryStore is the default single-instance backend: a mutex-guarded map
// with lazy expiry on read plus a janitor sweep.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*State
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryStore starts the janitor goroutine; call Close to stop it.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*State),
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, st := range s.entries {
				if now.After(st.ExpiresAt) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[st.State] = st.clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, state string) (*State, error) {
	s.mu.RLock()
	st, ok := s.entries[state]
	s.mu.RUnlock()
	if !ok || time.Now().After(st.ExpiresAt) {
		return nil, ErrNotFound
	}
	return st.clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, state string, fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries[state]
	if !ok || time.Now().After(st.ExpiresAt) {
		return ErrNotFound
	}
	if st.Terminal() {
		return ErrTerminal
	}
	merged := st.clone()
	if err := fn(merged); err != nil {
		return err
	}
	s.entries[state] = merged
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, state)
	return nil
}

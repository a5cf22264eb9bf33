package history

import "sync"

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
}

func NewMemoryStore(limit int) *MemoryStore {
	limit = clampLimit(limit)
	return &MemoryStore{limit: limit}
}

func (s *MemoryStore) Add(e Entry) (Entry, error) {
	e = prepare(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = newestFirst(append([]Entry{e}, s.entries...), s.limit)
	return e, nil
}

func (s *MemoryStore) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

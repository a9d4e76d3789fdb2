package audit

import "sync"

// MemoryStore keeps the ledger in process memory. Used in tests and
// when the hub runs without a persistence path configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Append(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryStore) All() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemoryStore) Last() (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	last := s.entries[len(s.entries)-1]
	return &last, nil
}

func (s *MemoryStore) Close() error { return nil }

// Tamper overwrites an entry in place. Test hook for chain verification.
func (s *MemoryStore) Tamper(index int, mutate func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.entries[index])
}

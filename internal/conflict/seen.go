package conflict

import (
	"sync"

	"github.com/classtrack/sync-server/internal/record"
)

// seenKeys tracks which entity/key pairs an operation has already
// accepted, so a second batch touching the same key is classified as a
// concurrent update. Safe for use from parallel batches.
type seenKeys struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newSeenKeys() *seenKeys {
	return &seenKeys{keys: make(map[string]struct{})}
}

// add records the key and reports whether it was new.
func (s *seenKeys) add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

func seenKey(r *record.Record) string {
	return r.Entity + "/" + r.Key
}

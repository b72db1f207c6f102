// Package history persists chat messages in a local PebbleDB store so
// previously loaded chats can still render while the backend is
// unreachable. Keys are chatID || 0x00 || 8-byte big-endian sequence
// numbers increasing monotonically per chat.
package history

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/proceruss/enigmachat/internal/chat"
)

// Store implements chat.HistoryCache over a PebbleDB directory.
// A nil *Store is a disabled cache: every method no-ops.
type Store struct {
	db   *pebble.DB
	mu   sync.Mutex
	next map[string]uint64 // per-chat next sequence
}

// Open creates or opens the store at dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, next: make(map[string]uint64)}, nil
}

func chatPrefix(chatID string) []byte {
	p := make([]byte, 0, len(chatID)+1)
	p = append(p, chatID...)
	return append(p, 0)
}

func chatKey(chatID string, seq uint64) []byte {
	key := make([]byte, 0, len(chatID)+9)
	key = append(key, chatPrefix(chatID)...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// upperBound is the exclusive end of a chat's key range.
func upperBound(chatID string) []byte {
	p := chatPrefix(chatID)
	p[len(p)-1] = 1
	return p
}

// nextSeq discovers the next sequence for chatID, reading the last key
// on first use. Callers hold the lock.
func (s *Store) nextSeq(chatID string) (uint64, error) {
	if seq, ok := s.next[chatID]; ok {
		s.next[chatID] = seq + 1
		return seq, nil
	}
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: chatPrefix(chatID),
		UpperBound: upperBound(chatID),
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = it.Close() }()
	var seq uint64
	if it.Last() {
		key := it.Key()
		if len(key) >= 8 {
			seq = binary.BigEndian.Uint64(key[len(key)-8:]) + 1
		}
	}
	s.next[chatID] = seq + 1
	return seq, nil
}

// Append persists one message at the end of a chat's history.
func (s *Store) Append(chatID string, m chat.Message) error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.nextSeq(chatID)
	if err != nil {
		return err
	}
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Set(chatKey(chatID, seq), val, pebble.Sync)
}

// Replace swaps a chat's cached history for msgs.
func (s *Store) Replace(chatID string, msgs []chat.Message) error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteRange(chatPrefix(chatID), upperBound(chatID), pebble.Sync); err != nil {
		return err
	}
	delete(s.next, chatID)
	for _, m := range msgs {
		seq, err := s.nextSeq(chatID)
		if err != nil {
			return err
		}
		val, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := s.db.Set(chatKey(chatID, seq), val, pebble.NoSync); err != nil {
			return err
		}
	}
	return s.db.Flush()
}

// LoadRecent loads the most recent limit messages for chatID in append
// order. limit <= 0 loads everything.
func (s *Store) LoadRecent(chatID string, limit int) ([]chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: chatPrefix(chatID),
		UpperBound: upperBound(chatID),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	out := make([]chat.Message, 0, 64)
	for it.First(); it.Valid(); it.Next() {
		var m chat.Message
		if err := json.Unmarshal(it.Value(), &m); err == nil {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Clear drops a chat's cached history.
func (s *Store) Clear(chatID string) error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.next, chatID)
	return s.db.DeleteRange(chatPrefix(chatID), upperBound(chatID), pebble.Sync)
}

// Close flushes and closes the underlying store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Package transcript keeps a local copy of the chat lines rendered per room.
package transcript

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"

	"github.com/gosuda/roomchat/chat"
)

// Store persists chat lines in PebbleDB. Keys are the room name, a zero
// byte, then an 8-byte big-endian sequence number shared by all rooms.
type Store struct {
	db   *pebble.DB
	mu   sync.Mutex
	next uint64
}

var ErrInvalidRoom = errors.New("transcript: room name contains a zero byte")

type record struct {
	TS       time.Time `json:"ts"`
	Username string    `json:"username"`
	Message  string    `json:"message"`
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	s := &Store{db: db}

	// Resume after the highest sequence of any room.
	it, err := db.NewIter(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	defer func() { _ = it.Close() }()
	for it.First(); it.Valid(); it.Next() {
		if seq, ok := sequenceOf(it.Key()); ok && seq >= s.next {
			s.next = seq + 1
		}
	}
	return s, nil
}

func (s *Store) Append(room string, m chat.ChatMessage) error {
	if strings.IndexByte(room, 0) >= 0 {
		return fmt.Errorf("room %q: %w", room, ErrInvalidRoom)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	val, err := json.Marshal(record{TS: time.Now().UTC(), Username: m.Username, Message: m.Message})
	if err != nil {
		return err
	}
	if err := s.db.Set(key(room, s.next), val, pebble.Sync); err != nil {
		return fmt.Errorf("append to %q: %w", room, err)
	}
	s.next++
	return nil
}

// Recent returns the last limit messages of room, oldest first. A limit
// of zero or less returns the whole room.
func (s *Store) Recent(room string, limit int) ([]chat.ChatMessage, error) {
	lower := prefix(room)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(lower)})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var out []chat.ChatMessage
	for it.Last(); it.Valid(); it.Prev() {
		if limit > 0 && len(out) == limit {
			break
		}
		var r record
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			continue
		}
		out = append(out, chat.ChatMessage{Username: r.Username, Message: r.Message})
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func prefix(room string) []byte {
	p := make([]byte, 0, len(room)+1)
	p = append(p, room...)
	return append(p, 0)
}

// prefixEnd returns the first key after every key starting with p. p always
// ends in a zero byte, so bumping it to one is enough.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	end[len(end)-1] = 1
	return end
}

func key(room string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(prefix(room), seq)
}

func sequenceOf(k []byte) (uint64, bool) {
	if len(k) < 9 || k[len(k)-9] != 0 {
		return 0, false
	}
	return binary.BigEndian.Uint64(k[len(k)-8:]), true
}

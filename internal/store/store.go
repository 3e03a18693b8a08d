// Package store holds the in-memory document store backing a raijin node:
// an etag-ordered document log, the subscription query matcher, and the
// durable subscription state registry.
package store

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValerySidorin/raijin"
	"github.com/google/uuid"
)

var (
	ErrDocNotFound  = errors.New("document not found")
	ErrInvalidDocID = errors.New("invalid document id")
)

// Doc is one stored document version. Docs are immutable once returned;
// a put replaces the stored pointer.
type Doc struct {
	ID           string
	Collection   string
	Data         []byte
	Etag         uint64
	ChangeVector string
	ModifiedAt   time.Time
}

type logEntry struct {
	etag uint64
	id   string
}

// Store is the in-memory document store. Delivery order for subscriptions
// is ascending etag: insertion/modification order of matching documents.
type Store struct {
	mu         sync.RWMutex
	docs       map[string]*Doc
	log        []logEntry
	etag       uint64
	tombstones int64
	id         string
	watch      chan struct{}
}

func New() *Store {
	return &Store{
		docs:  make(map[string]*Doc),
		id:    strings.ReplaceAll(uuid.NewString(), "-", ""),
		watch: make(chan struct{}),
	}
}

// Put stores a document version under id, assigning a fresh etag for
// inserts and updates alike.
func (s *Store) Put(id, collection string, data []byte) (*Doc, error) {
	if id == "" {
		return nil, ErrInvalidDocID
	}
	if collection == "" {
		return nil, fmt.Errorf("put %s: collection required", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.etag++
	d := &Doc{
		ID:           id,
		Collection:   collection,
		Data:         append([]byte(nil), data...),
		Etag:         s.etag,
		ChangeVector: s.changeVector(s.etag),
		ModifiedAt:   time.Now().UTC(),
	}
	s.docs[id] = d
	s.log = append(s.log, logEntry{etag: s.etag, id: id})
	s.notifyLocked()
	return d, nil
}

func (s *Store) Get(id string) (*Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrDocNotFound)
	}
	return d, nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrDocNotFound)
	}
	delete(s.docs, id)
	s.tombstones++
	s.etag++
	s.notifyLocked()
	return nil
}

// Scan walks the log past the after position and collects up to max
// documents matching q, in etag order. Superseded and deleted versions are
// skipped. The returned last position covers every consumed entry, matching
// or not, so an acknowledgment of it also consumes the filtered-out tail.
func (s *Store) Scan(q *Query, after uint64, max int) (docs []*Doc, last uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last = after
	i := sort.Search(len(s.log), func(i int) bool { return s.log[i].etag > after })
	for ; i < len(s.log); i++ {
		e := s.log[i]
		d, ok := s.docs[e.id]
		if !ok || d.Etag != e.etag {
			last = e.etag
			continue
		}
		if !q.Match(d) {
			last = e.etag
			continue
		}
		docs = append(docs, d)
		last = e.etag
		if len(docs) == max {
			break
		}
	}
	return docs, last
}

// Watch returns a channel closed on the next mutation. Callers re-arm by
// calling Watch again after a wake-up.
func (s *Store) Watch() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watch
}

func (s *Store) notifyLocked() {
	close(s.watch)
	s.watch = make(chan struct{})
}

func (s *Store) Stats(subscriptions int64) raijin.DatabaseStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return raijin.DatabaseStatistics{
		LastDocEtag:          s.etag,
		CountOfDocuments:     int64(len(s.docs)),
		CountOfTombstones:    s.tombstones,
		CountOfSubscriptions: subscriptions,
		DatabaseChangeVector: s.changeVector(s.etag),
		DatabaseID:           s.id,
		Is64Bit:              bits.UintSize == 64,
	}
}

// ChangeVector renders an etag position as an opaque cursor string.
func (s *Store) ChangeVector(etag uint64) string {
	return s.changeVector(etag)
}

func (s *Store) changeVector(etag uint64) string {
	if etag == 0 {
		return ""
	}
	return fmt.Sprintf("A:%d-%s", etag, s.id)
}

// ParseChangeVector extracts the etag position from a cursor string.
// An empty cursor is position zero, the beginning of the log.
func ParseChangeVector(cv string) (uint64, error) {
	if cv == "" {
		return 0, nil
	}
	rest, ok := strings.CutPrefix(cv, "A:")
	if !ok {
		return 0, fmt.Errorf("malformed change vector: %q", cv)
	}
	num, _, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, fmt.Errorf("malformed change vector: %q", cv)
	}
	etag, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed change vector %q: %w", cv, err)
	}
	return etag, nil
}

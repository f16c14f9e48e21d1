package keys

import (
	"strings"
	"sync"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

// HandleStore keeps key handles by credential serial number for the life of a session.
// Implementations must be safe for concurrent use.
type HandleStore interface {
	Get(serial string) (string, bool)
	Set(serial, handle string)
	Delete(serial string)
	Clear()
}

// MemoryStore is a HandleStore held in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	handles map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{handles: make(map[string]string)}
}

func (s *MemoryStore) Get(serial string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[serial]
	return h, ok
}

func (s *MemoryStore) Set(serial, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[serial] = handle
}

func (s *MemoryStore) Delete(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, serial)
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.handles)
}

const (
	handlePrefix = "eimzo/key-handle/"
	indexKey     = "eimzo/key-handle-index"
)

// CacheStore is a HandleStore on top of an httpcache.Cache. With a disk cache the handles
// survive across CLI invocations for as long as the agent keeps them loaded.
type CacheStore struct {
	mu    sync.Mutex
	cache httpcache.Cache
}

// NewCacheStore creates a store on top of cache.
func NewCacheStore(cache httpcache.Cache) *CacheStore {
	return &CacheStore{cache: cache}
}

// NewSessionStore returns a disk backed store in dir, or an in-memory one when dir is empty.
func NewSessionStore(dir string) *CacheStore {
	if dir == "" {
		return NewCacheStore(httpcache.NewMemoryCache())
	}
	return NewCacheStore(diskcache.New(dir))
}

func (s *CacheStore) Get(serial string) (string, bool) {
	b, ok := s.cache.Get(handlePrefix + serial)
	if !ok || len(b) == 0 {
		return "", false
	}
	return string(b), true
}

func (s *CacheStore) Set(serial, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Set(handlePrefix+serial, []byte(handle))

	index := s.index()
	for _, k := range index {
		if k == serial {
			return
		}
	}
	s.writeIndex(append(index, serial))
}

func (s *CacheStore) Delete(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Delete(handlePrefix + serial)

	index := s.index()
	kept := index[:0]
	for _, k := range index {
		if k != serial {
			kept = append(kept, k)
		}
	}
	s.writeIndex(kept)
}

func (s *CacheStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.index() {
		s.cache.Delete(handlePrefix + k)
	}
	s.cache.Delete(indexKey)
}

// index returns the serial numbers currently stored. Callers hold mu.
func (s *CacheStore) index() []string {
	b, ok := s.cache.Get(indexKey)
	if !ok || len(b) == 0 {
		return nil
	}
	return strings.Split(string(b), "\n")
}

func (s *CacheStore) writeIndex(serials []string) {
	if len(serials) == 0 {
		s.cache.Delete(indexKey)
		return
	}
	s.cache.Set(indexKey, []byte(strings.Join(serials, "\n")))
}

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	indexFile    = "cache_index.json"
	payloadExt   = ".fits"
	evictTarget  = 8 // evict down to evictTarget/10 of the size limit
	maintainTick = 5 * time.Minute
)

// Key identifies one survey cutout.
type Key struct {
	Survey string
	RA     float64
	Dec    float64
	Radius float64
	Pixels int
}

// Hash returns the stable content address of k.
func (k Key) Hash() string {
	s := fmt.Sprintf("%s|%.8f|%.8f|%.8f|%d", k.Survey, k.RA, k.Dec, k.Radius, k.Pixels)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Entry is the index record of a cached payload.
type Entry struct {
	Hash       string    `json:"hash"`
	Survey     string    `json:"survey"`
	Pixels     int       `json:"pixels"`
	Size       int64     `json:"size"`
	AccessTime time.Time `json:"accessTime"`
	CreateTime time.Time `json:"createTime"`
}

// Store is a disk cache of raw survey payloads.
// Layout: dir/<survey>/<pixels>/<hash>.fits with an index at dir/cache_index.json.
type Store struct {
	dir     string
	maxSize int64
	ttl     time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
	size    int64
	dirty   bool

	evict   chan struct{}
	done    chan struct{}
	stopped sync.WaitGroup
	once    sync.Once
}

// NewStore opens (or creates) a cache under dir. A maxSizeMB or ttlDays of
// zero disables the corresponding limit.
func NewStore(dir string, maxSizeMB, ttlDays int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &Store{
		dir:     dir,
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		ttl:     time.Duration(ttlDays) * 24 * time.Hour,
		entries: make(map[string]*Entry),
		evict:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	if err := s.loadIndex(); err != nil {
		if err := s.rebuildIndex(); err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
	}

	s.stopped.Add(1)
	go s.maintain()
	return s, nil
}

// Dir returns the cache root.
func (s *Store) Dir() string {
	return s.dir
}

// Get returns the payload for k if present and not expired.
func (s *Store) Get(k Key) ([]byte, bool) {
	hash := k.Hash()

	s.mu.Lock()
	e, ok := s.entries[hash]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	if s.expired(e, time.Now()) {
		s.removeLocked(e)
		s.mu.Unlock()
		return nil, false
	}
	path := s.path(e)
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		s.mu.Lock()
		if cur, ok := s.entries[hash]; ok {
			s.removeLocked(cur)
		}
		s.mu.Unlock()
		return nil, false
	}

	s.mu.Lock()
	e.AccessTime = time.Now()
	s.dirty = true
	s.mu.Unlock()
	return data, true
}

// Put stores data under k.
func (s *Store) Put(k Key, data []byte) error {
	now := time.Now()
	e := &Entry{
		Hash:       k.Hash(),
		Survey:     k.Survey,
		Pixels:     k.Pixels,
		Size:       int64(len(data)),
		AccessTime: now,
		CreateTime: now,
	}
	path := s.path(e)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	s.mu.Lock()
	if old, ok := s.entries[e.Hash]; ok {
		s.size -= old.Size
	}
	s.entries[e.Hash] = e
	s.size += e.Size
	over := s.maxSize > 0 && s.size > s.maxSize
	err := s.saveIndexLocked()
	s.mu.Unlock()

	if over {
		select {
		case s.evict <- struct{}{}:
		default:
		}
	}
	return err
}

// Stats reports the number of entries, their total size and the size limit.
func (s *Store) Stats() (entries int, sizeBytes, maxBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), s.size, s.maxSize
}

// Clear removes every cached payload.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		os.Remove(s.path(e))
	}
	s.entries = make(map[string]*Entry)
	s.size = 0
	return s.saveIndexLocked()
}

// Close stops background maintenance and flushes the index.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.done) })
	s.stopped.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.saveIndexLocked()
}

func (s *Store) maintain() {
	defer s.stopped.Done()
	ticker := time.NewTicker(maintainTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.evict:
			s.EvictOverflow()
		case <-ticker.C:
			s.EvictExpired()
		case <-s.done:
			return
		}
	}
}

// EvictOverflow drops least recently used entries until the cache is at 80%
// of its size limit.
func (s *Store) EvictOverflow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSize <= 0 || s.size <= s.maxSize {
		return
	}

	byAccess := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		byAccess = append(byAccess, e)
	}
	sort.Slice(byAccess, func(i, j int) bool {
		return byAccess[i].AccessTime.Before(byAccess[j].AccessTime)
	})

	target := s.maxSize * evictTarget / 10
	for _, e := range byAccess {
		if s.size <= target {
			break
		}
		s.removeLocked(e)
	}
	s.saveIndexLocked()
}

// EvictExpired drops entries older than the TTL.
func (s *Store) EvictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, e := range s.entries {
		if s.expired(e, now) {
			s.removeLocked(e)
			removed++
		}
	}
	if removed > 0 {
		s.saveIndexLocked()
	}
}

func (s *Store) expired(e *Entry, now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.CreateTime) > s.ttl
}

func (s *Store) removeLocked(e *Entry) {
	os.Remove(s.path(e))
	delete(s.entries, e.Hash)
	s.size -= e.Size
	s.dirty = true
}

func (s *Store) path(e *Entry) string {
	return filepath.Join(s.dir, surveyDir(e.Survey), strconv.Itoa(e.Pixels), e.Hash+payloadExt)
}

// surveyDir turns a survey name such as "DSS2 Red" into "dss2_red".
func surveyDir(survey string) string {
	r := strings.NewReplacer(" ", "_", "/", "_", "\\", "_", ":", "_")
	return strings.ToLower(r.Replace(survey))
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		return fmt.Errorf("failed to read cache index: %w", err)
	}
	var entries map[string]*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse cache index: %w", err)
	}
	if entries == nil {
		entries = make(map[string]*Entry)
	}

	s.entries = entries
	s.size = 0
	for _, e := range entries {
		s.size += e.Size
	}
	return nil
}

func (s *Store) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache index: %w", err)
	}
	path := filepath.Join(s.dir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename cache index: %w", err)
	}
	s.dirty = false
	return nil
}

// rebuildIndex scans the cache tree when the index is missing or corrupt.
// Survey names come back in their directory form.
func (s *Store) rebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*Entry)
	s.size = 0

	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != payloadExt {
			return nil
		}
		rel, _ := filepath.Rel(s.dir, path)
		parts := strings.Split(rel, string(os.PathSeparator))
		if len(parts) != 3 {
			return nil
		}
		pixels, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil
		}
		e := &Entry{
			Hash:       strings.TrimSuffix(parts[2], payloadExt),
			Survey:     parts[0],
			Pixels:     pixels,
			Size:       info.Size(),
			AccessTime: info.ModTime(),
			CreateTime: info.ModTime(),
		}
		s.entries[e.Hash] = e
		s.size += e.Size
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan cache directory: %w", err)
	}
	return s.saveIndexLocked()
}

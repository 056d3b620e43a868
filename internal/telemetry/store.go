package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Sink receives tag updates. Implementations must be safe for concurrent use.
type Sink interface {
	Update(path string, value any)
}

// Publisher forwards committed tags to an external system.
type Publisher interface {
	Publish(tag Tag)
}

// Tag is the last value written to a path.
type Tag struct {
	Path      string    `json:"path"`
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"ts"`
}

// Store is a last-writer-wins tag table with fan-out to publishers and subscribers.
type Store struct {
	mu         sync.RWMutex
	tags       map[string]Tag
	publishers []Publisher
	subs       map[int]chan Tag
	nextSub    int
	now        func() time.Time
}

func NewStore(publishers ...Publisher) *Store {
	return &Store{
		tags:       map[string]Tag{},
		publishers: publishers,
		subs:       map[int]chan Tag{},
		now:        time.Now,
	}
}

// Update stores value under path and notifies publishers and subscribers.
// Slow subscribers drop updates rather than block the writer.
func (s *Store) Update(path string, value any) {
	tag := Tag{Path: path, Value: value, UpdatedAt: s.now().UTC()}

	s.mu.Lock()
	s.tags[path] = tag
	for _, ch := range s.subs {
		select {
		case ch <- tag:
		default:
		}
	}
	publishers := s.publishers
	s.mu.Unlock()

	for _, p := range publishers {
		p.Publish(tag)
	}
}

func (s *Store) Get(path string) (Tag, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tag, ok := s.tags[path]
	return tag, ok
}

// Snapshot returns all tags under prefix sorted by path. An empty prefix returns everything.
func (s *Store) Snapshot(prefix string) []Tag {
	s.mu.RLock()
	out := make([]Tag, 0, len(s.tags))
	for path, tag := range s.tags {
		if prefix == "" || path == prefix || strings.HasPrefix(path, prefix+"/") {
			out = append(out, tag)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Delete removes every tag under prefix, used when a device is removed.
func (s *Store) Delete(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for path := range s.tags {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			delete(s.tags, path)
			removed++
		}
	}
	return removed
}

// Subscribe registers a buffered listener. The returned func unregisters and closes it.
func (s *Store) Subscribe(buffer int) (<-chan Tag, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Tag, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Scoped returns a Sink that prefixes every path with prefix and a slash.
func (s *Store) Scoped(prefix string) Sink {
	return &scoped{store: s, prefix: strings.TrimSuffix(prefix, "/")}
}

type scoped struct {
	store  *Store
	prefix string
}

func (p *scoped) Update(path string, value any) {
	p.store.Update(p.prefix+"/"+strings.TrimPrefix(path, "/"), value)
}

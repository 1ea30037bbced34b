package rmqlink

import (
	"slices"
	"strings"
	"sync"

	"github.com/glimte/rmqlink/transport"
	"golang.org/x/sync/semaphore"
)

// DefaultRegistry is used by connections created without WithRegistry.
var DefaultRegistry = NewRegistry()

// Registry holds the transport connections shared between Connection handles.
//
// Handles created with the same name and the same set of endpoints, against
// the same Registry, share one transport connection and one connect lock.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*sharedConn
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*sharedConn),
	}
}

// Len returns the number of shared records currently held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// acquire returns the shared record for key, creating it if needed, and
// counts one more handle against it.
func (r *Registry) acquire(key string) *sharedConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.entries[key]
	if !ok {
		s = &sharedConn{
			key:  key,
			lock: semaphore.NewWeighted(1),
		}
		r.entries[key] = s
	}
	s.mu.Lock()
	s.objs++
	s.mu.Unlock()
	return s
}

// release drops one handle from s and removes the record with the last one.
func (r *Registry) release(s *sharedConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.mu.Lock()
	if s.objs > 0 {
		s.objs--
	}
	remaining := s.objs
	s.mu.Unlock()

	if remaining == 0 && r.entries[s.key] == s {
		delete(r.entries, s.key)
	}
}

func registryKey(name string, urls []string) string {
	sorted := slices.Clone(urls)
	slices.Sort(sorted)
	return name + "\x00" + strings.Join(sorted, "\x00")
}

// sharedConn is the state shared by every handle of one key.
type sharedConn struct {
	key string

	// lock serializes connecting across handles.
	lock *semaphore.Weighted

	mu   sync.Mutex
	refs int // handles with a running watcher
	objs int // live handles
	conn transport.Conn
}

func (s *sharedConn) transport() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *sharedConn) setTransport(conn transport.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// takeTransport clears and returns the transport.
func (s *sharedConn) takeTransport() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	return conn
}

func (s *sharedConn) addRef() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	return s.refs
}

// dropRef decrements refs, never below zero.
func (s *sharedConn) dropRef() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
	return s.refs
}

func (s *sharedConn) counts() (refs, objs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs, s.objs
}

package journal

import "sync"

// LockRegistry is the set of canonical journal paths currently open.
//
// Thread-safety: LockRegistry is safe for concurrent use.
type LockRegistry struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{paths: make(map[string]struct{})}
}

// Acquire registers path. It returns false if path is already registered.
func (r *LockRegistry) Acquire(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.paths[path]; held {
		return false
	}
	r.paths[path] = struct{}{}
	return true
}

// Release unregisters path. Releasing an unregistered path is a no-op.
func (r *LockRegistry) Release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paths, path)
}

// Held reports whether path is registered.
func (r *LockRegistry) Held(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, held := r.paths[path]
	return held
}

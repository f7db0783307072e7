package viewer

import (
	"sort"
	"sync"

	"github.com/smartpcapp/smartpc-control-plane/internal/display"
)

// Registry holds one Viewer per user, created on first use.
type Registry struct {
	client display.Client
	opts   Options

	mu      sync.Mutex
	viewers map[string]*Viewer
	closed  bool
}

func NewRegistry(client display.Client, opts Options) *Registry {
	return &Registry{client: client, opts: opts, viewers: make(map[string]*Viewer)}
}

// Get returns the user's viewer, creating it if needed.
func (r *Registry) Get(userID string) (*Viewer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrViewerClosed
	}
	if v, ok := r.viewers[userID]; ok {
		return v, nil
	}
	opts := r.opts
	opts.UserID = userID
	v := New(r.client, opts)
	r.viewers[userID] = v
	return v, nil
}

func (r *Registry) Lookup(userID string) (*Viewer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.viewers[userID]
	return v, ok
}

// Remove closes and forgets the user's viewer.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	v, ok := r.viewers[userID]
	delete(r.viewers, userID)
	r.mu.Unlock()
	if ok {
		v.Close()
	}
}

func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.viewers))
	for id := range r.viewers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CloseAll closes every viewer and refuses new ones.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	viewers := r.viewers
	r.viewers = make(map[string]*Viewer)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, v := range viewers {
		wg.Add(1)
		go func(v *Viewer) {
			defer wg.Done()
			v.Close()
		}(v)
	}
	wg.Wait()
}

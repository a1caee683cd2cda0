package router

import "sync"

// History tracks the current location. It implements the navigator the
// coordinator uses after login and logout.
type History struct {
	mu        sync.RWMutex
	current   string
	listeners []func(string)
}

// NewHistory creates a history positioned at start.
func NewHistory(start string) *History {
	return &History{current: Resolve(start)}
}

// Navigate moves to path and notifies listeners.
func (h *History) Navigate(path string) {
	path = Resolve(path)

	h.mu.Lock()
	h.current = path
	listeners := append([]func(string){}, h.listeners...)
	h.mu.Unlock()

	for _, l := range listeners {
		l(path)
	}
}

// Current returns the current location.
func (h *History) Current() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnNavigate registers a listener called after every navigation.
func (h *History) OnNavigate(fn func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Resolve maps aliases to their canonical route: the root redirects to the
// to-do list.
func Resolve(path string) string {
	if path == "" || path == RouteRoot {
		return RouteTodos
	}
	return path
}

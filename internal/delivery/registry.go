// internal/delivery/registry.go
package delivery

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Handler delivers a message to a target such as "stdout:" or
// "telegram:12345".
type Handler func(target, message string) error

// Registry routes messages to the appropriate delivery handler based on
// target prefix. The longest matching prefix wins.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for targets starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Prefixes returns the registered prefixes, sorted.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Deliver finds the handler matching the target prefix and calls it.
// Returns an error if no handler is registered for the prefix.
func (r *Registry) Deliver(target, message string) error {
	r.mu.RLock()
	var (
		best    string
		handler Handler
	)
	for prefix, h := range r.handlers {
		if strings.HasPrefix(target, prefix) && len(prefix) >= len(best) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no delivery handler for target: %s", target)
	}
	return handler(target, message)
}

// DeliverAll sends message to every target and returns the first error.
func (r *Registry) DeliverAll(targets []string, message string) error {
	var first error
	for _, t := range targets {
		if err := r.Deliver(t, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WriterHandler prints messages to w, one per line.
func WriterHandler(w io.Writer) Handler {
	var mu sync.Mutex
	return func(_, message string) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := fmt.Fprintln(w, message)
		return err
	}
}

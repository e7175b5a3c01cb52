// Package registry tracks which handlers are interested in which
// (process, notification type) keys.
package registry

import (
	"fmt"
	"sort"

	"github.com/nkkko/axnotify/internal/domain"
)

// Entry is one registered handler
type Entry struct {
	Token   domain.Token
	Key     domain.SubscriptionKey
	Handler domain.Handler
}

// bucket holds the handlers of one key in registration order
type bucket struct {
	key     domain.SubscriptionKey
	entries []Entry
	index   map[domain.Token]int
}

func (b *bucket) remove(token domain.Token) bool {
	i, ok := b.index[token]
	if !ok {
		return false
	}
	copy(b.entries[i:], b.entries[i+1:])
	b.entries[len(b.entries)-1] = Entry{}
	b.entries = b.entries[:len(b.entries)-1]
	delete(b.index, token)
	for j := i; j < len(b.entries); j++ {
		b.index[b.entries[j].Token] = j
	}
	return true
}

// Registry maps subscription keys to their handlers, with an inverse index
// from token to key.
//
// A key is present iff it has at least one handler, and every token in
// tokenToKey appears exactly once in the bucket of its key.
//
// Registry is not safe for concurrent use; the owning center serializes access.
type Registry struct {
	subscriptions map[domain.KeyID]*bucket
	tokenToKey    map[domain.Token]domain.SubscriptionKey

	// processKeys counts keys per concrete process so KeyHasAnySubscription is O(1)
	processKeys map[domain.ProcessID]int
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		subscriptions: make(map[domain.KeyID]*bucket),
		tokenToKey:    make(map[domain.Token]domain.SubscriptionKey),
		processKeys:   make(map[domain.ProcessID]int),
	}
}

// Add registers handler under key. Tokens are fresh per subscribe call, so a
// duplicate token is a programming error.
func (r *Registry) Add(key domain.SubscriptionKey, token domain.Token, handler domain.Handler) {
	if _, exists := r.tokenToKey[token]; exists {
		panic(fmt.Sprintf("registry: duplicate token %s", token))
	}

	id := key.ID()
	b, ok := r.subscriptions[id]
	if !ok {
		b = &bucket{key: id.Key(), index: make(map[domain.Token]int)}
		r.subscriptions[id] = b
		if id.HasProcess {
			r.processKeys[id.Process]++
		}
	}

	b.index[token] = len(b.entries)
	b.entries = append(b.entries, Entry{Token: token, Key: b.key, Handler: handler})
	r.tokenToKey[token] = b.key
}

// Remove drops token from both maps and returns the key it was registered under
func (r *Registry) Remove(token domain.Token) (domain.SubscriptionKey, error) {
	key, ok := r.tokenToKey[token]
	if !ok {
		return domain.SubscriptionKey{}, fmt.Errorf("%w: %s", domain.ErrTokenNotFound, token)
	}
	delete(r.tokenToKey, token)

	id := key.ID()
	if b, ok := r.subscriptions[id]; ok {
		b.remove(token)
		// Clean up empty key entry
		if len(b.entries) == 0 {
			delete(r.subscriptions, id)
			if id.HasProcess {
				r.processKeys[id.Process]--
				if r.processKeys[id.Process] <= 0 {
					delete(r.processKeys, id.Process)
				}
			}
		}
	}

	return key, nil
}

// HandlersFor returns the handlers for the exact key followed by the handlers
// for the wildcard key of the same type, each group in registration order.
// A handler registered under both keys appears twice.
func (r *Registry) HandlersFor(pid domain.ProcessID, t domain.NotificationType) []Entry {
	exact := r.subscriptions[domain.KeyID{HasProcess: true, Process: pid, Type: t}]
	wildcard := r.subscriptions[domain.KeyID{Type: t}]

	n := 0
	if exact != nil {
		n += len(exact.entries)
	}
	if wildcard != nil {
		n += len(wildcard.entries)
	}
	if n == 0 {
		return nil
	}

	out := make([]Entry, 0, n)
	if exact != nil {
		out = append(out, exact.entries...)
	}
	if wildcard != nil {
		out = append(out, wildcard.entries...)
	}
	return out
}

// IsEmpty reports whether no handler is registered for key
func (r *Registry) IsEmpty(key domain.SubscriptionKey) bool {
	_, ok := r.subscriptions[key.ID()]
	return !ok
}

// Has reports whether token is registered
func (r *Registry) Has(token domain.Token) bool {
	_, ok := r.tokenToKey[token]
	return ok
}

// KeyHasAnySubscription reports whether any key for the process (or any
// wildcard key, when pid is nil) has handlers
func (r *Registry) KeyHasAnySubscription(pid *domain.ProcessID) bool {
	if pid != nil {
		return r.processKeys[*pid] > 0
	}
	for id := range r.subscriptions {
		if !id.HasProcess {
			return true
		}
	}
	return false
}

// Len returns the number of registered tokens
func (r *Registry) Len() int {
	return len(r.tokenToKey)
}

// KeyCount returns the number of keys with at least one handler
func (r *Registry) KeyCount() int {
	return len(r.subscriptions)
}

// Tokens returns every registered token, ordered by key then registration
func (r *Registry) Tokens() []domain.Token {
	out := make([]domain.Token, 0, len(r.tokenToKey))
	for _, key := range r.Keys() {
		for _, e := range r.subscriptions[key.ID()].entries {
			out = append(out, e.Token)
		}
	}
	return out
}

// TokensFor returns the tokens registered under keys of one process, or
// under wildcard keys when pid is nil
func (r *Registry) TokensFor(pid *domain.ProcessID) []domain.Token {
	var out []domain.Token
	for _, key := range r.Keys() {
		if (pid == nil) != key.IsWildcard() {
			continue
		}
		if pid != nil && *key.Process != *pid {
			continue
		}
		for _, e := range r.subscriptions[key.ID()].entries {
			out = append(out, e.Token)
		}
	}
	return out
}

// Keys returns the registered keys, wildcard keys first, then by process and type
func (r *Registry) Keys() []domain.SubscriptionKey {
	ids := make([]domain.KeyID, 0, len(r.subscriptions))
	for id := range r.subscriptions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if a.HasProcess != b.HasProcess {
			return !a.HasProcess
		}
		if a.Process != b.Process {
			return a.Process < b.Process
		}
		return a.Type < b.Type
	})

	out := make([]domain.SubscriptionKey, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.subscriptions[id].key)
	}
	return out
}

// Count returns the number of handlers registered under key
func (r *Registry) Count(key domain.SubscriptionKey) int {
	if b, ok := r.subscriptions[key.ID()]; ok {
		return len(b.entries)
	}
	return 0
}

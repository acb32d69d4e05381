// Package paging tracks page-number pagination for hydrated lists.
package paging

import "sync"

// Pager holds one paginated list. Items are deduplicated by key; a page
// that returns zero items ends the list until Reset.
type Pager[T any] struct {
	mu      sync.Mutex
	key     func(T) string
	items   []T
	index   map[string]int
	page    int
	hasMore bool
	loading bool
	err     error
}

// New creates an empty pager keyed by key.
func New[T any](key func(T) string) *Pager[T] {
	return &Pager[T]{key: key, index: make(map[string]int), hasMore: true}
}

// Next reserves the next page number to request. ok is false when the
// list is exhausted or a request is already in flight.
func (p *Pager[T]) Next() (page int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasMore || p.loading {
		return 0, false
	}
	p.loading = true
	return p.page + 1, true
}

// Complete records the items returned for page. Entries with an empty key
// are dropped. An empty page clears hasMore.
func (p *Pager[T]) Complete(page int, items []T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading = false
	p.err = nil
	if len(items) == 0 {
		p.hasMore = false
		return
	}
	if page > p.page {
		p.page = page
	}
	for _, it := range items {
		p.upsertLocked(it)
	}
}

// Skip consumes page without adding items, for a non-empty response whose
// entries were all filtered out by the caller.
func (p *Pager[T]) Skip(page int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading = false
	p.err = nil
	if page > p.page {
		p.page = page
	}
}

// Fail records a failed request. The page is not consumed, so the same
// page is requested again on retry.
func (p *Pager[T]) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading = false
	p.err = err
}

// Cancel releases an in-flight reservation without recording anything.
func (p *Pager[T]) Cancel() {
	p.mu.Lock()
	p.loading = false
	p.mu.Unlock()
}

// Upsert merges a single item outside of pagination, for example from a
// realtime event. It reports whether the item was new.
func (p *Pager[T]) Upsert(it T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upsertLocked(it)
}

func (p *Pager[T]) upsertLocked(it T) bool {
	k := p.key(it)
	if k == "" {
		return false
	}
	if i, ok := p.index[k]; ok {
		p.items[i] = it
		return false
	}
	p.index[k] = len(p.items)
	p.items = append(p.items, it)
	return true
}

// Get returns the item stored under key.
func (p *Pager[T]) Get(key string) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[key]
	if !ok {
		var zero T
		return zero, false
	}
	return p.items[i], true
}

// Update applies fn to the item under key in place. It reports whether
// the item exists.
func (p *Pager[T]) Update(key string, fn func(*T)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[key]
	if !ok {
		return false
	}
	fn(&p.items[i])
	return true
}

// Remove deletes the item under key.
func (p *Pager[T]) Remove(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[key]
	if !ok {
		return false
	}
	p.items = append(p.items[:i], p.items[i+1:]...)
	delete(p.index, key)
	for k, j := range p.index {
		if j > i {
			p.index[k] = j - 1
		}
	}
	return true
}

// Items returns a copy of the items in insertion order.
func (p *Pager[T]) Items() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]T(nil), p.items...)
}

// Len returns the number of items.
func (p *Pager[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// HasMore reports whether another page may be requested.
func (p *Pager[T]) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// Page returns the last page that returned items.
func (p *Pager[T]) Page() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page
}

// Err returns the error of the last request, nil after a success.
func (p *Pager[T]) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Reset clears items, pagination and error state.
func (p *Pager[T]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = nil
	p.index = make(map[string]int)
	p.page = 0
	p.hasMore = true
	p.loading = false
	p.err = nil
}

// Rewind restarts pagination from page 1 but keeps the cached items, so a
// refresh merges into what is already known.
func (p *Pager[T]) Rewind() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.page = 0
	p.hasMore = true
	p.loading = false
	p.err = nil
}

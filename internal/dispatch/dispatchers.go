package dispatch

import (
	"sync"

	"github.com/relaywire/meshsocks/internal/ids"
)

// Dispatchers maps a reverse token id to the Dispatcher round-robining its
// provider peers, so a lookup keyed by a connector's parent reverse token
// can reuse the exact same provider pool a SOCKS5 listener on that token
// dispatches against.
type Dispatchers struct {
	mu sync.RWMutex
	m  map[ids.ID]*Dispatcher
}

// NewDispatchers creates an empty table.
func NewDispatchers() *Dispatchers {
	return &Dispatchers{m: make(map[ids.ID]*Dispatcher)}
}

// GetOrCreate returns the dispatcher for reverseTokenID, creating one if
// this is the first caller to ask for it.
func (t *Dispatchers) GetOrCreate(reverseTokenID ids.ID) *Dispatcher {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.m[reverseTokenID]
	if !ok {
		d = New(reverseTokenID)
		t.m[reverseTokenID] = d
	}
	return d
}

// Get returns the dispatcher for reverseTokenID, if one has been created.
func (t *Dispatchers) Get(reverseTokenID ids.ID) (*Dispatcher, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.m[reverseTokenID]
	return d, ok
}

// Delete removes a reverse token's dispatcher entirely, e.g. when the
// token itself is removed from the registry.
func (t *Dispatchers) Delete(reverseTokenID ids.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, reverseTokenID)
}

package session

import (
	"sync"
)

// PermissionResult is the answer delivered to a waiting runner.
type PermissionResult struct {
	Allow        bool
	ResolvedBy   string // user, timeout, cancelled, auto
	Message      string
	UpdatedInput map[string]any
}

// Permissions tracks pending permission one-shots keyed by request id.
// Resolution is first-writer-wins: the first Resolve for a request id
// delivers and removes it, later calls return false.
type Permissions struct {
	mu      sync.Mutex
	pending map[string]chan PermissionResult
}

func newPermissions() *Permissions {
	return &Permissions{pending: make(map[string]chan PermissionResult)}
}

// Add installs a one-shot for a request id and returns the channel the
// result will arrive on. Adding an id that is already pending returns
// the existing channel.
func (p *Permissions) Add(requestID string) <-chan PermissionResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.pending[requestID]; ok {
		return ch
	}
	ch := make(chan PermissionResult, 1)
	p.pending[requestID] = ch
	return ch
}

// Resolve delivers a result and removes the one-shot. Returns false if
// the request id is unknown or already resolved.
func (p *Permissions) Resolve(requestID string, res PermissionResult) bool {
	p.mu.Lock()
	ch, ok := p.pending[requestID]
	if ok {
		delete(p.pending, requestID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// ClearAll resolves every outstanding one-shot with the given result and
// returns the request ids that were cancelled. Used on stop and delete.
func (p *Permissions) ClearAll(res PermissionResult) []string {
	p.mu.Lock()
	cleared := make([]string, 0, len(p.pending))
	chans := make([]chan PermissionResult, 0, len(p.pending))
	for id, ch := range p.pending {
		cleared = append(cleared, id)
		chans = append(chans, ch)
	}
	p.pending = make(map[string]chan PermissionResult)
	p.mu.Unlock()

	for _, ch := range chans {
		ch <- res
	}
	return cleared
}

// Count returns the number of outstanding requests.
func (p *Permissions) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

package registry

import (
	"fmt"
	"sync"

	"github.com/sessamekesh/wsroutes/pkg/handlers"
	"github.com/sessamekesh/wsroutes/pkg/identity"
	"go.uber.org/multierr"
)

// SendError is one failed delivery during a Broadcast.
type SendError struct {
	ConnId string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("Failed to send to connection %s: %v", e.ConnId, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// mut_transfer serializes Transfer so at most one goroutine ever holds two
// registry locks at once.
var mut_transfer sync.Mutex

// Registry is a set of live connection handles keyed by handle identity.
// It is safe for concurrent use.
type Registry struct {
	mut_connections sync.RWMutex
	connections     map[handlers.Conn]struct{}
}

func CreateRegistry() *Registry {
	return &Registry{
		mut_connections: sync.RWMutex{},
		connections:     make(map[handlers.Conn]struct{}),
	}
}

func (r *Registry) Add(c handlers.Conn) {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()
	r.connections[c] = struct{}{}
}

func (r *Registry) Remove(c handlers.Conn) {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()
	delete(r.connections, c)
}

func (r *Registry) Contains(c handlers.Conn) bool {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()
	_, has := r.connections[c]
	return has
}

func (r *Registry) Count() int {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()
	return len(r.connections)
}

// Members returns a snapshot of the current members in no particular order.
func (r *Registry) Members() []handlers.Conn {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()

	members := make([]handlers.Conn, 0, len(r.connections))
	for c := range r.connections {
		members = append(members, c)
	}
	return members
}

// Broadcast sends payload once to every member except excluded (nil excludes
// nobody). Members are snapshotted up front; a member removed before its turn
// is skipped. Individual send failures do not stop the broadcast, they are
// combined into the returned error (see multierr.Errors).
func (r *Registry) Broadcast(payload []byte, excluded handlers.Conn) error {
	var errs error
	for _, c := range r.Members() {
		if excluded != nil && c == excluded {
			continue
		}
		if !r.Contains(c) {
			continue
		}
		if err := c.Send(payload); err != nil {
			errs = multierr.Append(errs, &SendError{
				ConnId: identity.Identify(c),
				Err:    err,
			})
		}
	}
	return errs
}

// Transfer moves c from one registry to another while holding both locks, so
// no reader observes c in both or in neither. It reports false, changing
// nothing, if c is not a member of from.
func Transfer(c handlers.Conn, from, to *Registry) bool {
	if from == to {
		return from.Contains(c)
	}

	mut_transfer.Lock()
	defer mut_transfer.Unlock()

	from.mut_connections.Lock()
	defer from.mut_connections.Unlock()
	to.mut_connections.Lock()
	defer to.mut_connections.Unlock()

	if _, has := from.connections[c]; !has {
		return false
	}
	delete(from.connections, c)
	to.connections[c] = struct{}{}
	return true
}

package internal

import (
	"fmt"
	"sync"
	"time"

	"github.com/sessamekesh/wsroutes/pkg/handlers"
	"github.com/sessamekesh/wsroutes/pkg/identity"
)

// ConnectionState is the single source of truth for where a connection sits
// within a route. Registry membership mirrors it.
type ConnectionState int

const (
	// StateClosed is also reported for connections the store has never seen.
	StateClosed ConnectionState = iota
	// StateOpening covers the window between the socket opening and the
	// opened event being fully handled.
	StateOpening
	StatePending
	// StateAuthorizing is pending with an authorization attempt in flight.
	StateAuthorizing
	StateAuthorized
	// StateClosing marks a connection the server is closing before it was
	// placed. Its close callback still counts.
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StatePending:
		return "pending"
	case StateAuthorizing:
		return "authorizing"
	case StateAuthorized:
		return "authorized"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

type DuplicateConnectionError struct {
	ConnId string
}

func (e *DuplicateConnectionError) Error() string {
	return fmt.Sprintf("Attempted to open connection %s twice", e.ConnId)
}

type InvalidTransitionError struct {
	ConnId string
	From   ConnectionState
	To     ConnectionState
	Actual ConnectionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("Connection %s cannot move %s -> %s, it is %s", e.ConnId, e.From, e.To, e.Actual)
}

type ConnectionMetadata struct {
	State    ConnectionState
	OpenedAt time.Time

	// Messages received while opening or authorizing, replayed once that
	// step resolves.
	Backlog [][]byte

	AuthTimer *time.Timer
}

type SessionStore struct {
	mut_sessions sync.RWMutex
	sessions     map[handlers.Conn]*ConnectionMetadata
}

func CreateSessionStore() *SessionStore {
	return &SessionStore{
		mut_sessions: sync.RWMutex{},
		sessions:     make(map[handlers.Conn]*ConnectionMetadata),
	}
}

func (store *SessionStore) Open(c handlers.Conn, now time.Time) error {
	store.mut_sessions.Lock()
	defer store.mut_sessions.Unlock()

	if _, has := store.sessions[c]; has {
		return &DuplicateConnectionError{ConnId: identity.Identify(c)}
	}

	store.sessions[c] = &ConnectionMetadata{
		State:    StateOpening,
		OpenedAt: now,
	}
	return nil
}

func (store *SessionStore) State(c handlers.Conn) ConnectionState {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()

	session, has := store.sessions[c]
	if !has {
		return StateClosed
	}
	return session.State
}

func (store *SessionStore) OpenedAt(c handlers.Conn) (time.Time, bool) {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()

	session, has := store.sessions[c]
	if !has {
		return time.Time{}, false
	}
	return session.OpenedAt, true
}

func (store *SessionStore) Transition(c handlers.Conn, from, to ConnectionState) error {
	store.mut_sessions.Lock()
	defer store.mut_sessions.Unlock()

	session, has := store.sessions[c]
	actual := StateClosed
	if has {
		actual = session.State
	}
	if !has || actual != from {
		return &InvalidTransitionError{ConnId: identity.Identify(c), From: from, To: to, Actual: actual}
	}

	session.State = to
	if !awaitsAuthorization(to) && session.AuthTimer != nil {
		session.AuthTimer.Stop()
		session.AuthTimer = nil
	}
	return nil
}

func awaitsAuthorization(state ConnectionState) bool {
	return state == StatePending || state == StateAuthorizing
}

// Close marks c closed and returns the state it was in, StateClosed when the
// store does not track c or it was already closed. A connection closed while
// still opening keeps a closed tombstone until Forget, so the pending open can
// tell it lost the race; anything else is dropped immediately.
func (store *SessionStore) Close(c handlers.Conn) ConnectionState {
	store.mut_sessions.Lock()
	defer store.mut_sessions.Unlock()

	session, has := store.sessions[c]
	if !has {
		return StateClosed
	}

	previous := session.State
	if previous == StateClosed {
		return previous
	}
	if session.AuthTimer != nil {
		session.AuthTimer.Stop()
		session.AuthTimer = nil
	}
	session.Backlog = nil

	if previous == StateOpening {
		session.State = StateClosed
		return previous
	}

	delete(store.sessions, c)
	return previous
}

func (store *SessionStore) Forget(c handlers.Conn) {
	store.mut_sessions.Lock()
	defer store.mut_sessions.Unlock()
	delete(store.sessions, c)
}

func (store *SessionStore) QueueMessage(c handlers.Conn, payload []byte) bool {
	store.mut_sessions.Lock()
	defer store.mut_sessions.Unlock()

	session, has := store.sessions[c]
	if !has || (session.State != StateOpening && session.State != StateAuthorizing) {
		return false
	}
	session.Backlog = append(session.Backlog, payload)
	return true
}

func (store *SessionStore) TakeBacklog(c handlers.Conn) [][]byte {
	store.mut_sessions.Lock()
	defer store.mut_sessions.Unlock()

	session, has := store.sessions[c]
	if !has {
		return nil
	}
	backlog := session.Backlog
	session.Backlog = nil
	return backlog
}

func (store *SessionStore) SetAuthTimer(c handlers.Conn, timer *time.Timer) {
	store.mut_sessions.Lock()
	defer store.mut_sessions.Unlock()

	session, has := store.sessions[c]
	if !has || !awaitsAuthorization(session.State) {
		timer.Stop()
		return
	}
	if session.AuthTimer != nil {
		session.AuthTimer.Stop()
	}
	session.AuthTimer = timer
}

func (store *SessionStore) Count(state ConnectionState) int {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()

	count := 0
	for _, session := range store.sessions {
		if session.State == state {
			count++
		}
	}
	return count
}

// Connections returns every connection the store still tracks, tombstones
// included.
func (store *SessionStore) Connections() []handlers.Conn {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()

	conns := make([]handlers.Conn, 0, len(store.sessions))
	for c := range store.sessions {
		conns = append(conns, c)
	}
	return conns
}

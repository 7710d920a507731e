package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct{ n int }

func (c *stubConn) Send([]byte) error { return nil }
func (c *stubConn) Close() error      { return nil }

func TestOpenTwiceIsRejected(t *testing.T) {
	store := CreateSessionStore()
	c := &stubConn{}

	require.NoError(t, store.Open(c, time.Now()))
	err := store.Open(c, time.Now())

	var dup *DuplicateConnectionError
	assert.ErrorAs(t, err, &dup)
	assert.Equal(t, StateOpening, store.State(c))
}

func TestUnknownConnectionIsClosed(t *testing.T) {
	store := CreateSessionStore()
	assert.Equal(t, StateClosed, store.State(&stubConn{}))
}

func TestTransitions(t *testing.T) {
	store := CreateSessionStore()
	c := &stubConn{}
	require.NoError(t, store.Open(c, time.Now()))

	require.NoError(t, store.Transition(c, StateOpening, StatePending))
	assert.Equal(t, StatePending, store.State(c))

	err := store.Transition(c, StateOpening, StateAuthorized)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StatePending, invalid.Actual)

	require.NoError(t, store.Transition(c, StatePending, StateAuthorized))
	assert.Equal(t, 1, store.Count(StateAuthorized))
	assert.Equal(t, 0, store.Count(StatePending))
}

func TestCloseWhileOpeningLeavesTombstone(t *testing.T) {
	store := CreateSessionStore()
	c := &stubConn{}
	require.NoError(t, store.Open(c, time.Now()))

	assert.Equal(t, StateOpening, store.Close(c))
	assert.Equal(t, StateClosed, store.State(c))
	assert.Len(t, store.Connections(), 1)

	// Closing the tombstone again reports nothing new and keeps it.
	assert.Equal(t, StateClosed, store.Close(c))
	assert.Len(t, store.Connections(), 1)

	// A late transition out of opening must fail.
	assert.Error(t, store.Transition(c, StateOpening, StateAuthorized))

	store.Forget(c)
	assert.Empty(t, store.Connections())
}

func TestCloseAfterPlacementDropsSession(t *testing.T) {
	store := CreateSessionStore()
	c := &stubConn{}
	require.NoError(t, store.Open(c, time.Now()))
	require.NoError(t, store.Transition(c, StateOpening, StateAuthorized))

	assert.Equal(t, StateAuthorized, store.Close(c))
	assert.Empty(t, store.Connections())
	assert.Equal(t, StateClosed, store.Close(c))
}

func TestCloseAfterServerSideClosing(t *testing.T) {
	store := CreateSessionStore()
	c := &stubConn{}
	require.NoError(t, store.Open(c, time.Now()))
	require.NoError(t, store.Transition(c, StateOpening, StateClosing))

	assert.Equal(t, StateClosing, store.Close(c))
	assert.Empty(t, store.Connections())
}

func TestBacklogOnlyWhileOpening(t *testing.T) {
	store := CreateSessionStore()
	c := &stubConn{}
	require.NoError(t, store.Open(c, time.Now()))

	assert.True(t, store.QueueMessage(c, []byte("one")))
	assert.True(t, store.QueueMessage(c, []byte("two")))
	require.NoError(t, store.Transition(c, StateOpening, StatePending))
	assert.False(t, store.QueueMessage(c, []byte("three")))

	backlog := store.TakeBacklog(c)
	require.Len(t, backlog, 2)
	assert.Equal(t, "one", string(backlog[0]))
	assert.Equal(t, "two", string(backlog[1]))
	assert.Empty(t, store.TakeBacklog(c))
}

func TestBacklogWhileAuthorizing(t *testing.T) {
	store := CreateSessionStore()
	c := &stubConn{}
	require.NoError(t, store.Open(c, time.Now()))
	require.NoError(t, store.Transition(c, StateOpening, StatePending))
	require.NoError(t, store.Transition(c, StatePending, StateAuthorizing))

	assert.True(t, store.QueueMessage(c, []byte("hello")))
	require.NoError(t, store.Transition(c, StateAuthorizing, StateAuthorized))
	assert.False(t, store.QueueMessage(c, []byte("late")))

	backlog := store.TakeBacklog(c)
	require.Len(t, backlog, 1)
	assert.Equal(t, "hello", string(backlog[0]))
}

func TestAuthTimerSurvivesAuthorizationAttempt(t *testing.T) {
	store := CreateSessionStore()
	c := &stubConn{}
	require.NoError(t, store.Open(c, time.Now()))
	require.NoError(t, store.Transition(c, StateOpening, StatePending))

	fired := make(chan struct{})
	store.SetAuthTimer(c, time.AfterFunc(20*time.Millisecond, func() { close(fired) }))
	require.NoError(t, store.Transition(c, StatePending, StateAuthorizing))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("auth timer stopped by an attempt in flight")
	}
}

func TestAuthTimerStoppedOnLeavingPending(t *testing.T) {
	store := CreateSessionStore()
	c := &stubConn{}
	require.NoError(t, store.Open(c, time.Now()))
	require.NoError(t, store.Transition(c, StateOpening, StatePending))

	fired := make(chan struct{})
	store.SetAuthTimer(c, time.AfterFunc(30*time.Millisecond, func() { close(fired) }))
	require.NoError(t, store.Transition(c, StatePending, StateAuthorized))

	select {
	case <-fired:
		t.Fatal("auth timer fired after authorization")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestSetAuthTimerIgnoredUnlessPending(t *testing.T) {
	store := CreateSessionStore()
	c := &stubConn{}
	require.NoError(t, store.Open(c, time.Now()))

	fired := make(chan struct{})
	store.SetAuthTimer(c, time.AfterFunc(20*time.Millisecond, func() { close(fired) }))

	select {
	case <-fired:
		t.Fatal("timer should have been stopped")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "opening", StateOpening.String())
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "authorizing", StateAuthorizing.String())
	assert.Equal(t, "authorized", StateAuthorized.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
}

package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wine-cellar/asset-gate/internal/logging"
)

func TestBroadcastReachesUncontrolledWindows(t *testing.T) {
	hub := NewHub(4, logging.NewDiscardLogger())
	early := hub.Subscribe(KindWindow)
	worker := hub.Subscribe(KindWorker)

	assert.Len(t, hub.MatchAll(KindWindow, false), 0, "nothing is controlled before Claim")
	assert.Len(t, hub.MatchAll(KindWindow, true), 1)

	delivered := hub.Broadcast("2.0")
	require.Equal(t, 1, delivered)

	msg := <-early.Messages()
	assert.Equal(t, Message{Type: MessageTypeVersionUpdate, Version: "2.0"}, msg)
	select {
	case m := <-worker.Messages():
		t.Fatalf("worker clients must not receive window messages: %+v", m)
	default:
	}
}

func TestClaimControlsExistingAndFutureClients(t *testing.T) {
	hub := NewHub(1, nil)
	hub.Subscribe(KindWindow)
	hub.Subscribe(KindWindow)

	assert.Equal(t, 2, hub.Claim())
	assert.Equal(t, 0, hub.Claim(), "second claim has nothing left to take over")

	late := hub.Subscribe(KindWindow)
	controlled := hub.MatchAll(KindWindow, false)
	require.Len(t, controlled, 3)
	assert.Equal(t, late.ID, controlled[2].ID)
}

func TestBroadcastDropsWhenMailboxFull(t *testing.T) {
	hub := NewHub(1, nil)
	client := hub.Subscribe(KindWindow)

	assert.Equal(t, 1, hub.Broadcast("a"))
	assert.Equal(t, 0, hub.Broadcast("b"), "full mailbox drops instead of blocking")

	assert.Equal(t, "a", (<-client.Messages()).Version)
}

func TestUnsubscribeClosesMailbox(t *testing.T) {
	hub := NewHub(1, nil)
	client := hub.Subscribe(KindWindow)
	hub.Unsubscribe(client.ID)
	hub.Unsubscribe(client.ID)

	_, open := <-client.Messages()
	assert.False(t, open)
	assert.Equal(t, 0, hub.Count())
	assert.Equal(t, 0, hub.Broadcast("x"))
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindWorker, ParseKind("worker"))
	assert.Equal(t, KindWindow, ParseKind("window"))
	assert.Equal(t, KindWindow, ParseKind(""))
	assert.Equal(t, KindWindow, ParseKind("tab"))
}

func TestCloseEndsEveryStream(t *testing.T) {
	hub := NewHub(2, nil)
	a := hub.Subscribe(KindWindow)
	b := hub.Subscribe(KindWorker)

	assert.Equal(t, 2, hub.Close())
	assert.Zero(t, hub.Count())

	_, open := <-a.Messages()
	assert.False(t, open)
	_, open = <-b.Messages()
	assert.False(t, open)

	hub.Unsubscribe(a.ID)
	assert.Zero(t, hub.Broadcast("v9"))
}

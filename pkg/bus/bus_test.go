package bus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAndReceive(t *testing.T) {
	b := New(10)
	b.Register("alice", "team-1")
	b.Register("bob", "team-1")

	delivery := b.Send("alice", "bob", "status update")
	require.NoError(t, delivery.Err)
	assert.NotEmpty(t, delivery.MessageID)

	messages := b.Receive("bob")
	require.Len(t, messages, 1)
	assert.Equal(t, "alice", messages[0].SenderID)
	assert.Equal(t, "bob", messages[0].ReceiverID)
	assert.Equal(t, "status update", messages[0].Content)
	assert.Equal(t, MessageDirect, messages[0].Type)
	assert.Equal(t, "team-1", messages[0].TeamID)

	// Receive drains the inbox.
	assert.Empty(t, b.Receive("bob"))
}

func TestSendToUnknownAgent(t *testing.T) {
	b := New(10)
	b.Register("alice", "team-1")

	delivery := b.Send("alice", "nobody", "hello?")
	assert.ErrorIs(t, delivery.Err, ErrAgentNotFound)
}

func TestSendToTerminatedAgent(t *testing.T) {
	b := New(10)
	b.Register("alice", "team-1")
	b.Register("bob", "team-1")
	b.Unregister("bob")

	delivery := b.Send("alice", "bob", "too late")
	assert.ErrorIs(t, delivery.Err, ErrAgentTerminated)
}

func TestReRegisterRevivesAgent(t *testing.T) {
	b := New(10)
	b.Register("alice", "team-1")
	b.Register("bob", "team-1")
	b.Unregister("bob")
	b.Register("bob", "team-2")

	delivery := b.Send("alice", "bob", "welcome back")
	require.NoError(t, delivery.Err)
	assert.Len(t, b.Receive("bob"), 1)
}

func TestBroadcastSkipsSender(t *testing.T) {
	b := New(10)
	b.Register("alice", "team-1")
	b.Register("bob", "team-1")
	b.Register("carol", "team-1")
	b.Register("dave", "team-2")

	deliveries := b.Broadcast("alice", "team-1", "all hands")
	require.Len(t, deliveries, 2)
	for _, d := range deliveries {
		assert.NoError(t, d.Err)
	}

	assert.Empty(t, b.Receive("alice"), "sender must not receive its own broadcast")
	assert.Empty(t, b.Receive("dave"), "other teams are not reached")

	bobMsgs := b.Receive("bob")
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, MessageBroadcast, bobMsgs[0].Type)
	assert.Equal(t, "team-1", bobMsgs[0].TeamID)
}

func TestSendShutdown(t *testing.T) {
	b := New(10)
	b.Register("executor", "team-1")
	b.Register("worker", "team-1")

	delivery := b.SendShutdown("executor", "worker", "deadline reached")
	require.NoError(t, delivery.Err)

	messages := b.Receive("worker")
	require.Len(t, messages, 1)
	assert.Equal(t, MessageShutdown, messages[0].Type)
	assert.Equal(t, "deadline reached", messages[0].Content)
}

func TestInboxOverflow(t *testing.T) {
	b := New(2)
	b.Register("alice", "team-1")
	b.Register("bob", "team-1")

	require.NoError(t, b.Send("alice", "bob", "1").Err)
	require.NoError(t, b.Send("alice", "bob", "2").Err)
	overflow := b.Send("alice", "bob", "3")
	assert.ErrorIs(t, overflow.Err, ErrInboxFull)

	assert.Equal(t, 2, b.Pending("bob"))
	messages := b.Receive("bob")
	require.Len(t, messages, 2)
	assert.Equal(t, "1", messages[0].Content)
	assert.Equal(t, "2", messages[1].Content)
}

func TestReceiveUnknownAgent(t *testing.T) {
	b := New(10)
	assert.Nil(t, b.Receive("ghost"))
	assert.Zero(t, b.Pending("ghost"))
}

func TestConcurrentSendersDoNotRace(t *testing.T) {
	b := New(DefaultInboxSize)
	b.Register("sink", "team-1")
	for i := 0; i < 8; i++ {
		b.Register(fmt.Sprintf("sender-%d", i), "team-1")
	}

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				b.Send(fmt.Sprintf("sender-%d", id), "sink", "ping")
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, 400, b.Pending("sink"))
}

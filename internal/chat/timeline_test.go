package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proceruss/enigmachat/internal/enigma"
	"github.com/proceruss/enigmachat/internal/realtime"
)

func (e *env) openChat(t *testing.T, chatID string) {
	t.Helper()
	_, err := e.dir.Load(context.Background())
	require.NoError(t, err)
	_, err = e.dir.Activate(context.Background(), chatID)
	require.NoError(t, err)
	_, err = e.timeline.LoadHistory(context.Background(), chatID)
	require.NoError(t, err)
}

func TestLoadHistoryOrderAndOwnership(t *testing.T) {
	e := newEnv(t)
	e.seedChat("chat-1", "Team", KindGroup, true, RoleMember)
	t1 := time.Date(2025, 11, 25, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	// Seeded newest-first to prove the client re-sorts.
	e.seedMessage("chat-1", "m2", "u-eva", "eva", "c2", t2)
	e.seedMessage("chat-1", "m1", testUserID, testUsername, "c1", t1)

	e.openChat(t, "chat-1")
	msgs := e.timeline.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.True(t, msgs[0].IsOwn, "sender == current user")
	assert.False(t, msgs[1].IsOwn)

	// History load joins the chat's realtime channel.
	f := e.backend.expectFrame(t, realtime.EventJoinChat)
	var joined string
	require.NoError(t, json.Unmarshal(f.Data, &joined))
	assert.Equal(t, "chat-1", joined)
}

func TestSendAppendsConfirmedEntry(t *testing.T) {
	e := newEnv(t)
	e.seedChat("chat-1", "Team", KindGroup, true, RoleMember)
	t1 := time.Date(2025, 11, 25, 10, 0, 0, 0, time.UTC)
	e.seedMessage("chat-1", "m1", "u-eva", "eva", "c1", t1)
	e.seedMessage("chat-1", "m2", "u-eva", "eva", "c2", t1.Add(time.Second))
	e.openChat(t, "chat-1")

	msg, err := e.timeline.Send(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, msg.Status)
	assert.Equal(t, "srv-1", msg.ID, "server id adopted on promotion")
	assert.True(t, msg.IsOwn)

	msgs := e.timeline.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "srv-1", msgs[2].ID, "pending entry promoted in place at the end")

	// The ciphertext went out over realtime too, tagged with our
	// identity, and decrypts to the plaintext.
	f := e.backend.expectFrame(t, realtime.EventMessage)
	var p realtime.MessagePayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, testUsername, p.Sender)
	plain, err := enigma.Decrypt(p.Ciphertext, testKey)
	require.NoError(t, err)
	assert.Equal(t, "ping", plain)
}

func TestSendRejectsBlankMessage(t *testing.T) {
	e := newEnv(t)
	e.seedChat("chat-1", "Team", KindGroup, true, RoleMember)
	e.openChat(t, "chat-1")

	_, err := e.timeline.Send(context.Background(), "   \t ")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	e.backend.mu.Lock()
	defer e.backend.mu.Unlock()
	assert.Zero(t, e.backend.sendCount, "validation failures never reach the network")
}

func TestSelfEchoSuppressed(t *testing.T) {
	e := newEnv(t)
	e.seedChat("chat-1", "Team", KindGroup, true, RoleMember)
	e.openChat(t, "chat-1")

	_, err := e.timeline.Send(context.Background(), "hi")
	require.NoError(t, err)
	require.Len(t, e.timeline.Messages(), 1)

	// The realtime echo of our own publish must not create a second
	// entry; the REST response already confirmed it.
	echo, _ := json.Marshal(realtime.MessagePayload{
		ChatID: "chat-1", Ciphertext: "whatever", Sender: testUsername,
	})
	e.timeline.onRealtimeMessage(echo)
	assert.Len(t, e.timeline.Messages(), 1, "exactly one entry per logical message")
}

func TestRealtimeReceiveFromOtherSender(t *testing.T) {
	e := newEnv(t)
	e.seedChat("chat-1", "Team", KindGroup, true, RoleMember)
	e.openChat(t, "chat-1")

	e.backend.push(t, realtime.EventMessage, realtime.MessagePayload{
		ChatID: "chat-1", Ciphertext: "ct-eva", Sender: "eva",
	})

	require.Eventually(t, func() bool {
		return len(e.timeline.Messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	m := e.timeline.Messages()[0]
	assert.Equal(t, StatusReceived, m.Status)
	assert.Equal(t, "eva", m.Sender)
	assert.False(t, m.IsOwn)
	assert.NotEmpty(t, m.ID, "received messages get a locally generated id")
	assert.NotEqual(t, "srv-1", m.ID, "local ids are never server ids")
}

func TestClearPreventsCrossChatLeakage(t *testing.T) {
	e := newEnv(t)
	e.seedChat("chat-1", "Team", KindGroup, true, RoleMember)
	e.seedChat("chat-2", "Other", KindGroup, true, RoleMember)
	e.openChat(t, "chat-1")

	// Switch chats: leave-before-join.
	e.timeline.Clear()
	f := e.backend.expectFrame(t, realtime.EventLeaveChat)
	var left string
	require.NoError(t, json.Unmarshal(f.Data, &left))
	assert.Equal(t, "chat-1", left)

	_, err := e.dir.Activate(context.Background(), "chat-2")
	require.NoError(t, err)
	_, err = e.timeline.LoadHistory(context.Background(), "chat-2")
	require.NoError(t, err)

	// A stale push for chat-1 must not land in chat-2's timeline.
	stale, _ := json.Marshal(realtime.MessagePayload{
		ChatID: "chat-1", Ciphertext: "stale", Sender: "eva",
	})
	e.timeline.onRealtimeMessage(stale)
	assert.Empty(t, e.timeline.Messages())
}

func TestSendFailureKeepsFailedEntry(t *testing.T) {
	e := newEnv(t)
	e.seedChat("chat-1", "Team", KindGroup, true, RoleMember)
	e.openChat(t, "chat-1")

	e.backend.mu.Lock()
	e.backend.sendFail = true
	e.backend.mu.Unlock()

	msg, err := e.timeline.Send(context.Background(), "doomed")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, msg.Status)
	require.NotEmpty(t, msg.Token)

	msgs := e.timeline.Messages()
	require.Len(t, msgs, 1, "failed entry stays visible")
	assert.Equal(t, StatusFailed, msgs[0].Status)

	// Retry succeeds once the backend recovers.
	e.backend.mu.Lock()
	e.backend.sendFail = false
	e.backend.mu.Unlock()

	retried, err := e.timeline.Retry(context.Background(), msg.Token)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, retried.Status)
	assert.Equal(t, "srv-1", retried.ID)
	require.Len(t, e.timeline.Messages(), 1, "retry promotes, never duplicates")
}

func TestDiscardRemovesFailedEntry(t *testing.T) {
	e := newEnv(t)
	e.seedChat("chat-1", "Team", KindGroup, true, RoleMember)
	e.openChat(t, "chat-1")

	e.backend.mu.Lock()
	e.backend.sendFail = true
	e.backend.mu.Unlock()

	msg, err := e.timeline.Send(context.Background(), "doomed")
	require.Error(t, err)

	assert.True(t, e.timeline.Discard(msg.Token))
	assert.Empty(t, e.timeline.Messages())
	assert.False(t, e.timeline.Discard(msg.Token), "second discard is a no-op")
}

func TestMemberCannotSendIntoClosedChat(t *testing.T) {
	e := newEnv(t)
	e.seedChat("chat-1", "Team", KindGroup, true, RoleMember)
	e.openChat(t, "chat-1")

	e.backend.mu.Lock()
	before := e.backend.sendCount
	e.backend.mu.Unlock()

	e.dir.ApplyStateChange("chat-1", false)
	_, err := e.timeline.Send(context.Background(), "hello?")
	assert.True(t, errors.Is(err, ErrChatClosed))

	e.backend.mu.Lock()
	assert.Equal(t, before, e.backend.sendCount, "rejected without a network call")
	e.backend.mu.Unlock()
}

func TestAdminMaySendIntoClosedChat(t *testing.T) {
	e := newEnv(t)
	e.seedChat("chat-1", "Team", KindGroup, false, RoleAdmin)
	e.openChat(t, "chat-1")

	_, err := e.timeline.Send(context.Background(), "admin override")
	require.NoError(t, err)
}

func TestReceivedMessageInsertedInTimestampOrder(t *testing.T) {
	e := newEnv(t)
	e.seedChat("chat-1", "Team", KindGroup, true, RoleMember)
	future := time.Now().Add(time.Hour)
	e.seedMessage("chat-1", "m-future", "u-eva", "eva", "c", future)
	e.openChat(t, "chat-1")

	// A push stamped "now" sorts before the future-stamped history
	// entry.
	payload, _ := json.Marshal(realtime.MessagePayload{
		ChatID: "chat-1", Ciphertext: "ct", Sender: "eva",
	})
	e.timeline.onRealtimeMessage(payload)

	msgs := e.timeline.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, StatusReceived, msgs[0].Status)
	assert.Equal(t, "m-future", msgs[1].ID)
}

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/proceruss/enigmachat/internal/api"
	"github.com/proceruss/enigmachat/internal/enigma"
	"github.com/proceruss/enigmachat/internal/realtime"
	"github.com/proceruss/enigmachat/internal/session"
)

// Timeline reconciles three message sources into one ordered per-chat
// sequence: the REST history fetch, locally composed optimistic sends,
// and realtime pushes from other participants. Entries are unique by
// server id once assigned and ordered ascending by sent-at, ties broken
// by insertion order.
type Timeline struct {
	mu      sync.Mutex
	api     *api.Client
	rt      *realtime.Client
	session *session.Store
	dir     *Directory

	passphrase string
	cache      HistoryCache // nil disables local history

	chatID   string
	messages []*Message
	pending  map[string]*Message // correlation token -> entry
	msgSub   realtime.Token
	joined   bool
}

// NewTimeline wires a timeline against the transport gateway. cache
// may be nil.
func NewTimeline(client *api.Client, rt *realtime.Client, sess *session.Store, dir *Directory, passphrase string, cache HistoryCache) *Timeline {
	return &Timeline{
		api:        client,
		rt:         rt,
		session:    sess,
		dir:        dir,
		passphrase: passphrase,
		cache:      cache,
		pending:    make(map[string]*Message),
	}
}

// LoadHistory fetches chatID's full history, replaces the local
// sequence and joins the chat's realtime channel. Clear must have been
// called for any previously loaded chat; loading implies clearing.
//
// When the backend is unreachable and a history cache is configured,
// the cached history is served instead so the chat still renders
// offline.
func (t *Timeline) LoadHistory(ctx context.Context, chatID string) ([]Message, error) {
	t.Clear()

	user, _ := t.session.User()

	var envelopes []messageEnvelope
	err := t.api.Request(ctx, http.MethodGet, "/chats/"+chatID+"/messages", nil, &envelopes)
	if err != nil {
		var netErr *api.NetworkError
		if errors.As(err, &netErr) && t.cache != nil {
			cached, cacheErr := t.cache.LoadRecent(chatID, 0)
			if cacheErr == nil && len(cached) > 0 {
				log.Warn().Err(err).Str("chat", chatID).Msg("[timeline] backend unreachable, serving cached history")
				t.install(chatID, cached)
				return t.Messages(), nil
			}
		}
		return nil, fmt.Errorf("load history: %w", err)
	}

	msgs := make([]Message, 0, len(envelopes))
	for _, e := range envelopes {
		msgs = append(msgs, e.toMessage(user.ID))
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})

	t.install(chatID, msgs)

	if t.cache != nil {
		if err := t.cache.Replace(chatID, msgs); err != nil {
			log.Warn().Err(err).Msg("[timeline] cache history")
		}
	}

	// Join before returning so no push between render and join is lost.
	if err := t.rt.JoinChat(chatID); err != nil {
		log.Warn().Err(err).Str("chat", chatID).Msg("[timeline] join chat")
	} else {
		t.mu.Lock()
		t.joined = true
		t.mu.Unlock()
	}

	log.Info().Str("chat", chatID).Int("count", len(msgs)).Msg("[timeline] history loaded")
	return t.Messages(), nil
}

func (t *Timeline) install(chatID string, msgs []Message) {
	t.mu.Lock()
	t.chatID = chatID
	t.messages = make([]*Message, len(msgs))
	for i := range msgs {
		m := msgs[i]
		t.messages[i] = &m
	}
	t.pending = make(map[string]*Message)
	if t.msgSub == (realtime.Token{}) {
		t.msgSub = t.rt.Subscribe(realtime.EventMessage, t.onRealtimeMessage)
	}
	t.mu.Unlock()
}

// Send encrypts plaintext, appends an optimistic pending entry and
// issues the REST call plus a realtime publish. The REST response is
// authoritative for the sender's own view; the realtime copy exists so
// other participants see the message with low latency. On success the
// pending entry is promoted in place; on failure it is marked failed
// and left visible for Retry or Discard.
func (t *Timeline) Send(ctx context.Context, plaintext string) (Message, error) {
	if strings.TrimSpace(plaintext) == "" {
		return Message{}, &ValidationError{Reason: "message must not be empty"}
	}

	active, ok := t.dir.Active()
	if !ok {
		return Message{}, ErrNoActiveChat
	}
	t.mu.Lock()
	chatID := t.chatID
	t.mu.Unlock()
	if chatID == "" || chatID != active.ID {
		return Message{}, ErrNoActiveChat
	}
	// Send-permission gate: admins always, members only while open.
	// Checked before any network call.
	if !CanSend(active) {
		return Message{}, ErrChatClosed
	}

	ciphertext, err := enigma.Encrypt(plaintext, t.passphrase)
	if err != nil {
		return Message{}, fmt.Errorf("encrypt message: %w", err)
	}

	user, _ := t.session.User()
	entry := &Message{
		ChatID:     chatID,
		Sender:     user.Username,
		Ciphertext: ciphertext,
		SentAt:     time.Now(),
		IsOwn:      true,
		Status:     StatusPending,
		Token:      uuid.NewString(),
	}

	t.mu.Lock()
	t.messages = append(t.messages, entry)
	t.pending[entry.Token] = entry
	t.mu.Unlock()

	return t.deliver(ctx, entry)
}

// deliver runs the REST call and realtime publish for a pending entry.
func (t *Timeline) deliver(ctx context.Context, entry *Message) (Message, error) {
	var envelope messageEnvelope
	err := t.api.Request(ctx, http.MethodPost, "/chats/"+entry.ChatID+"/messages",
		sendMessageRequest{Ciphertext: entry.Ciphertext}, &envelope)

	t.mu.Lock()
	if err != nil {
		entry.Status = StatusFailed
		snapshot := *entry
		t.mu.Unlock()
		log.Warn().Err(err).Str("chat", entry.ChatID).Msg("[timeline] send failed")
		return snapshot, fmt.Errorf("send message: %w", err)
	}
	// Promote in place: same position, server id and timestamp.
	entry.ID = envelope.ID
	if !envelope.SentAt.IsZero() {
		entry.SentAt = envelope.SentAt
	}
	entry.Status = StatusConfirmed
	delete(t.pending, entry.Token)
	snapshot := *entry
	t.mu.Unlock()

	if t.cache != nil {
		if cerr := t.cache.Append(entry.ChatID, snapshot); cerr != nil {
			log.Debug().Err(cerr).Msg("[timeline] cache append")
		}
	}

	// Low-latency copy for other participants. The REST path already
	// confirmed our own view, so a publish failure is not a send
	// failure.
	if perr := t.rt.SendMessage(entry.ChatID, entry.Ciphertext, snapshot.Sender); perr != nil {
		log.Warn().Err(perr).Msg("[timeline] realtime publish")
	}
	return snapshot, nil
}

// Retry re-issues the REST call for a failed optimistic entry,
// identified by its correlation token.
func (t *Timeline) Retry(ctx context.Context, token string) (Message, error) {
	t.mu.Lock()
	entry, ok := t.pending[token]
	if !ok || entry.Status != StatusFailed {
		t.mu.Unlock()
		return Message{}, fmt.Errorf("retry %q: no failed entry", token)
	}
	entry.Status = StatusPending
	t.mu.Unlock()
	return t.deliver(ctx, entry)
}

// Discard removes a failed optimistic entry from the timeline.
func (t *Timeline) Discard(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[token]
	if !ok || entry.Status != StatusFailed {
		return false
	}
	delete(t.pending, token)
	for i, m := range t.messages {
		if m == entry {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			break
		}
	}
	return true
}

// onRealtimeMessage handles a pushed "message" event. Pushes for other
// chats are dropped (the gateway only delivers joined chats, but the
// active-chat check is still mandatory), and pushes whose sender is the
// current user are dropped: the REST response already confirmed the
// entry, and applying the echo would duplicate it.
func (t *Timeline) onRealtimeMessage(data json.RawMessage) {
	var p realtime.MessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Debug().Err(err).Msg("[timeline] malformed message payload")
		return
	}

	t.mu.Lock()
	chatID := t.chatID
	t.mu.Unlock()
	if p.ChatID == "" || p.ChatID != chatID {
		return
	}
	user, _ := t.session.User()
	if p.Sender == user.Username {
		return
	}

	// Realtime receives carry a locally generated id; the backend
	// offers no lookup to swap it for the server's, so it stays local
	// and is not stable across reloads.
	m := Message{
		ID:         fmt.Sprintf("local-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8]),
		ChatID:     p.ChatID,
		Sender:     p.Sender,
		Ciphertext: p.Ciphertext,
		SentAt:     time.Now(),
		IsOwn:      false,
		Status:     StatusReceived,
	}

	t.mu.Lock()
	t.insertOrdered(&m)
	t.mu.Unlock()

	if t.cache != nil {
		if err := t.cache.Append(p.ChatID, m); err != nil {
			log.Debug().Err(err).Msg("[timeline] cache append")
		}
	}
}

// insertOrdered places m by ascending SentAt, after any existing entry
// with the same timestamp (insertion order breaks ties). Callers hold
// the lock.
func (t *Timeline) insertOrdered(m *Message) {
	i := len(t.messages)
	for i > 0 && t.messages[i-1].SentAt.After(m.SentAt) {
		i--
	}
	t.messages = append(t.messages, nil)
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = m
}

// Clear leaves the chat's realtime channel and discards the local
// sequence. Must run before a different chat is activated so stale
// pushes cannot land in the wrong timeline.
func (t *Timeline) Clear() {
	t.mu.Lock()
	chatID := t.chatID
	joined := t.joined
	t.chatID = ""
	t.joined = false
	t.messages = nil
	t.pending = make(map[string]*Message)
	t.mu.Unlock()

	if chatID != "" && joined {
		if err := t.rt.LeaveChat(chatID); err != nil {
			log.Debug().Err(err).Str("chat", chatID).Msg("[timeline] leave chat")
		}
	}
}

// ChatID returns the chat this timeline currently holds, empty if none.
func (t *Timeline) ChatID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chatID
}

// Messages returns an ordered snapshot of the current sequence.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = *m
	}
	return out
}

// Decrypt returns a message's plaintext for rendering.
func (t *Timeline) Decrypt(m Message) string {
	plain, err := enigma.Decrypt(m.Ciphertext, t.passphrase)
	if err != nil {
		log.Debug().Err(err).Str("id", m.ID).Msg("[timeline] undecryptable message")
		return m.Ciphertext
	}
	return plain
}

// CanSend reports whether the current user may send into c: admins
// always, members only while the chat is open. UX gating only; the
// server re-enforces this.
func CanSend(c Chat) bool {
	return c.Role == RoleAdmin || c.IsOpen
}

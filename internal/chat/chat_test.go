package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/proceruss/enigmachat/internal/api"
	"github.com/proceruss/enigmachat/internal/realtime"
	"github.com/proceruss/enigmachat/internal/session"
)

// fakeBackend is an in-process EnigmaChat backend: chi REST routes plus
// a websocket endpoint for the realtime channel.
type fakeBackend struct {
	mu sync.Mutex

	chats    []chatEnvelope
	members  map[string][]memberRecord
	messages map[string][]messageEnvelope

	sendFail   bool // make POST message return 500
	sendCount  int
	stateCount int
	lastState  updateStateRequest

	conn   *websocket.Conn
	frames chan wsFrame
}

// wsFrame mirrors the wire envelope of the realtime channel.
type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		members:  make(map[string][]memberRecord),
		messages: make(map[string][]messageEnvelope),
		frames:   make(chan wsFrame, 64),
	}
}

func (b *fakeBackend) handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/chats", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.chats)
	})
	r.Post("/chats/groups", func(w http.ResponseWriter, req *http.Request) {
		var body createGroupRequest
		_ = json.NewDecoder(req.Body).Decode(&body)
		env := chatEnvelope{
			ID:        "group-" + body.Name,
			ChatType:  string(KindGroup),
			UpdatedAt: time.Now(),
			GroupChat: &groupChat{
				GroupName:  body.Name,
				IsOpenChat: body.IsOpenChat,
				CanInvite:  body.CanInvite,
			},
		}
		if body.Description != nil {
			env.GroupChat.GroupDescription = body.Description
		}
		writeJSON(w, env)
	})
	r.Get("/groups/{chatID}/members", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.members[chi.URLParam(req, "chatID")])
	})
	r.Get("/chats/{chatID}/messages", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		msgs := b.messages[chi.URLParam(req, "chatID")]
		if msgs == nil {
			msgs = []messageEnvelope{}
		}
		writeJSON(w, msgs)
	})
	r.Post("/chats/{chatID}/messages", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		b.sendCount++
		fail := b.sendFail
		b.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, map[string]string{"message": "storage unavailable"})
			return
		}
		var body sendMessageRequest
		_ = json.NewDecoder(req.Body).Decode(&body)
		writeJSON(w, messageEnvelope{
			ID:         "srv-1",
			ChatID:     chi.URLParam(req, "chatID"),
			Ciphertext: body.Ciphertext,
			SentAt:     time.Date(2025, 11, 25, 12, 0, 0, 0, time.UTC),
		})
	})
	r.Put("/chats/{chatID}/state", func(w http.ResponseWriter, req *http.Request) {
		var body updateStateRequest
		_ = json.NewDecoder(req.Body).Decode(&body)
		b.mu.Lock()
		b.stateCount++
		b.lastState = body
		b.mu.Unlock()
		writeJSON(w, map[string]bool{"ok": true})
	})
	r.Get("/socket", b.handleWS)
	return r
}

var upgrader = websocket.Upgrader{}

func (b *fakeBackend) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		b.frames <- f
	}
}

// push delivers an event to the connected client.
func (b *fakeBackend) push(t *testing.T, event string, payload any) {
	t.Helper()
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	require.NotNil(t, conn, "no websocket client connected")
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wsFrame{Event: event, Data: data}))
}

// expectFrame waits for the next frame of the given event, skipping
// others.
func (b *fakeBackend) expectFrame(t *testing.T, event string) wsFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-b.frames:
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", event)
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// env wires a full client stack against a fakeBackend.
type env struct {
	backend  *fakeBackend
	srv      *httptest.Server
	sess     *session.Store
	api      *api.Client
	rt       *realtime.Client
	dir      *Directory
	timeline *Timeline
	state    *StateSync
}

const (
	testUserID   = "u-lilith"
	testUsername = "lilith_zahir"
	testKey      = "secret-key"
)

func newEnv(t *testing.T) *env {
	t.Helper()
	backend := newFakeBackend()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	sess := session.Open("")
	require.NoError(t, sess.Save("test-token", session.User{ID: testUserID, Username: testUsername}))

	client := api.New(srv.URL, sess, 5*time.Second)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"
	rt := realtime.New(wsURL, sess.Token())
	require.NoError(t, rt.Dial(context.Background()))
	t.Cleanup(func() { _ = rt.Close() })

	dir := NewDirectory(client, sess)
	e := &env{
		backend:  backend,
		srv:      srv,
		sess:     sess,
		api:      client,
		rt:       rt,
		dir:      dir,
		timeline: NewTimeline(client, rt, sess, dir, testKey, nil),
		state:    NewStateSync(client, rt, dir),
	}
	return e
}

// seedChat registers one chat in the backend directory along with the
// current user's membership role.
func (e *env) seedChat(id, name string, kind Kind, isOpen bool, role Role) {
	ce := chatEnvelope{
		ID:        id,
		ChatType:  string(kind),
		UpdatedAt: time.Now(),
	}
	if kind == KindGroup {
		ce.GroupChat = &groupChat{GroupName: name, IsOpenChat: isOpen}
	} else {
		ce.IndividualChat = &individualChat{Participants: []string{testUsername, name}}
	}
	e.backend.mu.Lock()
	e.backend.chats = append(e.backend.chats, ce)
	e.backend.members[id] = []memberRecord{{UserID: testUserID, Role: role}}
	e.backend.mu.Unlock()
}

func (e *env) seedMessage(chatID, msgID, senderID, senderName, ciphertext string, sentAt time.Time) {
	m := messageEnvelope{
		ID:         msgID,
		ChatID:     chatID,
		SenderID:   senderID,
		Ciphertext: ciphertext,
		SentAt:     sentAt,
	}
	m.Sender = &struct {
		Username string `json:"username"`
	}{Username: senderName}
	e.backend.mu.Lock()
	e.backend.messages[chatID] = append(e.backend.messages[chatID], m)
	e.backend.mu.Unlock()
}

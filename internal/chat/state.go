package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/proceruss/enigmachat/internal/api"
	"github.com/proceruss/enigmachat/internal/realtime"
)

// StateSync propagates open/closed chat-state toggles across clients.
// A toggle is persisted over REST first, then published over realtime,
// then applied locally; unlike message send, this path is not
// optimistic-before-confirmation. The admin gate here is UX only; the
// server re-enforces it.
type StateSync struct {
	api *api.Client
	rt  *realtime.Client
	dir *Directory
}

// NewStateSync wires a synchronizer against the directory.
func NewStateSync(client *api.Client, rt *realtime.Client, dir *Directory) *StateSync {
	return &StateSync{api: client, rt: rt, dir: dir}
}

// Bind subscribes the synchronizer to remote state changes.
func (s *StateSync) Bind() {
	s.rt.Subscribe(realtime.EventChatStateChange, s.onRemoteStateChange)
}

// Toggle flips chatID's open/closed state. Refused locally with
// ErrNotAdmin, without any network call, unless the current user's
// resolved role for the chat is ADMIN.
func (s *StateSync) Toggle(ctx context.Context, chatID string) (bool, error) {
	c, ok := s.dir.Get(chatID)
	if !ok {
		return false, fmt.Errorf("toggle %q: %w", chatID, ErrNotFound)
	}
	if c.Role != RoleAdmin {
		return c.IsOpen, ErrNotAdmin
	}

	newState := !c.IsOpen
	err := s.api.Request(ctx, http.MethodPut, "/chats/"+chatID+"/state",
		updateStateRequest{IsOpenChat: newState}, nil)
	if err != nil {
		return c.IsOpen, fmt.Errorf("persist chat state: %w", err)
	}

	// Confirmed: let the other participants know, then apply locally.
	if perr := s.rt.SendChatStateChange(chatID, newState); perr != nil {
		log.Warn().Err(perr).Str("chat", chatID).Msg("[state] publish state change")
	}
	s.dir.ApplyStateChange(chatID, newState)

	log.Info().Str("chat", chatID).Bool("open", newState).Msg("[state] chat state toggled")
	return newState, nil
}

// onRemoteStateChange applies a pushed toggle to the directory. If the
// changed chat is the active one, the directory snapshot callers read
// already reflects the new send-permission gate via CanSend.
func (s *StateSync) onRemoteStateChange(data json.RawMessage) {
	var p realtime.StateChangePayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChatID == "" {
		log.Debug().Err(err).Msg("[state] malformed state-change payload")
		return
	}
	s.dir.ApplyStateChange(p.ChatID, p.IsOpenChat)
	log.Debug().Str("chat", p.ChatID).Bool("open", p.IsOpenChat).Msg("[state] remote state change applied")
}

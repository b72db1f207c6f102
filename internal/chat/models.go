package chat

import (
	"errors"
	"fmt"
	"time"
)

// Kind distinguishes one-on-one chats from groups.
type Kind string

const (
	KindIndividual Kind = "INDIVIDUAL"
	KindGroup      Kind = "GROUP"
)

// Role is the current user's membership role within a chat.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Status is a message's delivery state.
type Status string

const (
	// StatusPending marks an optimistic local entry awaiting the REST
	// confirmation.
	StatusPending Status = "pending"
	// StatusConfirmed marks a message acknowledged by the backend with
	// a server-assigned id.
	StatusConfirmed Status = "confirmed"
	// StatusReceived marks a message that arrived over the realtime
	// channel from another sender.
	StatusReceived Status = "received"
	// StatusFailed marks an optimistic entry whose REST call failed;
	// callers may Retry or Discard it.
	StatusFailed Status = "failed"
)

// Chat is one conversation visible to the current user. Exactly one
// record exists per id within a Directory.
type Chat struct {
	ID           string
	Name         string
	Description  string
	Kind         Kind
	IsOpen       bool
	Role         Role // resolved lazily on first activation; empty until then
	LastActivity time.Time
}

// Message is one entry in a chat's timeline. ID is server-assigned and
// empty while an optimistic send is still pending; realtime-received
// messages carry a locally generated id that is never reconciled with
// the server's (the backend offers no lookup for it).
type Message struct {
	ID         string
	ChatID     string
	Sender     string
	Ciphertext string
	SentAt     time.Time
	IsOwn      bool
	Status     Status

	// Token is the client-generated correlation token of an optimistic
	// send. Empty for history and realtime entries.
	Token string `json:"-"`
}

// ErrNotFound reports an operation against a chat id absent from the
// directory. Programmer error class: log it, never swallow it.
var ErrNotFound = errors.New("chat not found")

// ErrNotAdmin is returned when a state toggle is attempted without the
// ADMIN role. Purely a UX gate; the server re-enforces it.
var ErrNotAdmin = errors.New("only admins can open or close chats")

// ErrChatClosed is returned when a member sends into a closed chat.
var ErrChatClosed = errors.New("chat is closed")

// ErrNoActiveChat is returned when a timeline operation needs an
// activated chat and none is.
var ErrNoActiveChat = errors.New("no active chat")

// ValidationError reports locally rejected input. It never reaches the
// network.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Reason)
}

// HistoryCache persists confirmed and received messages locally so a
// chat can render history while offline. Implementations must tolerate
// a nil receiver as a disabled cache.
type HistoryCache interface {
	Append(chatID string, m Message) error
	Replace(chatID string, msgs []Message) error
	LoadRecent(chatID string, limit int) ([]Message, error)
}

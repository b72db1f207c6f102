package chat

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proceruss/enigmachat/internal/api"
	"github.com/proceruss/enigmachat/internal/session"
)

// Directory holds the set of chats visible to the current user and the
// single active-chat pointer, behind one lock.
type Directory struct {
	mu      sync.Mutex
	api     *api.Client
	session *session.Store

	chats    []*Chat // most recent activity first
	index    map[string]*Chat
	activeID string
}

// NewDirectory builds an empty directory; call Load to populate it.
func NewDirectory(client *api.Client, sess *session.Store) *Directory {
	return &Directory{
		api:     client,
		session: sess,
		index:   make(map[string]*Chat),
	}
}

// Load fetches the chat list and replaces the directory contents,
// sorted by last activity, most recent first.
func (d *Directory) Load(ctx context.Context) ([]Chat, error) {
	user, _ := d.session.User()

	var envelopes []chatEnvelope
	if err := d.api.Request(ctx, http.MethodGet, "/chats", nil, &envelopes); err != nil {
		return nil, fmt.Errorf("load chats: %w", err)
	}

	chats := make([]*Chat, 0, len(envelopes))
	for _, e := range envelopes {
		c := e.toChat(user.Username)
		chats = append(chats, &c)
	}
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].LastActivity.After(chats[j].LastActivity)
	})

	d.mu.Lock()
	d.chats = chats
	d.index = make(map[string]*Chat, len(chats))
	for _, c := range chats {
		d.index[c.ID] = c
	}
	// A reload invalidates the active pointer; the caller re-activates.
	d.activeID = ""
	d.mu.Unlock()

	log.Info().Int("count", len(chats)).Msg("[directory] chats loaded")
	return d.Chats(), nil
}

// Activate resolves the current user's role in chatID and makes it the
// single active chat. It is a precondition for sending and for state
// toggles. Fails with ErrNotFound for unknown ids.
func (d *Directory) Activate(ctx context.Context, chatID string) (Chat, error) {
	d.mu.Lock()
	c, ok := d.index[chatID]
	d.mu.Unlock()
	if !ok {
		return Chat{}, fmt.Errorf("activate %q: %w", chatID, ErrNotFound)
	}

	role, err := d.fetchRole(ctx, chatID)
	if err != nil {
		return Chat{}, err
	}

	d.mu.Lock()
	c.Role = role
	d.activeID = chatID
	snapshot := *c
	d.mu.Unlock()

	log.Debug().Str("chat", chatID).Str("role", string(role)).Msg("[directory] chat activated")
	return snapshot, nil
}

func (d *Directory) fetchRole(ctx context.Context, chatID string) (Role, error) {
	user, _ := d.session.User()

	var members []memberRecord
	if err := d.api.Request(ctx, http.MethodGet, "/groups/"+chatID+"/members", nil, &members); err != nil {
		return "", fmt.Errorf("fetch members: %w", err)
	}
	for _, m := range members {
		if m.UserID == user.ID {
			return m.Role, nil
		}
	}
	// Not listed: treat as plain member rather than failing the open.
	log.Warn().Str("chat", chatID).Msg("[directory] current user missing from member list")
	return RoleMember, nil
}

// GroupSpec describes a group to create.
type GroupSpec struct {
	Name         string
	Description  string
	Participants []string
	IsOpen       bool
	IsEditable   bool
	CanInvite    bool
	MasterKey    string
}

// CreateGroup validates spec locally, creates the group and inserts it
// at the front of the directory.
func (d *Directory) CreateGroup(ctx context.Context, spec GroupSpec) (Chat, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return Chat{}, &ValidationError{Reason: "group name is required"}
	}
	if len(spec.Participants) == 0 {
		return Chat{}, &ValidationError{Reason: "at least one participant is required"}
	}

	req := createGroupRequest{
		Name:            spec.Name,
		Participants:    spec.Participants,
		IsOpenChat:      spec.IsOpen,
		IsEditable:      spec.IsEditable,
		CanInvite:       spec.CanInvite,
		EnigmaMasterKey: spec.MasterKey,
	}
	if spec.Description != "" {
		req.Description = &spec.Description
	}
	if req.EnigmaMasterKey == "" {
		req.EnigmaMasterKey = fmt.Sprintf("key_%d", time.Now().UnixMilli())
	}

	var envelope chatEnvelope
	if err := d.api.Request(ctx, http.MethodPost, "/chats/groups", req, &envelope); err != nil {
		return Chat{}, fmt.Errorf("create group: %w", err)
	}

	user, _ := d.session.User()
	c := envelope.toChat(user.Username)
	if c.LastActivity.IsZero() {
		c.LastActivity = time.Now()
	}

	d.mu.Lock()
	if existing, ok := d.index[c.ID]; ok {
		// The backend echoed a chat we already track; refresh in place.
		*existing = c
	} else {
		d.chats = append([]*Chat{&c}, d.chats...)
		d.index[c.ID] = &c
	}
	d.mu.Unlock()

	log.Info().Str("chat", c.ID).Str("name", c.Name).Msg("[directory] group created")
	return c, nil
}

// ApplyStateChange updates a chat's open/closed flag. Idempotent;
// unknown ids are a no-op.
func (d *Directory) ApplyStateChange(chatID string, isOpen bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.index[chatID]; ok {
		c.IsOpen = isOpen
	}
}

// Active returns the active chat, if any.
func (d *Directory) Active() (Chat, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.index[d.activeID]; ok {
		return *c, true
	}
	return Chat{}, false
}

// ActiveID returns the active chat id, empty if none.
func (d *Directory) ActiveID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeID
}

// Deactivate clears the active-chat pointer.
func (d *Directory) Deactivate() {
	d.mu.Lock()
	d.activeID = ""
	d.mu.Unlock()
}

// Get returns a snapshot of one chat.
func (d *Directory) Get(chatID string) (Chat, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.index[chatID]; ok {
		return *c, true
	}
	return Chat{}, false
}

// Chats returns a snapshot of the directory in display order.
func (d *Directory) Chats() []Chat {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Chat, len(d.chats))
	for i, c := range d.chats {
		out[i] = *c
	}
	return out
}

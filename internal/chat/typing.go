package chat

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proceruss/enigmachat/internal/realtime"
)

// Default typing windows. The debounce trails the last keystroke; the
// receiver expiry exists so a lost stop-typing event cannot pin the
// indicator forever.
const (
	DefaultTypingDebounce = 2 * time.Second
	DefaultTypingExpiry   = 5 * time.Second
)

// TypingTracker owns the ephemeral "who is typing" state. Local input
// publishes typing events with a trailing debounce; remote events set
// per-chat flags that expire on their own.
type TypingTracker struct {
	rt       *realtime.Client
	debounce time.Duration
	expiry   time.Duration

	mu     sync.Mutex
	stop   map[string]*time.Timer          // per-chat local debounce timers
	remote map[string]map[string]time.Time // chat -> sender -> deadline
}

// NewTypingTracker builds a tracker with the given windows; zero values
// select the defaults.
func NewTypingTracker(rt *realtime.Client, debounce, expiry time.Duration) *TypingTracker {
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &TypingTracker{
		rt:       rt,
		debounce: debounce,
		expiry:   expiry,
		stop:     make(map[string]*time.Timer),
		remote:   make(map[string]map[string]time.Time),
	}
}

// Bind subscribes the tracker to remote typing events.
func (t *TypingTracker) Bind() {
	t.rt.Subscribe(realtime.EventTyping, t.onRemoteTyping)
	t.rt.Subscribe(realtime.EventStopTyping, t.onRemoteStopTyping)
}

// OnLocalInput publishes a typing event for chatID and (re)arms the
// debounce timer. Every keystroke resets it, so stop-typing fires once
// after the debounce window of silence, not once per keystroke.
func (t *TypingTracker) OnLocalInput(chatID string) {
	if chatID == "" {
		return
	}
	if err := t.rt.SendTyping(chatID); err != nil {
		log.Debug().Err(err).Msg("[typing] publish typing")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.stop[chatID]; ok {
		timer.Reset(t.debounce)
		return
	}
	t.stop[chatID] = time.AfterFunc(t.debounce, func() {
		t.mu.Lock()
		delete(t.stop, chatID)
		t.mu.Unlock()
		if err := t.rt.SendStopTyping(chatID); err != nil {
			log.Debug().Err(err).Msg("[typing] publish stop-typing")
		}
	})
}

// Flush cancels any armed debounce timer and publishes stop-typing
// immediately, used when the composer sends or the chat closes.
func (t *TypingTracker) Flush(chatID string) {
	t.mu.Lock()
	timer, ok := t.stop[chatID]
	if ok {
		timer.Stop()
		delete(t.stop, chatID)
	}
	t.mu.Unlock()
	if ok {
		if err := t.rt.SendStopTyping(chatID); err != nil {
			log.Debug().Err(err).Msg("[typing] publish stop-typing")
		}
	}
}

func (t *TypingTracker) onRemoteTyping(data json.RawMessage) {
	var p realtime.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChatID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	senders, ok := t.remote[p.ChatID]
	if !ok {
		senders = make(map[string]time.Time)
		t.remote[p.ChatID] = senders
	}
	senders[p.Sender] = time.Now().Add(t.expiry)
}

func (t *TypingTracker) onRemoteStopTyping(data json.RawMessage) {
	var p realtime.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChatID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if senders, ok := t.remote[p.ChatID]; ok {
		delete(senders, p.Sender)
		if len(senders) == 0 {
			delete(t.remote, p.ChatID)
		}
	}
}

// Typing returns the senders currently typing in chatID. Expired
// entries are pruned before being reported, so a lost stop-typing event
// clears itself after the expiry window.
func (t *TypingTracker) Typing(chatID string) []string {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	senders, ok := t.remote[chatID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(senders))
	for sender, deadline := range senders {
		if now.After(deadline) {
			delete(senders, sender)
			continue
		}
		out = append(out, sender)
	}
	if len(senders) == 0 {
		delete(t.remote, chatID)
	}
	sort.Strings(out)
	return out
}

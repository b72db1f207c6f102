package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/proceruss/enigmachat/internal/chat"
	"github.com/proceruss/enigmachat/internal/realtime"
	"github.com/proceruss/enigmachat/internal/session"
)

// newStatusHandler serves a small local status page: connection state,
// current user and the loaded chat list. Debug aid only, bound to
// localhost via --port.
func newStatusHandler(sess *session.Store, rt *realtime.Client, dir *chat.Directory, tl *chat.Timeline) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("enigmachat client\nsee /status\n"))
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		user, _ := sess.User()
		type chatRow struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Kind   string `json:"kind"`
			IsOpen bool   `json:"isOpen"`
		}
		chats := dir.Chats()
		rows := make([]chatRow, len(chats))
		for i, c := range chats {
			rows[i] = chatRow{ID: c.ID, Name: c.Name, Kind: string(c.Kind), IsOpen: c.IsOpen}
		}
		status := struct {
			User       string    `json:"user"`
			Connected  bool      `json:"connected"`
			ActiveChat string    `json:"activeChat,omitempty"`
			Messages   int       `json:"messages"`
			Chats      []chatRow `json:"chats"`
		}{
			User:       user.Username,
			Connected:  rt.Connected(),
			ActiveChat: tl.ChatID(),
			Messages:   len(tl.Messages()),
			Chats:      rows,
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(status)
	})
	return r
}

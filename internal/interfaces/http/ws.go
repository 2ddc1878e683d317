package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
	},
}

// handleTaskSocket streams progress events for one task over a
// websocket. The stream ends when the client disconnects or the task
// reaches a terminal status.
func (s *Server) handleTaskSocket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.deps.Store.Tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "no such task"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := s.deps.Scheduler.Subscribe(id)
	defer unsubscribe()

	// Reader goroutine notices client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Poll the task row so the socket also terminates when the last
	// events were published before this subscription existed.
	statusTicker := time.NewTicker(2 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-done:
			return
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-statusTicker.C:
			snap, err := s.deps.Store.Tasks.Get(r.Context(), id)
			if err != nil || snap == nil {
				return
			}
			if err := conn.WriteJSON(map[string]any{
				"task_id":      snap.ID,
				"status":       snap.Status,
				"progress_pct": snap.Progress(),
				"total_items":  snap.TotalItems,
			}); err != nil {
				return
			}
			if snap.Status.Terminal() {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(snap.Status)), deadline)
				return
			}
		}
	}
}

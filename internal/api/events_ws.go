package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fleetsync/internal/events"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
	wsWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// EventsWSHandler streams bus events as JSON text frames. ?vehicle=<id>
// selects one vehicle's topic; without it the fleet topic is streamed.
func (s *Server) EventsWSHandler(w http.ResponseWriter, r *http.Request) {
	topic := events.TopicFleet
	if id := r.URL.Query().Get("vehicle"); id != "" {
		topic = events.VehicleTopic(id)
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.Bus.Subscribe(topic)
	defer s.Bus.Unsubscribe(topic, ch)
	entry := s.Log.WithField("topic", topic)
	entry.Debug("websocket subscribed")

	// all writes happen on this goroutine
	write := func(fn func() error) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return fn()
	}

	// Read loop only watches for close and pongs
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			entry.Debug("websocket closed")
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := write(func() error { return conn.WriteMessage(websocket.PingMessage, nil) }); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := write(func() error { return conn.WriteJSON(evt) }); err != nil {
				return
			}
		}
	}
}

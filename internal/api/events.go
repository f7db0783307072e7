package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartpcapp/smartpc-control-plane/internal/metrics"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPongWait     = 60 * time.Second
	eventPingInterval = 30 * time.Second
)

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Requests are already authenticated by token; browsers on the dashboard
	// origin and native shells both connect here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleViewerEvents streams a snapshot of the caller's viewer after every
// change. Slow clients skip intermediate snapshots.
func (s *Server) handleViewerEvents(w http.ResponseWriter, r *http.Request) {
	v, userID, ok := s.userViewer(w, r)
	if !ok {
		return
	}
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("event=viewer_stream_upgrade_failed user_id=%s err=%v", userID, err)
		return
	}
	defer conn.Close()

	metrics.Default().AddGauge("smartpc_viewer_event_streams", 1, nil)
	defer metrics.Default().AddGauge("smartpc_viewer_event_streams", -1, nil)
	log.Printf("event=viewer_stream_opened user_id=%s remote=%s", userID, r.RemoteAddr)

	snapshots, unsubscribe := v.Subscribe()
	defer unsubscribe()

	// The read side only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("event=viewer_stream_read_failed user_id=%s err=%v", userID, err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			log.Printf("event=viewer_stream_closed user_id=%s", userID)
			return
		case snap, ok := <-snapshots:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "viewer closed"))
				return
			}
			if err := conn.WriteJSON(toSnapshotResponse(snap)); err != nil {
				log.Printf("event=viewer_stream_write_failed user_id=%s err=%v", userID, err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

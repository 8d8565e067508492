package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"git.home.luguber.info/inful/ciagent/internal/events"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	streamBuffer = 256
)

// StreamMessage is one event on the websocket stream.
type StreamMessage struct {
	Type string       `json:"type"`
	At   time.Time    `json:"at"`
	Data events.Event `json:"data"`
}

// EventHandlers streams bus events to websocket clients.
type EventHandlers struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
}

// NewEventHandlers creates the stream handler. Slow clients lose events
// instead of stalling builds.
func NewEventHandlers(bus *events.Bus) *EventHandlers {
	return &EventHandlers{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// HandleStream upgrades the connection and forwards events until the client
// goes away. The build query parameter limits build events to one build.
func (h *EventHandlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	buildID := r.URL.Query().Get("build")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", logfields.RemoteAddr(r.RemoteAddr), logfields.Error(err))
		return
	}
	defer conn.Close()

	ch, unsubscribe := events.SubscribeLossy[events.Event](h.bus, streamBuffer)
	defer unsubscribe()

	closed := make(chan struct{})
	go readUntilClosed(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			if buildID != "" && !concernsBuild(evt, buildID) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			msg := StreamMessage{Type: evt.EventType(), At: evt.OccurredAt(), Data: evt}
			if err := conn.WriteJSON(msg); err != nil {
				slog.Debug("WebSocket client gone", logfields.RemoteAddr(r.RemoteAddr), logfields.Error(err))
				return
			}
		}
	}
}

// readUntilClosed drains client frames so pongs and close frames are
// processed, and closes done when the connection fails.
func readUntilClosed(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func concernsBuild(evt events.Event, id string) bool {
	switch e := evt.(type) {
	case events.BuildQueued:
		return e.Build.ID == id
	case events.BuildStarted:
		return e.Build.ID == id
	case events.BuildFinished:
		return e.Build.ID == id
	case events.LogLineAppended:
		return e.BuildID == id
	default:
		return false
	}
}

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/ambulance-dispatch/internal/dispatch"
	"github.com/ukydev/ambulance-dispatch/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hello is the first frame of every feed connection. Every event with a
// Seq above HelloSeq follows it.
type Hello struct {
	Type         string `json:"type"`
	StoreVersion uint64 `json:"store_version"`
	HelloSeq     uint64 `json:"seq"`
}

// FeedHandler streams bus events to WebSocket clients
type FeedHandler struct {
	svc    *dispatch.Service
	logger *log.Entry
}

// NewFeedHandler creates a new live feed handler
func NewFeedHandler(svc *dispatch.Service) *FeedHandler {
	return &FeedHandler{svc: svc, logger: log.WithField("component", "feed")}
}

// ServeHTTP upgrades the connection and pumps events until either side
// goes away. A client too slow for its queue is dropped by the bus and
// receives a close frame.
func (h *FeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hello := Hello{Type: "hello", StoreVersion: h.svc.Store.Version()}
	sub, seq, err := h.svc.Bus.SubscribeAt("feed")
	hello.HelloSeq = seq
	if err != nil {
		http.Error(w, "Feed unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Unsubscribe()
		return
	}
	logger := h.logger.WithFields(log.Fields{"subscriber": sub.ID(), "remote": r.RemoteAddr})
	logger.Info("Feed client connected")

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, sub, hello, done, logger)
}

// readPump discards client frames and notices disconnects.
func (h *FeedHandler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
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

func (h *FeedHandler) writePump(conn *websocket.Conn, sub *events.Subscription, hello Hello, done <-chan struct{}, logger *log.Entry) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Unsubscribe()
		conn.Close()
		logger.Info("Feed client disconnected")
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				reason := "feed closed"
				var overflow *events.QueueOverflowError
				if errors.As(sub.Err(), &overflow) {
					reason = "too slow"
					logger.Warn("Feed client dropped")
				}
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

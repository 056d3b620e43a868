package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer     = 256
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamPongWait   = 2 * streamPingPeriod
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Stream pushes every tag update as a JSON frame. ?prefix= limits the paths sent.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	prefix := strings.Trim(r.URL.Query().Get("prefix"), "/")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debugw("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	updates, cancel := a.tags.Subscribe(streamBuffer)
	defer cancel()

	// The server read timeout still applies to the hijacked conn; pongs keep it alive.
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if prefix != "" {
		for _, tag := range a.tags.Snapshot(prefix) {
			if err := writeFrame(conn, tag); err != nil {
				return
			}
		}
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case tag, ok := <-updates:
			if !ok {
				return
			}
			if prefix != "" && tag.Path != prefix && !strings.HasPrefix(tag.Path, prefix+"/") {
				continue
			}
			if err := writeFrame(conn, tag); err != nil {
				a.logger.Debugw("websocket write failed", "err", err)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(streamWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, payload any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(payload)
}

package stream

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/weftlabs/weft/engine/bus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Clients only send pongs, never data
	maxMessageSize = 512
)

// wsFrame is the JSON shape of one websocket message
type wsFrame struct {
	Event bus.EventType `json:"event"`
	Data  interface{}   `json:"data"`
}

// ServeWebSocket drains a subscriber into an upgraded websocket
// connection. Each event goes out as its own text frame; comments are
// dropped because protocol pings cover liveness. Returns when the stream
// closes or the peer disconnects, with both the subscriber and the
// connection closed.
func ServeWebSocket(conn *websocket.Conn, sub *bus.Subscriber) error {
	defer conn.Close()
	defer sub.Close()

	// read side exists to consume pongs and notice disconnects
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return nil
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case frame, ok := <-sub.Frames():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
			if frame.Comment != "" {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(wsFrame{Event: frame.Event, Data: frame.Data}); err != nil {
				return err
			}
		}
	}
}

// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fanout

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients come through the reverse proxy; origin policy is
	// enforced there along with authentication.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientCommand is the in-band subscription protocol.
type clientCommand struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// Handler upgrades websocket clients and bridges them to the hub.
// Initial topics come from the topics query parameter (comma separated);
// clients adjust later with subscribe/unsubscribe commands.
func Handler(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		var topics []string
		if raw := r.URL.Query().Get("topics"); raw != "" {
			for _, t := range strings.Split(raw, ",") {
				if t = strings.TrimSpace(t); t != "" {
					topics = append(topics, t)
				}
			}
		}

		sub := hub.Subscribe(topics...)
		go writePump(conn, sub, logger)
		readPump(conn, sub, logger)
	}
}

// readPump consumes subscription commands until the client goes away.
// It owns the connection's read side and the subscriber's lifetime.
func readPump(conn *websocket.Conn, sub *Subscriber, logger *slog.Logger) {
	defer sub.Close()
	defer conn.Close()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd clientCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		switch cmd.Action {
		case "subscribe":
			if cmd.Topic != "" {
				sub.Subscribe(cmd.Topic)
			}
		case "unsubscribe":
			if cmd.Topic != "" {
				sub.Unsubscribe(cmd.Topic)
			}
		}
	}
}

// writePump pushes frames and keepalive pings. It exits when the
// subscriber channel closes, which also tears down the connection.
func writePump(conn *websocket.Conn, sub *Subscriber, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case frame, ok := <-sub.Frames():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "backlog overflow"))
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxFrameSize = 4096
	writeTimeout = 10 * time.Second
)

type WebSocketHandler struct {
	server   *Server
	upgrader websocket.Upgrader
}

// NewWebSocketHandler accepts any origin when allowedOrigins is empty.
func NewWebSocketHandler(server *Server, allowedOrigins []string) *WebSocketHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return &WebSocketHandler{
		server: server,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)
	h.server.Serve(r.Context(), &wsSession{conn: conn})
}

// wsSession adapts a gorilla connection to Session. Serve reads from one
// goroutine and writes from another, which gorilla allows.
type wsSession struct {
	conn *websocket.Conn
}

func (s *wsSession) Recv() (string, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if kind == websocket.TextMessage {
			return string(data), nil
		}
	}
}

func (s *wsSession) Send(msg string) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

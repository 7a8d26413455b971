package adminapi

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trading-core/internal/wal"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// walRecord is the wire shape streamed to the console.
type walRecord struct {
	Sequence  uint64 `json:"sequence"`
	Timestamp string `json:"timestamp"`
	Topic     string `json:"topic"`
	Payload   string `json:"payload"`
}

// walStream replays the write-ahead log over a websocket, oldest record
// first, then closes. Corrupt tails are reported, not fatal.
func (s *Server) walStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.WALPath == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"no wal configured"}`))
		return
	}

	result, err := wal.NewReader(s.WALPath).Scan()
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}

	for _, rec := range result.Records {
		out := walRecord{
			Sequence:  rec.Sequence,
			Timestamp: rec.Timestamp.Format("2006-01-02T15:04:05.000000000Z07:00"),
			Topic:     rec.Topic,
			Payload:   string(rec.Payload),
		}
		if err := conn.WriteJSON(out); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
	if result.Truncated {
		_ = conn.WriteJSON(gin.H{"warning": "corrupt tail truncated during scan"})
	}
}

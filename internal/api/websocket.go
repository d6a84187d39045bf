package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// logFrame is one WebSocket message on the log stream.
type logFrame struct {
	Type   string `json:"type"` // "log" or "done"
	Data   string `json:"data,omitempty"`
	Status string `json:"status,omitempty"`
}

// LogsWebSocket streams a session's log buffer over a WebSocket, closing with
// a done frame once the session reaches a terminal state. It serves the same
// poll-diff as the SSE endpoint for clients that prefer a socket.
func (h *Handler) LogsWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "stream ended")
	}()

	// Reads are not expected; CloseRead surfaces client disconnects through
	// the returned context.
	ctx := ws.CloseRead(r.Context())

	var offset int64
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for {
		chunk, next := sess.Logs(offset)
		if chunk != "" {
			if err := writeFrame(ctx, ws, logFrame{Type: "log", Data: chunk}); err != nil {
				return
			}
			offset = next
		}

		if !sess.Running() {
			if tail, _ := sess.Logs(offset); tail != "" {
				if err := writeFrame(ctx, ws, logFrame{Type: "log", Data: tail}); err != nil {
					return
				}
			}
			_ = writeFrame(ctx, ws, logFrame{Type: "done", Status: string(sess.Status())})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
		case <-ticker.C:
		}
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, frame logFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

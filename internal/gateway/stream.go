package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamEnvelope is the wire shape of one bus event on the websocket.
type streamEnvelope struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// handleStream upgrades to a websocket and forwards bus events until the
// client disconnects. An optional ?topic= query narrows the subscription to
// a topic prefix (e.g. "task." or "trace.appended").
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	prefix := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)
	s.logger.Info("stream client connected", "topic_prefix", prefix)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			env := streamEnvelope{Topic: ev.Topic, Payload: ev.Payload, SentAt: time.Now().UTC()}
			if err := wsjson.Write(ctx, conn, env); err != nil {
				s.logger.Debug("stream client write failed, closing", "error", err)
				return
			}
		}
	}
}

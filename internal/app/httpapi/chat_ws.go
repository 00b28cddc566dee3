package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/lovendo/momentcore/internal/app/services/notify"
	apperrors "github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/httputil"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 8 << 10
)

// wsInbound is a message typed by the client.
type wsInbound struct {
	Body string `json:"body"`
}

// wsOutbound is either a delivered message or an error frame.
type wsOutbound struct {
	Type    string `json:"type"`
	Message any    `json:"message,omitempty"`
	Error   any    `json:"error,omitempty"`
}

func (h *handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, ok := h.origins["*"]; ok {
				return true
			}
			_, ok := h.origins[origin]
			return ok
		},
	}
}

// chatSocket streams the conversation with ?peer= over a websocket. The
// unlock gate is checked before the upgrade; every inbound frame goes through
// the same Send path as the REST endpoint.
func (h *handler) chatSocket(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	momentID := mux.Vars(r)["id"]
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		httputil.WriteError(w, apperrors.InvalidInput("peer", "required"), false)
		return
	}
	if err := h.app.Chat.Authorize(r.Context(), actor, momentID, peerID); err != nil {
		h.fail(w, actor, err)
		return
	}

	inbox, cancel := h.app.Chat.Hub().Subscribe(momentID, actor.ID)
	defer cancel()

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := h.log.WithContext(r.Context()).WithField("moment_id", momentID).WithField("peer_id", peerID)
	log.Debug("chat socket opened")

	ctx := r.Context()
	done := make(chan struct{})
	outbound := make(chan wsOutbound, 8)

	go func() {
		defer close(done)
		conn.SetReadLimit(wsMaxMessage)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			var in wsInbound
			if err := conn.ReadJSON(&in); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Debug("chat socket read failed")
				}
				return
			}
			msg, err := h.app.Chat.Send(ctx, actor, momentID, peerID, in.Body)
			if err != nil {
				se := apperrors.From(err)
				if !actor.IsAdmin() {
					se = se.Public()
				}
				select {
				case outbound <- wsOutbound{Type: "error", Error: se}:
				default:
				}
				continue
			}
			h.notifyUser(ctx, msg.RecipientID, notify.KindChatMessage, msg.ID, map[string]any{
				"moment_id": msg.MomentID,
				"sender_id": msg.SenderID,
			})
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		var frame wsOutbound
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case msg, open := <-inbox:
			if !open {
				return
			}
			if msg.SenderID != peerID && msg.RecipientID != peerID {
				continue
			}
			frame = wsOutbound{Type: "message", Message: msg}
		case frame = <-outbound:
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(frame); err != nil {
			log.WithError(err).Debug("chat socket write failed")
			return
		}
	}
}

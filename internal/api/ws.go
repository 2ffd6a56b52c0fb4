package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/marionette/internal/observe"
)

// Stream serves GET /ws/timeline. Each text message carries one request in
// the same shape as POST /live2d_timeline and is answered, in order, with a
// Timeline or an [ErrorBody]. A bad message does not close the stream.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("api: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.maxBody)

	ctx := r.Context()
	h.metrics.ActiveStreams.Add(ctx, 1)
	defer h.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch status := websocket.CloseStatus(err); {
			case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
			case errors.Is(err, context.Canceled):
			default:
				observe.Logger(ctx).Debug("api: stream closed", "err", err, "status", status)
			}
			return
		}

		var reply any
		if typ != websocket.MessageText {
			reply = ErrorBody{errCodeBadInput, "expected a text message"}
		} else if req, err := h.decodeRequest(data); err != nil {
			reply = ErrorBody{errCodeBadInput, err.Error()}
		} else {
			reply = h.planner.Plan(ctx, req).Timeline
		}

		if err := wsjson.Write(ctx, conn, reply); err != nil {
			observe.Logger(ctx).Debug("api: stream write failed", "err", err)
			return
		}
	}
}

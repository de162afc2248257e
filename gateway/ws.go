package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"admission-gateway/gateway/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 4096
)

// streamWS vira o consumidor do stream: cada mensagem recebida vai como
// frame de texto. O cliente não envia dados, só controle (pong/close).
// Quando o stream fecha, a conexão recebe um close frame com o motivo.
func (h *handler) streamWS(w http.ResponseWriter, r *http.Request) {
	id := streamID(r)
	// valida antes do upgrade para responder 404 em HTTP
	if _, err := h.streams.StreamMetrics(id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.String("stream", string(id)), zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// read pump: só drena controle e detecta o cliente indo embora
	go func() {
		defer cancel()
		conn.SetReadLimit(wsReadLimit)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	log := h.log.With(zap.String("stream", string(id)))
	for {
		var msg json.RawMessage
		rctx, rcancel := context.WithTimeout(ctx, wsPingInterval)
		err := h.streams.Receive(rctx, id, &msg)
		rcancel()

		switch {
		case err == nil:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case errors.Is(err, domain.ErrSerializationFailed):
			log.Warn("dropping undecodable message", zap.Error(err))
		default:
			if ctx.Err() == nil {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, domain.KindOf(err))
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
			}
			return
		}
	}
}

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"crm_server/server/common/log"
	"crm_server/server/common/transport/httpresp"
	"crm_server/server/notify/domain"
	notifyservice "crm_server/server/notify/service"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadWait     = 75 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// handleWS authenticates before upgrading: a bad credential is refused with
// 401 and no session ever exists. After the upgrade the ordering contract is
// connect frame, then the drained backlog, then live frames.
func (h *Handler) handleWS(c *gin.Context) {
	token, ok := wsAccessToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
		return
	}
	userID, tenantID, _, err := h.auth.ParseAuthContext(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	ctx := c.Request.Context()
	conn, err := h.registry.Register(ctx, tenantID, userID)
	if err != nil {
		_ = ws.WriteJSON(domain.ErrorFrame(httpresp.ErrUnauthorized))
		_ = ws.Close()
		return
	}

	// The pump is not running yet, so this write cannot race it.
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := ws.WriteJSON(domain.Frame{Type: domain.FrameConnect, Payload: gin.H{
		"connection_id": conn.ID,
		"channels":      []domain.Channel{domain.ChannelActivities, domain.ChannelCalls, domain.ChannelBroadcast},
	}}); err != nil {
		h.registry.Disconnect(ctx, conn.ID, "handshake_write_failed")
		_ = ws.Close()
		return
	}

	go h.writePump(ws, conn)

	if err := h.bridge.DeliverBacklog(ctx, conn); err != nil {
		log.Warnf("event=ws action=backlog_drain status=failed tenant_id=%s user_id=%s error=%v", tenantID, userID, err)
	}

	h.readLoop(c, ws, conn)
}

func wsAccessToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		return "", false
	}
	return token, true
}

// writePump is the connection's only socket writer. It exits when the
// outbound buffer closes (disconnect) and owns closing the socket.
func (h *Handler) writePump(ws *websocket.Conn, conn *notifyservice.Connection) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()
	for {
		select {
		case frame, ok := <-conn.Outbound():
			if !ok {
				_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(frame); err != nil {
				h.registry.Disconnect(context.Background(), conn.ID, "write_failed")
				// Keep consuming until the buffer closes so the bridge never
				// blocks on a dead connection.
				for range conn.Outbound() {
				}
				return
			}
		case <-ticker.C:
			// Application-level heartbeat; the client answers with its own
			// heartbeat frame within the timeout window or gets swept.
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(domain.Frame{Type: domain.FrameHeartbeat}); err != nil {
				h.registry.Disconnect(context.Background(), conn.ID, "heartbeat_write_failed")
				for range conn.Outbound() {
				}
				return
			}
		}
	}
}

func (h *Handler) readLoop(c *gin.Context, ws *websocket.Conn, conn *notifyservice.Connection) {
	ctx := c.Request.Context()
	_ = ws.SetReadDeadline(time.Now().Add(wsReadWait))

	for {
		var frame domain.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			h.registry.Disconnect(ctx, conn.ID, "closed")
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsReadWait))

		switch frame.Type {
		case domain.FrameSubscribe:
			if h.registry.Subscribe(conn.ID, frame.Channel) {
				conn.Offer(domain.Frame{Type: domain.FrameAck, Channel: frame.Channel})
			} else {
				conn.Offer(domain.ErrorFrame("unknown channel"))
			}
		case domain.FrameUnsubscribe:
			h.registry.Unsubscribe(conn.ID, frame.Channel)
			conn.Offer(domain.Frame{Type: domain.FrameAck, Channel: frame.Channel})
		case domain.FrameHeartbeat:
			h.registry.Heartbeat(ctx, conn.ID)
			conn.Offer(domain.Frame{Type: domain.FrameHeartbeat})
		default:
			conn.Offer(domain.ErrorFrame("unsupported frame type"))
		}
	}
}

package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"quantum-server/internal/observability"
)

// Handler upgrades HTTP requests to websocket connections and runs the
// per-connection read loop.
type Handler struct {
	hub        *Hub
	dispatcher *Dispatcher
}

// NewHandler constructs a Handler.
func NewHandler(hub *Hub, dispatcher *Dispatcher) *Handler {
	return &Handler{hub: hub, dispatcher: dispatcher}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and starts the connection task. The client
// arrives unauthenticated; identity is established by the dispatcher on a
// successful auth, register or login command.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("quantum-server/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, info)
	go client.writeLoop()

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.publishWSEvent(context.Background(), client, "ws_connect", "")

	go h.readLoop(client)
}

// readLoop is the connection task. Session store cleanup is a guaranteed
// finalization step no matter how the connection ends.
func (h *Handler) readLoop(client *Client) {
	var closeReason string
	defer func() {
		if userID, ok := client.Identity(); ok {
			h.hub.Unregister(userID, client)
		}
		client.Close()
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		h.publishWSEvent(context.Background(), client, "ws_disconnect", closeReason)
	}()

	for {
		_, frame, err := client.conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
				h.publishWSEvent(context.Background(), client, "ws_error", closeReason)
			}
			return
		}
		if err := h.dispatcher.Dispatch(context.Background(), client, frame); err != nil {
			closeReason = err.Error()
			return
		}
	}
}

func (h *Handler) publishWSEvent(ctx context.Context, client *Client, event, reason string) {
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     client.info.ConnID,
			"duration_ms": time.Since(client.info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"device_id": client.info.DeviceID,
			"ip":        client.info.IP,
		},
	}
	if userID, ok := client.Identity(); ok {
		payload["identity"].(map[string]interface{})["user_id"] = userID.String()
	}

	headers := observability.BuildHeaders(client.info.RequestID, client.info.TraceID)
	_ = observability.PublishEvent(ctx, "ws_events.connections", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, headers)
}

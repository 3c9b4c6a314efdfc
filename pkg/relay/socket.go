package relay

import (
	"net/http"
	"strings"

	"github.com/clickcall/relay/pkg/api"
	"github.com/clickcall/relay/pkg/logger"
	"github.com/clickcall/relay/pkg/network/websocket"
	"github.com/gofrs/uuid"
)

// Handler upgrades browser connections and runs the session-request
// handshake before wiring the socket to a client session.
type Handler struct {
	controller *Controller
	log        *logger.Logger
}

func NewHandler(controller *Controller, log *logger.Logger) *Handler {
	return &Handler{controller: controller, log: log.Extend(log.With().Str("s", "sock"))}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.NewServer(w, r, h.log)
	if err != nil {
		h.log.Error().Err(err).Msg("couldn't init websocket connection")
		return
	}
	link := &connection{conn: conn, handler: h}
	conn.OnMessage = link.onMessage
	go link.watch()
}

// connection binds one websocket to one client session. The client
// field is written on the reader goroutine during the handshake; the
// watch goroutine reads it only after the reader is done.
type connection struct {
	conn    *websocket.WS
	handler *Handler
	client  *ClientSession
}

// Send implements Transport.
func (l *connection) Send(data []byte) { l.conn.Write(data) }

func (l *connection) onMessage(data []byte, err error) {
	if err != nil {
		return
	}
	if l.client == nil {
		l.handshake(data)
		return
	}
	l.client.HandleMessage(data)
}

// handshake requires the opening message to be a session-request. The
// supplied session id is kept when it has the durable prefix, any other
// value is replaced by a single-use random one.
func (l *connection) handshake(data []byte) {
	if api.Peek(data) != api.SessionRequest {
		l.conn.Write(api.NewError(401, "No client session", ""))
		return
	}
	m := api.Unwrap[api.SessionRequestMessage](data)
	if m == nil {
		l.conn.Write(api.NewError(400, "Invalid message", ""))
		return
	}
	sessionId := m.SessionId
	if !strings.HasPrefix(sessionId, DurableIdPrefix) {
		id, err := uuid.NewV4()
		if err != nil {
			l.conn.Write(api.NewError(500, "Internal error", ""))
			return
		}
		sessionId = id.String()
	}
	client := l.handler.controller.CreateClient(sessionId)
	l.client = client
	client.Attach(l)
	client.log.Info().Str("event", "connect").Msgf("session %v", sessionId)
	client.HandleMessage(data)
}

// watch waits for the socket to die and hands the client back to the
// controller with the observed close status.
func (l *connection) watch() {
	<-l.conn.Done
	client := l.client
	if client == nil {
		return
	}
	code, reason := l.conn.CloseStatus()
	disposed := client.Close(l, code, reason)
	l.handler.controller.ReleaseClient(client, disposed)
	client.log.Info().Str("event", "disconnect").Msgf("session %v code %d disposed=%v",
		client.SessionId(), code, disposed)
}

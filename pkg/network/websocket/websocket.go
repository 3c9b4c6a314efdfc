package websocket

import (
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clickcall/relay/pkg/com"
	"github.com/clickcall/relay/pkg/logger"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 32 * 1024
	pingTime       = pongTime * 9 / 10
	pongTime       = 60 * time.Second
	readWait       = 300 * time.Second
	writeWait      = 10 * time.Second
)

// CloseAbnormal is reported when the peer went away without
// sending any close frame at all.
const CloseAbnormal = websocket.CloseAbnormalClosure

type WS struct {
	id   com.Uid
	conn deadlinedConn
	send chan []byte

	OnMessage WSMessageHandler

	pingPong bool

	closeCode   atomic.Int32
	closeReason string
	closeMu     sync.Mutex

	shutdown *sync.WaitGroup
	Done     chan struct{}

	log *logger.Logger
}

type WSMessageHandler func(message []byte, err error)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	WriteBufferPool: &sync.Pool{},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// CloseStatus returns the close code and reason observed by the reader.
// Valid after Done is signalled; an abnormal termination without a close
// frame is reported as 1006.
func (ws *WS) CloseStatus() (int, string) {
	ws.closeMu.Lock()
	defer ws.closeMu.Unlock()
	return int(ws.closeCode.Load()), ws.closeReason
}

func (ws *WS) recordClose(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		ws.closeMu.Lock()
		ws.closeCode.Store(int32(ce.Code))
		ws.closeReason = ce.Text
		ws.closeMu.Unlock()
	}
}

// reader pumps messages from the websocket connection to the OnMessage callback.
// Blocking, must be called as goroutine. Serializes all websocket reads.
func (ws *WS) reader() {
	defer func() {
		close(ws.send)
		ws.shutdown.Done()
		ws.close()
		ws.log.Debug().Msgf("%v [ws] close reader", ws.id.Short())
	}()
	ws.conn.setup(func(conn *websocket.Conn) {
		conn.SetReadLimit(maxMessageSize)
		if ws.pingPong {
			_ = conn.SetReadDeadline(time.Now().Add(pongTime))
			conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(pongTime)); return nil })
		}
	})
	for {
		message, err := ws.conn.read()
		if err != nil {
			ws.recordClose(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ws.log.Error().Err(err).Msgf("%v [ws] read fail", ws.id.Short())
			}
			break
		}
		ws.OnMessage(message, err)
	}
}

// writer pumps messages from the send channel to the websocket connection.
// Blocking, must be called as goroutine. Serializes all websocket writes.
func (ws *WS) writer() {
	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		ws.shutdown.Done()
		ws.close()
		ws.log.Debug().Msgf("%v [ws] close writer", ws.id.Short())
	}()
	if ws.pingPong {
		ticker = time.NewTicker(pingTime)
		for {
			select {
			case message, ok := <-ws.send:
				if !ws.handleMessage(message, ok) {
					return
				}
			case <-ticker.C:
				if err := ws.conn.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
	for message := range ws.send {
		if !ws.handleMessage(message, true) {
			return
		}
	}
	_ = ws.conn.write(websocket.CloseMessage, []byte{})
}

func (ws *WS) handleMessage(message []byte, ok bool) bool {
	if !ok {
		_ = ws.conn.write(websocket.CloseMessage, []byte{})
		return false
	}
	if err := ws.conn.write(websocket.TextMessage, message); err != nil {
		return false
	}
	return true
}

// NewServer initializes new websocket peer requests handler.
func NewServer(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*WS, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, true, log), nil
}

func NewClient(address url.URL, log *logger.Logger) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.Dial(address.String(), nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, false, log), nil
}

func newSocket(conn *websocket.Conn, pingPong bool, log *logger.Logger) *WS {
	shut := sync.WaitGroup{}
	shut.Add(2)

	safeConn := deadlinedConn{
		sock: conn,
		wt:   writeWait,
	}
	if !pingPong {
		safeConn.rt = readWait
	}

	ws := &WS{
		id:       com.NewUid(),
		conn:     safeConn,
		send:     make(chan []byte),
		pingPong: pingPong,
		shutdown: &shut,
		Done:     make(chan struct{}, 1),
		log:      log,
	}
	ws.closeCode.Store(CloseAbnormal)

	go ws.writer()
	go ws.reader()

	return ws
}

func (ws *WS) Write(data []byte) {
	defer func() {
		// chan is closed by the reader on disconnect
		_ = recover()
	}()
	ws.send <- data
}

func (ws *WS) Close() {
	_ = ws.conn.write(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = ws.conn.close()
}

func (ws *WS) close() {
	ws.shutdown.Wait()
	_ = ws.conn.close()
	ws.Done <- struct{}{}
}

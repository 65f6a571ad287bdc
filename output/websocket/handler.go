package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/iris/message"
)

// connSink adapts a gorilla connection to Sink. JSON travels in text
// frames and CBOR in binary frames.
type connSink struct {
	conn   *websocket.Conn
	format message.Format
}

func (c *connSink) Format() message.Format { return c.format }

func (c *connSink) Write(data []byte, deadline time.Time) error {
	_ = c.conn.SetWriteDeadline(deadline)
	kind := websocket.TextMessage
	if c.format == message.FormatCBOR {
		kind = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(kind, data)
}

func (c *connSink) Ping(deadline time.Time) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *connSink) Close(code int, reason string) error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	return c.conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from its own origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeHTTP upgrades the request and subscribes the connection. The
// encoding is chosen with ?format=json|cbor. The handler returns when the
// subscriber disconnects.
func (d *Distributor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format, err := message.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id, err := d.AddSubscriber(&connSink{conn: conn, format: format})
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseGoingAway, "Server shutdown"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	d.readLoop(id, conn)
}

// readLoop handles client requests until the connection fails. The pong
// handler keeps the read deadline moving while the client is idle.
func (d *Distributor) readLoop(id uint64, conn *websocket.Conn) {
	defer d.RemoveSubscriber(id)

	conn.SetReadLimit(d.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				d.logger.Debug("Subscriber read failed", "client_id", id, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))

		format := message.FormatJSON
		if kind == websocket.BinaryMessage {
			format = message.FormatCBOR
		}
		d.handleClientMessage(id, format, data)
	}
}

func (d *Distributor) handleClientMessage(id uint64, format message.Format, data []byte) {
	var msg message.ClientMessage
	if err := message.Decode(format, data, &msg); err != nil {
		d.logger.Warn("Invalid client message", "client_id", id, "error", err)
		return
	}

	switch msg.Type {
	case message.TypePing:
		d.send(id, message.NewPongEnvelope(time.Now()))
	case message.TypeGetStats:
		d.send(id, message.NewStatsEnvelope(d.Stats()))
	case message.TypeSubscribe:
		// Filtered subscriptions are not implemented; every subscriber
		// receives the full feed.
		d.logger.Info("Subscription request", "client_id", id, "filters", msg.Filters)
	default:
		d.logger.Warn("Unknown client message type", "client_id", id, "type", msg.Type)
	}
}

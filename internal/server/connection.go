package server

import (
	"errors"
	"sync"
	"time"

	"dmrelay/internal/apperr"
	"dmrelay/internal/logging"
	"dmrelay/internal/protocol"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSendQueueFull    = errors.New("send queue full")
)

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateBound
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateBound:
		return "bound"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is one WebSocket session. It starts unauthenticated, becomes
// bound to exactly one identity after authenticate, and is closed by
// logout, a transport error, or the peer going away.
type Connection struct {
	ws        *websocket.Conn
	server    *Server
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
	log       *logging.Logger

	mu       sync.Mutex // protects state and identity
	state    sessionState
	identity string
}

func newConnection(s *Server, ws *websocket.Conn) *Connection {
	return &Connection{
		ws:      ws,
		server:  s,
		send:    make(chan []byte, s.cfg.Limits.SendQueue),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.Limits.ConnRate), s.cfg.Limits.ConnBurst),
		log:     logging.NewLogger("session"),
	}
}

// Send queues msg for the write pump. It never blocks: a closed
// connection or a full queue is reported as an error.
func (c *Connection) Send(msg *protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnectionClosed
	default:
		return errSendQueueFull
	}
}

// session returns the current state and bound identity.
func (c *Connection) session() (sessionState, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.identity
}

// shutdown moves the session to closed, releases its presence binding and
// stops both pumps. Safe to call more than once.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		identity := c.identity
		wasBound := c.state == stateBound
		c.state = stateClosed
		c.mu.Unlock()

		close(c.done)
		if wasBound {
			c.server.registry.Release(identity, c)
			c.log.Info("Session closed", map[string]string{"identity": identity})
		}
	})
}

// readPump handles incoming frames until the connection fails or the
// session logs out. The write pump owns closing the socket.
func (c *Connection) readPump() {
	defer c.shutdown()

	c.ws.SetReadLimit(c.server.cfg.Limits.MaxFrameSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("WebSocket read failed", map[string]string{"error": err.Error()})
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError("", apperr.New(apperr.KindRateLimited, "rate limit exceeded"))
			continue
		}

		msg, err := protocol.UnmarshalMessage(data)
		if err != nil {
			c.sendError("", apperr.BadRequest("invalid message format"))
			continue
		}

		if closed := c.handleMessage(msg); closed {
			return
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			// Flush what was queued before the close, then say goodbye.
			for {
				select {
				case data := <-c.send:
					if err := c.write(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *Connection) reply(payload protocol.Payload) {
	if err := c.Send(protocol.NewMessage(payload)); err != nil {
		c.log.Debug("Reply dropped", map[string]string{"type": string(payload.Type()), "error": err.Error()})
	}
}

func (c *Connection) ack(ref, status string) {
	c.reply(protocol.Ack{Status: status, Ref: ref})
}

// sendError reports err to the client. Causes stay in the server log;
// errors outside the taxonomy are reported as internal.
func (c *Connection) sendError(ref string, err error) {
	kind := apperr.KindOf(err)
	message := "internal error"
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if kind == apperr.KindInternal {
		c.log.WithError(err).Error("Request failed", map[string]string{"ref": ref})
	}

	c.reply(protocol.ErrorResponse{
		Code:    kind.Code(),
		Kind:    string(kind),
		Message: message,
		Ref:     ref,
	})
}

package broker

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pongarena/broker/internal/logging"
)

const (
	writeWait           = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultSendBuffer   = 64
	defaultReadLimit    = 4 << 10
)

var (
	// ErrClientClosed is returned by Send once the client has been closed.
	ErrClientClosed = errors.New("client closed")
	// ErrSendQueueFull is returned by Send when the outbound queue has no room.
	ErrSendQueueFull = errors.New("send queue full")
)

// ClientOptions tunes a websocket client.
type ClientOptions struct {
	PingInterval time.Duration
	SendBuffer   int
	ReadLimit    int64
	Logger       *logging.Logger
}

// Client adapts a websocket connection into a match.Conn with a bounded
// outbound queue drained by a dedicated write pump.
type Client struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce    sync.Once
	pingInterval time.Duration
	pongWait     time.Duration
	readLimit    int64
	log          *logging.Logger
}

// NewClient wraps ws with a fresh connection id.
func NewClient(ws *websocket.Conn, opts ClientOptions) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	id := uuid.NewString()
	return &Client{
		id:           id,
		ws:           ws,
		send:         make(chan []byte, opts.SendBuffer),
		done:         make(chan struct{}),
		pingInterval: opts.PingInterval,
		pongWait:     2 * opts.PingInterval,
		readLimit:    opts.ReadLimit,
		log:          logger.With(logging.String("conn_id", id)),
	}
}

// ID returns the connection identifier.
func (c *Client) ID() string { return c.id }

// Send queues payload for the write pump without blocking.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrSendQueueFull
	}
}

// Close asks the write pump to flush queued frames, send a close frame and
// release the socket. It is safe to call repeatedly.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Run pumps the connection until either side closes it. onMessage receives
// every inbound text frame; a nil handler discards them.
func (c *Client) Run(onMessage func([]byte)) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()
	c.readPump(onMessage)
	_ = c.Close()
	<-writerDone
}

func (c *Client) readPump(onMessage func([]byte)) {
	//1.- Bound frame size and arm the pong deadline before the first read.
	c.ws.SetReadLimit(c.readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", logging.Error(err))
			}
			return
		}
		//2.- Only text frames carry protocol messages.
		if messageType != websocket.TextMessage || onMessage == nil {
			continue
		}
		onMessage(payload)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.log.Debug("websocket write failed", logging.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			//1.- Flush whatever was queued before the close request.
		drain:
			for {
				select {
				case payload := <-c.send:
					if err := c.write(websocket.TextMessage, payload); err != nil {
						return
					}
				default:
					break drain
				}
			}
			//2.- Say goodbye so well-behaved peers see a clean close.
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) write(messageType int, payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, payload)
}

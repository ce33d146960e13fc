package socket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"medfinder-chat/internal/chat"
)

const (
	OutboundChanBuffer = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	readLimit  = 64 << 10
	closeGrace = time.Second
)

// Upgrader accepts any origin; access is decided by the handshake authorization
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Conn adapts a gorilla websocket connection to chat.Channel. Writes are serialized
// through a single write loop fed by a buffered outbound queue.
type Conn struct {
	logger *zap.SugaredLogger
	ws     *websocket.Conn

	pongWait   time.Duration
	pingPeriod time.Duration

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

type options struct {
	pongWait  time.Duration
	buffer    int
	readLimit int64
}

type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) {
	f(o)
}

// PongWait sets how long the peer may stay silent before the connection is dropped.
// Pings are sent at nine tenths of it.
func PongWait(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.pongWait = d
	})
}

// OutboundBuffer sets how many frames may wait for the write loop before Send fails
func OutboundBuffer(n int) Option {
	return optionFunc(func(o *options) {
		o.buffer = n
	})
}

// ReadLimit sets maximum inbound frame size in bytes
func ReadLimit(n int64) Option {
	return optionFunc(func(o *options) {
		o.readLimit = n
	})
}

// New wraps ws and starts its write loop
func New(logger *zap.SugaredLogger, ws *websocket.Conn, opts ...Option) *Conn {
	o := options{pongWait: pongWait, buffer: OutboundChanBuffer, readLimit: readLimit}
	for _, opt := range opts {
		opt.apply(&o)
	}

	c := &Conn{
		logger:     logger,
		ws:         ws,
		pongWait:   o.pongWait,
		pingPeriod: (o.pongWait * 9) / 10,
		outbound:   make(chan []byte, o.buffer),
		done:       make(chan struct{}),
	}

	c.ws.SetReadLimit(o.readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	go c.writeLoop()

	return c
}

// Receive returns payload of the next text or binary frame. Control frames are
// handled by gorilla and never surface here.
func (c *Conn) Receive() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		select {
		case <-c.done:
			return nil, chat.ErrChannelClosed
		default:
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, chat.ErrChannelClosed
		}
		return nil, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	return data, nil
}

// Send enqueues payload without blocking
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return chat.ErrChannelClosed
	default:
	}

	select {
	case c.outbound <- payload:
		return nil
	case <-c.done:
		return chat.ErrChannelClosed
	default:
		return chat.ErrChannelBusy
	}
}

// Close sends a close frame and releases the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case payload := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debugf("Writing websocket frame: %v", err)
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debugf("Writing websocket ping: %v", err)
				return
			}
		}
	}
}

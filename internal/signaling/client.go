// Package signaling implements the client side of the server-relayed
// signaling channel: one duplex websocket shared by the whole process,
// with typed envelopes routed to whichever coordinator registered for a
// given type tag.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ndemidov/Huddle/internal/core"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second

	defaultPingPeriod = (pongWait * 9) / 10
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("transport closed")
)

// Client is the websocket signaling transport. It satisfies
// core.SignalTransport; handlers run sequentially on the read loop so
// delivery order matches transport arrival order.
type Client struct {
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	pingPeriod time.Duration

	handlerMu sync.RWMutex
	handlers  map[string]core.MessageHandler

	mu     sync.RWMutex
	closed bool
}

// Dial connects to the signaling relay and starts the read/write pumps.
// A zero pingPeriod falls back to the usual nine tenths of the pong wait.
func Dial(ctx context.Context, serverURL string, readLimit int64, pingPeriod time.Duration) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, err
	}

	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = defaultPingPeriod
	}
	c := &Client{
		conn:       conn,
		send:       make(chan []byte, 32),
		done:       make(chan struct{}),
		pingPeriod: pingPeriod,
		handlers:   make(map[string]core.MessageHandler),
	}

	c.conn.SetReadLimit(readLimit)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump(ctx)
	go c.writePump(ctx)

	log.Info().Str("module", "signaling").Str("url", serverURL).Msg("connected")
	return c, nil
}

// AddMessageListener registers h for envelopes tagged msgType.
// A second registration for the same tag replaces the first.
func (c *Client) AddMessageListener(msgType string, h core.MessageHandler) {
	c.handlerMu.Lock()
	c.handlers[msgType] = h
	c.handlerMu.Unlock()
}

func (c *Client) RemoveMessageListener(msgType string) {
	c.handlerMu.Lock()
	delete(c.handlers, msgType)
	c.handlerMu.Unlock()
}

// Send marshals env and queues it for the write pump.
func (c *Client) Send(env core.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.trySend(data)
}

func (c *Client) trySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		log.Info().Str("module", "signaling").Msg("readPump closing")
		c.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("readPump read error")
				return
			}
			c.dispatch(data)
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signaling").Msg("bad json")
		return
	}

	c.handlerMu.RLock()
	h, ok := c.handlers[env.Type]
	c.handlerMu.RUnlock()
	if !ok {
		log.Warn().Str("module", "signaling").Str("type", env.Type).Msg("no listener for envelope")
		return
	}
	h(env)
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close shuts the transport down. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	_ = c.conn.Close()
}

package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ARYANKSofficial/SoulLink/backend/codec"
	"github.com/ARYANKSofficial/SoulLink/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	outgoingQueueSize = 64
)

var (
	ErrConnect = errors.New("unable to connect to signaling server")
	ErrClosed  = errors.New("signaling connection is closed")
)

type Config struct {
	Logger *zerolog.Logger
	URL    string
	Codec  string
}

// Client is a signaling connection to the SoulLink server.
type Client struct {
	logger zerolog.Logger
	conn   *websocket.Conn
	cdc    codec.Codec

	incoming chan model.Message
	outgoing chan model.Message
	done     chan struct{}
	once     sync.Once
}

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cdc, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrConnect, fmt.Errorf("invalid server url: %w", err))
	}
	if cfg.Codec != "" {
		q := u.Query()
		q.Set("codec", cdc.Name())
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}

	c := &Client{
		logger:   cfg.Logger.With().Str("component", "signaling-client").Logger(),
		conn:     conn,
		cdc:      cdc,
		incoming: make(chan model.Message, outgoingQueueSize),
		outgoing: make(chan model.Message, outgoingQueueSize),
		done:     make(chan struct{}),
	}
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
	return c, nil
}

func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		close(c.incoming)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		frameType, b, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn().Err(err).Msg("signaling connection lost")
			}
			return
		}
		cdc, err := codec.ForFrame(frameType)
		if err != nil {
			c.logger.Warn().Err(err).Msg("unexpected frame")
			continue
		}
		var msg model.Message
		if err = cdc.Unmarshal(b, &msg); err != nil {
			c.logger.Error().Err(err).Msg("failed to unmarshall incoming message")
			continue
		}

		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			b, err := c.cdc.Marshal(&msg)
			if err != nil {
				c.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to marshall outgoing message")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err = c.conn.WriteMessage(c.cdc.FrameType(), b); err != nil {
				c.logger.Error().Err(err).Msg("failed to write outgoing message")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever was queued before Close, so a final end-call or
// leave_room still reaches the server.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.outgoing:
			b, err := c.cdc.Marshal(&msg)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err = c.conn.WriteMessage(c.cdc.FrameType(), b); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Send queues msg for the server. It fails once the connection is closed.
func (c *Client) Send(msg model.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Incoming is closed when the connection is gone.
func (c *Client) Incoming() <-chan model.Message {
	return c.incoming
}

func (c *Client) Close() {
	c.shutdown()
}

func (c *Client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

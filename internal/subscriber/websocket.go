package subscriber

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"report-pipeline/internal/realtime"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WebsocketTransport dials the gateway's /realtime endpoint.
type WebsocketTransport struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

func NewWebsocketTransport(url string) *WebsocketTransport {
	return &WebsocketTransport{URL: url, Dialer: websocket.DefaultDialer}
}

func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	c := &wsConn{ws: ws, incoming: make(chan realtime.ServerMessage, 16), readErr: make(chan error, 1), quit: make(chan struct{})}
	// Blocked reads only return when the socket closes.
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.quit:
		}
	}()
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

type wsConn struct {
	ws       *websocket.Conn
	incoming chan realtime.ServerMessage
	readErr  chan error
	quit     chan struct{}
	once     sync.Once
}

func (c *wsConn) readLoop() {
	defer close(c.incoming)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr <- err
			return
		}
		var msg realtime.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.quit:
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// write sends a data frame. Only the subscription goroutine writes data
// frames; keepalive pings use WriteControl, which may run concurrently.
func (c *wsConn) write(msg realtime.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Subscribe(ctx context.Context, topic, token string) error {
	if err := c.write(realtime.ClientMessage{Type: realtime.MessageSubscribe, Topic: topic, Token: token}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	for {
		msg, err := c.recv(ctx)
		if err != nil {
			return err
		}
		switch msg.Type {
		case realtime.MessageSubscribed:
			if msg.Topic == topic {
				return nil
			}
		case realtime.MessageError:
			return gatewayError(msg.Code)
		}
	}
}

func (c *wsConn) Next(ctx context.Context) (realtime.Event, error) {
	for {
		msg, err := c.recv(ctx)
		if err != nil {
			return realtime.Event{}, err
		}
		switch msg.Type {
		case realtime.MessageEvent:
			if msg.Event != nil {
				return *msg.Event, nil
			}
		case realtime.MessageError:
			return realtime.Event{}, gatewayError(msg.Code)
		}
	}
}

func (c *wsConn) recv(ctx context.Context) (realtime.ServerMessage, error) {
	select {
	case <-ctx.Done():
		return realtime.ServerMessage{}, ctx.Err()
	case msg, ok := <-c.incoming:
		if !ok {
			select {
			case err := <-c.readErr:
				return realtime.ServerMessage{}, fmt.Errorf("connection lost: %w", err)
			default:
				return realtime.ServerMessage{}, errors.New("connection lost")
			}
		}
		return msg, nil
	}
}

// Close may be called more than once and from the context hook.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.quit)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func gatewayError(code string) error {
	switch code {
	case realtime.CodeAuthExpired:
		return ErrAuthExpired
	case realtime.CodeForbidden:
		return ErrForbidden
	default:
		return fmt.Errorf("gateway error: %s", code)
	}
}

package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"report-pipeline/internal/auth"
	"report-pipeline/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBuffer     = 64
)

// TopicAuthorizer decides whether a token may read a tenant's topics.
type TopicAuthorizer interface {
	AuthorizeTenant(ctx context.Context, token, tenantID string) error
}

// Gateway upgrades HTTP connections to websockets and relays broker topics
// to clients that have proven access to the topic's tenant.
type Gateway struct {
	broker     Broker
	authorizer TopicAuthorizer
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewGateway builds a gateway.
func NewGateway(broker Broker, authorizer TopicAuthorizer, logger zerolog.Logger) *Gateway {
	return &Gateway{
		broker:     broker,
		authorizer: authorizer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.With().Str("component", "realtime-gateway").Logger(),
	}
}

// ServeHTTP handles one websocket connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &gatewayConn{
		gw:     g,
		ws:     ws,
		send:        make(chan ServerMessage, sendBuffer),
		feeds:       make(map[string]Feed),
		ctx:         ctx,
		cancel:      cancel,
		controlWait: writeWait,
	}
	telemetry.RealtimeClients.Inc()
	go c.writePump()
	c.readPump()
}

type gatewayConn struct {
	gw     *Gateway
	ws     *websocket.Conn
	send   chan ServerMessage
	ctx    context.Context
	cancel context.CancelFunc

	controlWait time.Duration

	mu    sync.Mutex
	feeds map[string]Feed
}

func (c *gatewayConn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
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
				c.gw.logger.Warn().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(ServerMessage{Type: MessageError, Code: CodeBadRequest})
			continue
		}
		switch msg.Type {
		case MessageSubscribe:
			c.subscribe(msg)
		case MessageUnsubscribe:
			c.unsubscribe(msg.Topic)
			c.reply(ServerMessage{Type: MessageUnsubscribed, Topic: msg.Topic})
		case MessagePing:
			c.reply(ServerMessage{Type: MessagePong})
		default:
			c.reply(ServerMessage{Type: MessageError, Code: CodeBadRequest, Topic: msg.Topic})
		}
	}
}

func (c *gatewayConn) subscribe(msg ClientMessage) {
	tenantID, err := TenantFromTopic(msg.Topic)
	if err != nil {
		c.reply(ServerMessage{Type: MessageError, Code: CodeBadRequest, Topic: msg.Topic})
		return
	}
	if err := c.gw.authorizer.AuthorizeTenant(c.ctx, msg.Token, tenantID); err != nil {
		code := CodeForbidden
		if errors.Is(err, auth.ErrTokenExpired) {
			code = CodeAuthExpired
		}
		c.gw.logger.Debug().Err(err).Str("topic", msg.Topic).Msg("subscription refused")
		c.reply(ServerMessage{Type: MessageError, Code: code, Topic: msg.Topic})
		return
	}

	c.mu.Lock()
	_, exists := c.feeds[msg.Topic]
	c.mu.Unlock()
	if exists {
		// Re-presenting a token for an active topic never stacks a second feed.
		c.reply(ServerMessage{Type: MessageSubscribed, Topic: msg.Topic})
		return
	}

	feed, err := c.gw.broker.Subscribe(c.ctx, msg.Topic)
	if err != nil {
		c.gw.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("broker subscribe failed")
		c.reply(ServerMessage{Type: MessageError, Code: CodeUnavailable, Topic: msg.Topic})
		return
	}

	c.mu.Lock()
	if _, raced := c.feeds[msg.Topic]; raced {
		c.mu.Unlock()
		_ = feed.Close()
		c.reply(ServerMessage{Type: MessageSubscribed, Topic: msg.Topic})
		return
	}
	c.feeds[msg.Topic] = feed
	c.mu.Unlock()

	go c.relay(msg.Topic, feed)
	c.reply(ServerMessage{Type: MessageSubscribed, Topic: msg.Topic})
}

func (c *gatewayConn) relay(topic string, feed Feed) {
	for payload := range feed.Messages() {
		ev, err := DecodeEvent(payload)
		if err != nil {
			c.gw.logger.Warn().Err(err).Str("topic", topic).Msg("dropping malformed event")
			continue
		}
		c.reply(ServerMessage{Type: MessageEvent, Topic: topic, Event: &ev})
	}
}

func (c *gatewayConn) unsubscribe(topic string) {
	c.mu.Lock()
	feed, ok := c.feeds[topic]
	delete(c.feeds, topic)
	c.mu.Unlock()
	if ok {
		_ = feed.Close()
	}
}

// reply queues a message for the write pump. Events are dropped when the
// buffer is full; slow clients recover state from the monotonic merge of
// later events. Control replies (subscribed, errors, pong) wait for room
// because the client blocks on them; a connection that cannot take one
// within writeWait is closed so the client reconnects.
func (c *gatewayConn) reply(msg ServerMessage) {
	if msg.Type == MessageEvent {
		select {
		case <-c.ctx.Done():
		case c.send <- msg:
		default:
			c.gw.logger.Warn().Str("topic", msg.Topic).Msg("send buffer full, dropping event")
		}
		return
	}

	timer := time.NewTimer(c.controlWait)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
	case c.send <- msg:
	case <-timer.C:
		c.gw.logger.Warn().Str("type", msg.Type).Str("topic", msg.Topic).Msg("client not draining, closing connection")
		c.cancel()
	}
}

func (c *gatewayConn) close() {
	c.cancel()
	c.mu.Lock()
	feeds := c.feeds
	c.feeds = make(map[string]Feed)
	c.mu.Unlock()
	for _, f := range feeds {
		_ = f.Close()
	}
	_ = c.ws.Close()
	telemetry.RealtimeClients.Dec()
}

func (c *gatewayConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				c.gw.logger.Error().Err(err).Msg("encode server message")
				continue
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

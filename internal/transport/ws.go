package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dmarins/chatsync/internal/bus"
	"github.com/dmarins/chatsync/internal/errs"
)

// WSChannel implements Channel over a websocket connection. Inbound frames
// are decoded on a reader goroutine and published to the bus; outbound
// intents share the connection behind a write mutex.
type WSChannel struct {
	url    string
	token  string
	bus    *bus.Bus
	logger *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
}

// NewWSChannel creates an undialed channel. Call Dial before subscribing.
func NewWSChannel(url, token string, b *bus.Bus, logger *zap.Logger) *WSChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSChannel{
		url:    url,
		token:  token,
		bus:    b,
		logger: logger,
	}
}

// Dial connects to the push endpoint and starts the reader goroutine.
func (c *WSChannel) Dial(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return errs.Channel("dial push channel", err)
	}
	c.conn = conn

	readCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.readLoop(readCtx)

	c.logger.Info("push channel connected", zap.String("url", c.url))
	return nil
}

// Close tears down the connection and stops the reader.
func (c *WSChannel) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *WSChannel) SubscribeConversation(ctx context.Context, conversationID string) error {
	return c.sendIntent(ctx, intentFrame{Action: actionSubscribe, ConversationID: conversationID})
}

func (c *WSChannel) UnsubscribeConversation(ctx context.Context, conversationID string) error {
	return c.sendIntent(ctx, intentFrame{Action: actionUnsubscribe, ConversationID: conversationID})
}

func (c *WSChannel) SubscribeAccount(ctx context.Context) error {
	return c.sendIntent(ctx, intentFrame{Action: actionSubscribeAccount})
}

func (c *WSChannel) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return c.sendIntent(ctx, intentFrame{Action: actionTyping, ConversationID: conversationID, IsTyping: isTyping})
}

func (c *WSChannel) sendIntent(_ context.Context, f intentFrame) error {
	if c.conn == nil {
		return errs.Channel("push channel not connected", nil)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(f); err != nil {
		return errs.Channel(fmt.Sprintf("send %s intent", f.Action), err)
	}
	return nil
}

func (c *WSChannel) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Warn("push channel read failed", zap.Error(err))
			c.bus.PublishKind(bus.KindChannelDegraded, "", err)
			return
		}
		c.dispatch(data)
	}
}

// dispatch decodes one inbound frame and publishes it on the bus. Unknown
// event kinds are dropped so that protocol additions don't break old clients.
func (c *WSChannel) dispatch(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("undecodable push frame", zap.Error(err))
		return
	}

	switch f.Event {
	case MessageNew:
		var p MessageNewPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.logger.Warn("bad message.new payload", zap.Error(err))
			return
		}
		c.bus.PublishKind(bus.KindMessageNew, p.ConversationID, p)
	case MessageDeleted:
		var p MessageDeletedPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.logger.Warn("bad message.deleted payload", zap.Error(err))
			return
		}
		c.bus.PublishKind(bus.KindMessageDeleted, p.ConversationID, p)
	case MessagePinned:
		var p MessagePinnedPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.logger.Warn("bad message.pinned payload", zap.Error(err))
			return
		}
		c.bus.PublishKind(bus.KindMessagePinned, p.ConversationID, p)
	case TypingStatus:
		var p TypingPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.logger.Warn("bad typing.status payload", zap.Error(err))
			return
		}
		c.bus.PublishKind(bus.KindTypingStatus, p.ConversationID, p)
	case ReadReceipt:
		var p ReadReceiptPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.logger.Warn("bad read.receipt payload", zap.Error(err))
			return
		}
		c.bus.PublishKind(bus.KindReadReceipt, "", p)
	case ConversationUpdated:
		var p ConversationUpdatedPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.logger.Warn("bad conversation.updated payload", zap.Error(err))
			return
		}
		c.bus.PublishKind(bus.KindConversationUpdated, p.ConversationID, p)
	case ConversationCreated:
		var p ConversationUpdatedPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.logger.Warn("bad conversation.created payload", zap.Error(err))
			return
		}
		c.bus.PublishKind(bus.KindConversationCreated, p.ConversationID, p)
	default:
		c.logger.Debug("unknown push event", zap.String("event", string(f.Event)))
	}
}

package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"ledgerflow/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FeedMessage 推送给仪表盘的消息
type FeedMessage struct {
	Type      string      `json:"type"` // execution, notification
	RuleID    string      `json:"rule_id,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type feedClient struct {
	id     string
	ruleID string // empty receives every rule
	conn   *websocket.Conn
	send   chan FeedMessage
	feed   *ExecutionFeed
}

// ExecutionFeed streams execution transitions and notifications to websocket clients.
type ExecutionFeed struct {
	clients    map[string]*feedClient
	broadcast  chan FeedMessage
	register   chan *feedClient
	unregister chan *feedClient
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

var feedUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewExecutionFeed(logger *logrus.Logger) *ExecutionFeed {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutionFeed{
		clients:    make(map[string]*feedClient),
		broadcast:  make(chan FeedMessage, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns client registration and fan-out until ctx is done.
func (f *ExecutionFeed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(f.done)
			f.mutex.Lock()
			for id, client := range f.clients {
				close(client.send)
				delete(f.clients, id)
			}
			f.mutex.Unlock()
			return

		case client := <-f.register:
			f.mutex.Lock()
			f.clients[client.id] = client
			f.mutex.Unlock()
			f.logger.Infof("feed client %s connected", client.id)

		case client := <-f.unregister:
			f.mutex.Lock()
			if _, ok := f.clients[client.id]; ok {
				delete(f.clients, client.id)
				close(client.send)
				f.logger.Infof("feed client %s disconnected", client.id)
			}
			f.mutex.Unlock()

		case message := <-f.broadcast:
			f.mutex.Lock()
			for id, client := range f.clients {
				if client.ruleID != "" && client.ruleID != message.RuleID {
					continue
				}
				select {
				case client.send <- message:
				default:
					// 慢客户端直接断开
					close(client.send)
					delete(f.clients, id)
				}
			}
			f.mutex.Unlock()
		}
	}
}

// Publish queues a message without blocking; it is dropped when the queue is full.
func (f *ExecutionFeed) Publish(msg FeedMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case f.broadcast <- msg:
	default:
		f.logger.Warnf("execution feed full, dropping %s message", msg.Type)
	}
}

// PublishExecution is an engine observer.
func (f *ExecutionFeed) PublishExecution(exec models.AutomationExecution) {
	f.Publish(FeedMessage{Type: "execution", RuleID: exec.RuleID, Data: exec})
}

// ClientCount returns the number of connected clients.
func (f *ExecutionFeed) ClientCount() int {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return len(f.clients)
}

// HandleWebSocket upgrades the request; ?rule_id= narrows the stream to one rule.
func (f *ExecutionFeed) HandleWebSocket(c *gin.Context) {
	conn, err := feedUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Error("WebSocket upgrade failed:", err)
		return
	}

	client := &feedClient{
		id:     uuid.NewString(),
		ruleID: c.Query("rule_id"),
		conn:   conn,
		send:   make(chan FeedMessage, 64),
		feed:   f,
	}
	select {
	case f.register <- client:
	case <-f.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only services control frames; clients do not send data.
func (c *feedClient) readPump() {
	defer func() {
		select {
		case c.feed.unregister <- c:
		case <-c.feed.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.feed.logger.Errorf("WebSocket error: %v", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.feed.logger.Error("WriteJSON error:", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

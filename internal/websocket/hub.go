package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/monitoring"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// knownTopics 可订阅的主题
var knownTopics = map[string]bool{
	domain.TopicMessages: true,
	domain.TopicTickets:  true,
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 非浏览器客户端
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeEvent       MessageType = "event"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType   `json:"type"`
	Topic     string        `json:"topic,omitempty"`
	Event     *domain.Event `json:"event,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	topics map[string]bool // 订阅的主题
	mu     sync.RWMutex
	log    *zap.Logger
}

// Hub 管理所有WebSocket连接，并作为 domain.EventPublisher 向订阅者推送事件
type Hub struct {
	clients        map[string]*Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan domain.Event
	done           chan struct{}
	stopOnce       sync.Once
	mu             sync.RWMutex
	log            *zap.Logger
	metrics        *monitoring.Metrics
	allowedOrigins []string
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有来源
//   - metrics: 连接数指标，可为 nil
//   - log: 日志记录器
func NewHub(allowedOrigins []string, metrics *monitoring.Metrics, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan domain.Event, sendBuffer),
		done:           make(chan struct{}),
		log:            log.Named("websocket"),
		metrics:        metrics,
		allowedOrigins: allowedOrigins,
	}
}

// Run 启动Hub，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer h.stopOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.UpdateWebsocketClients(count)
			h.log.Info("client registered", zap.String("id", client.ID), zap.Strings("topics", client.topicList()))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Info("client unregistered", zap.String("id", client.ID))
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.UpdateWebsocketClients(count)

		case event := <-h.broadcast:
			h.broadcastToTopic(event)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// Publish 实现 domain.EventPublisher；缓冲区满或 Hub 已停止时丢弃事件
func (h *Hub) Publish(event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("event buffer full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("topic", event.Topic))
	}
}

// ClientCount 返回当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcastToTopic 向订阅事件主题的客户端广播
func (h *Hub) broadcastToTopic(event domain.Event) {
	data, err := json.Marshal(&Message{
		Type:      MessageTypeEvent,
		Topic:     event.Topic,
		Event:     &event,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		h.log.Error("failed to marshal event", zap.Error(err), zap.String("type", string(event.Type)))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if !client.subscribed(event.Topic) {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.metrics.UpdateWebsocketClients(0)
}

// ParseTopics 解析逗号分隔的主题列表，为空时订阅全部主题
func ParseTopics(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{domain.TopicMessages, domain.TopicTickets}, nil
	}

	var topics []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		topic := strings.ToLower(strings.TrimSpace(part))
		if topic == "" || seen[topic] {
			continue
		}
		if !knownTopics[topic] {
			return nil, fmt.Errorf("unknown topic %q", topic)
		}
		seen[topic] = true
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics given")
	}
	return topics, nil
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		topics, err := ParseTopics(c.Query("topics"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "msg": err.Error()})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:     uuid.NewString(),
			conn:   conn,
			hub:    hub,
			send:   make(chan []byte, sendBuffer),
			topics: make(map[string]bool, len(topics)),
			log:    hub.log,
		}
		for _, topic := range topics {
			client.topics[topic] = true
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

func (c *Client) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

func (c *Client) topicList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	return topics
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err), zap.String("clientID", c.ID))
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.Topic)
	case MessageTypeUnsubscribe:
		c.unsubscribe(msg.Topic)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	default:
		c.sendError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (c *Client) subscribe(topic string) {
	topic = strings.ToLower(strings.TrimSpace(topic))
	if !knownTopics[topic] {
		c.sendError(fmt.Sprintf("unknown topic: %s", topic))
		return
	}

	c.mu.Lock()
	c.topics[topic] = true
	c.mu.Unlock()

	c.log.Debug("subscribed to topic", zap.String("clientID", c.ID), zap.String("topic", topic))
	c.sendMessage(&Message{Type: MessageTypeSubscribed, Topic: topic, Timestamp: time.Now().UTC()})
}

func (c *Client) unsubscribe(topic string) {
	topic = strings.ToLower(strings.TrimSpace(topic))
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()

	c.log.Debug("unsubscribed from topic", zap.String("clientID", c.ID), zap.String("topic", topic))
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{Type: MessageTypeError, Error: errMsg, Timestamp: time.Now().UTC()})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	// send 可能已被 Hub 关闭
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.ID]; !ok {
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}

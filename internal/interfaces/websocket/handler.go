package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gearbot/msglog/internal/domain/entity"
	"github.com/gearbot/msglog/internal/domain/messagelog"
	"github.com/gearbot/msglog/pkg/safego"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024 // 512KB
	sendQueueSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 网关桥接为服务端进程, 无浏览器来源
	},
}

// MessageType 帧类型
type MessageType string

const (
	MessageTypeEvent MessageType = "event"
	MessageTypeAck   MessageType = "ack"
	MessageTypeError MessageType = "error"
	MessageTypePing  MessageType = "ping"
	MessageTypePong  MessageType = "pong"
)

// WSMessage WebSocket 帧
type WSMessage struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Admitted  *bool           `json:"admitted,omitempty"`
	Error     string          `json:"error,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Ingestor logs a single gateway event.
type Ingestor interface {
	Execute(ctx context.Context, ev messagelog.RawEvent) (*entity.Record, bool, error)
}

// Client 一个网关桥接连接
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *zap.Logger
}

// Hub WebSocket 连接中心
type Hub struct {
	clients    map[string]*Client
	unregister chan *Client
	closed     bool
	readers    sync.WaitGroup
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewHub 创建连接中心
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		unregister: make(chan *Client),
		logger:     logger.With(zap.String("component", "ws-hub")),
	}
}

// add registers a client and launches its pumps, so that the first ack is
// never dropped. It reports false once the hub has shut down.
func (h *Hub) add(client *Client, read func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client.ID] = client
	safego.Go(client.logger, "ws-write-pump", client.writePump)
	safego.GoTracked(&h.readers, client.logger, "ws-read-pump", read)
	h.logger.Info("Ingest client connected", zap.String("client_id", client.ID))
	return true
}

// Drain 拒绝新连接并等待所有读循环退出
//
// Call it after the hub's context is cancelled. Once Drain returns nil no
// connection can hand another event to the ingestor.
func (h *Hub) Drain(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.readers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 运行连接中心, ctx 结束时关闭全部连接
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Ingest client disconnected", zap.String("client_id", client.ID))
		}
	}
}

// GetClientCount 获取客户端数量
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler WebSocket 处理器
type Handler struct {
	hub      *Hub
	ingestor Ingestor
	ctx      context.Context
	logger   *zap.Logger
}

// NewHandler 创建 WebSocket 处理器. ctx bounds the lifetime of every
// connection accepted by the handler.
func NewHandler(ctx context.Context, hub *Hub, ingestor Ingestor, logger *zap.Logger) *Handler {
	return &Handler{
		hub:      hub,
		ingestor: ingestor,
		ctx:      ctx,
		logger:   logger.With(zap.String("component", "ws-ingest")),
	}
}

// ServeWS 处理 WebSocket 连接
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.NewString()
	client := &Client{
		ID:     clientID,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		hub:    h.hub,
		logger: h.logger.With(zap.String("client_id", clientID)),
	}
	if name := r.URL.Query().Get("name"); name != "" {
		client.logger = client.logger.With(zap.String("client_name", name))
	}

	if !h.hub.add(client, func() { client.readPump(h.ctx, h.ingestor) }) {
		conn.Close()
	}
}

// readPump 读取事件帧并逐个确认
func (c *Client) readPump(ctx context.Context, ingestor Ingestor) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		// 关闭期间读到的帧不再入缓冲, 未确认的事件由网关重投
		if ctx.Err() != nil {
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(&WSMessage{Type: MessageTypeError, Error: "invalid frame: " + err.Error()})
			continue
		}

		switch msg.Type {
		case MessageTypePing:
			c.reply(&WSMessage{Type: MessageTypePong, ID: msg.ID})
		case MessageTypeEvent:
			c.reply(c.ingest(ctx, ingestor, &msg))
		default:
			c.reply(&WSMessage{Type: MessageTypeError, ID: msg.ID, Error: "unknown frame type: " + string(msg.Type)})
		}
	}
}

func (c *Client) ingest(ctx context.Context, ingestor Ingestor, msg *WSMessage) *WSMessage {
	var ev messagelog.RawEvent
	if err := json.Unmarshal(msg.Event, &ev); err != nil {
		return &WSMessage{Type: MessageTypeError, ID: msg.ID, Error: "invalid event: " + err.Error()}
	}

	record, admitted, err := ingestor.Execute(ctx, ev)
	if err != nil {
		return &WSMessage{Type: MessageTypeError, ID: msg.ID, Error: err.Error()}
	}

	id := msg.ID
	if id == "" {
		id = strconv.FormatUint(record.ID, 10)
	}
	return &WSMessage{Type: MessageTypeAck, ID: id, Admitted: &admitted}
}

// writePump 写入消息
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
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
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

// reply queues a frame for the write pump. Frames for a client whose send
// queue is full or closed are dropped.
func (c *Client) reply(msg *WSMessage) {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.ID]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Send queue full, dropping frame", zap.String("type", string(msg.Type)))
	}
}

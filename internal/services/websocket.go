package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"casebridge/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// StreamMessage 活动流消息，推送给运维前端
type StreamMessage struct {
	Type       string    `json:"type"`
	IncidentID string    `json:"incident_id"`
	Source     string    `json:"source"`
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// StreamClient 单个 websocket 连接。IncidentID 非空时只收该案例的事件
type StreamClient struct {
	ID         string
	IncidentID string
	Conn       *websocket.Conn
	Send       chan StreamMessage
	Hub        *StreamHub
}

// StreamHub 同步事件的实时活动流。作为总线消费者订阅全部事件，
// 按案例过滤后扇出到已连接的客户端。纯观察面：丢消息无害，
// 慢客户端直接踢掉而不是拖慢总线。
type StreamHub struct {
	clients    map[string]*StreamClient
	broadcast  chan StreamMessage
	register   chan *StreamClient
	unregister chan *StreamClient
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

// NewStreamHub 创建活动流 hub
func NewStreamHub(logger *logrus.Logger) *StreamHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &StreamHub{
		clients:    make(map[string]*StreamClient),
		broadcast:  make(chan StreamMessage, 64),
		register:   make(chan *StreamClient),
		unregister: make(chan *StreamClient),
		logger:     logger,
	}
}

// Consumer 总线消费者名
func (h *StreamHub) Consumer() string {
	return "activity-stream"
}

// Handle 总线事件 → 广播。永不返回错误：观察面不占用投递预算
func (h *StreamHub) Handle(ctx context.Context, ev *models.SyncEvent) error {
	select {
	case h.broadcast <- StreamMessage{
		Type:       ev.Type,
		IncidentID: ev.IncidentID,
		Source:     ev.SourceSystem,
		EventID:    ev.ID,
		Timestamp:  ev.OccurredAt,
	}:
	default:
		h.logger.Debug("activity stream backlogged, dropping event")
	}
	return nil
}

// Run hub 主循环
func (h *StreamHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			h.logger.Infof("stream client %s connected", client.ID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				h.logger.Infof("stream client %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for _, client := range h.clients {
				if client.IncidentID != "" && client.IncidentID != message.IncidentID {
					continue
				}
				select {
				case client.Send <- message:
				default:
					close(client.Send)
					delete(h.clients, client.ID)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// HandleWebSocket gin 路由入口，?incident_id= 可选过滤
func (h *StreamHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed:", err)
		return
	}

	client := &StreamClient{
		ID:         fmt.Sprintf("client_%d", time.Now().UnixNano()),
		IncidentID: c.Query("incident_id"),
		Conn:       conn,
		Send:       make(chan StreamMessage, 256),
		Hub:        h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump 只负责保活与连接关闭检测，活动流不接受客户端消息
func (c *StreamClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Errorf("WebSocket error: %v", err)
			}
			break
		}
	}
}

func (c *StreamClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				c.Hub.logger.Error("WriteJSON error:", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// GetClientCount 当前连接数
func (h *StreamHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

package collector

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"JornadaAgent/internal/events"
)

const liveWriteTimeout = time.Second

// liveBatch 一次追加到某会话的事件
type liveBatch struct {
	sessionID string
	records   []events.Record
}

type liveClient struct {
	sessionID string
	conn      *websocket.Conn
}

// LiveHub 按会话广播新追加的事件到WebSocket订阅者
type LiveHub struct {
	clients    map[string]map[*websocket.Conn]bool
	broadcast  chan liveBatch
	register   chan liveClient
	unregister chan liveClient
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	subscribers atomic.Int64
}

// NewLiveHub 创建实时广播器
func NewLiveHub(logger *slog.Logger) *LiveHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveHub{
		clients:    make(map[string]map[*websocket.Conn]bool),
		broadcast:  make(chan liveBatch, 256),
		register:   make(chan liveClient),
		unregister: make(chan liveClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "live_hub"),
	}
}

// Run 运行广播循环，ctx取消时关闭所有连接
func (h *LiveHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.clients {
				for conn := range conns {
					conn.Close()
				}
			}
			h.clients = make(map[string]map[*websocket.Conn]bool)
			h.subscribers.Store(0)
			return

		case c := <-h.register:
			conns, ok := h.clients[c.sessionID]
			if !ok {
				conns = make(map[*websocket.Conn]bool)
				h.clients[c.sessionID] = conns
			}
			conns[c.conn] = true
			h.subscribers.Add(1)
			h.logger.Debug("live subscriber connected", "session_id", c.sessionID, "subscribers", len(conns))

		case c := <-h.unregister:
			h.drop(c.sessionID, c.conn)

		case batch := <-h.broadcast:
			for conn := range h.clients[batch.sessionID] {
				if err := h.write(conn, batch.records); err != nil {
					h.logger.Warn("live write failed", "session_id", batch.sessionID, "error", err)
					h.drop(batch.sessionID, conn)
				}
			}
		}
	}
}

func (h *LiveHub) write(conn *websocket.Conn, records []events.Record) error {
	if err := conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout)); err != nil {
		return err
	}
	for _, rec := range records {
		if err := conn.WriteMessage(websocket.TextMessage, rec); err != nil {
			return err
		}
	}
	return nil
}

func (h *LiveHub) drop(sessionID string, conn *websocket.Conn) {
	conns, ok := h.clients[sessionID]
	if !ok || !conns[conn] {
		return
	}
	delete(conns, conn)
	h.subscribers.Add(-1)
	conn.Close()
	if len(conns) == 0 {
		delete(h.clients, sessionID)
	}
	h.logger.Debug("live subscriber disconnected", "session_id", sessionID, "subscribers", len(conns))
}

// Subscribers 当前订阅连接数
func (h *LiveHub) Subscribers() int64 {
	return h.subscribers.Load()
}

// Publish 投递一批事件，通道满时丢弃，不阻塞写入路径
func (h *LiveHub) Publish(sessionID string, records []events.Record) {
	select {
	case h.broadcast <- liveBatch{sessionID: sessionID, records: records}:
	default:
		h.logger.Warn("live broadcast queue full, dropping batch", "session_id", sessionID, "records", len(records))
	}
}

// Serve 升级连接并订阅会话，阻塞到客户端断开
func (h *LiveHub) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := liveClient{sessionID: sessionID, conn: conn}
	select {
	case h.register <- c:
	case <-ctx.Done():
		conn.Close()
		return
	}

	defer func() {
		select {
		case h.unregister <- c:
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket connection error", "session_id", sessionID, "error", err)
			}
			return
		}
	}
}

package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"anniversary-collab/backend/internal/collab"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub    *Hub
	engine *collab.Engine
	sem    *collab.SemaphoreControl
}

func NewManager(hub *Hub, engine *collab.Engine, sem *collab.SemaphoreControl) *Manager {
	return &Manager{hub: hub, engine: engine, sem: sem}
}

// WebSocketConnect 升级连接并进入读循环。身份由上游中间件写入 gin.Context
// （本核心不验证身份，userId/username/color 视为可信输入）。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	user := collab.User{
		ID:       c.GetUint64("userId"),
		Username: c.GetString("username"),
		Color:    c.GetString("color"),
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, m.engine, user, m.sem)

	// 先启动写循环，保证 welcome 和后续消息能被及时发出
	go wsConn.writeLoop()
	wsConn.Enqueue(ServerMessage{Type: "welcome", Content: "connected"})

	// 读循环阻塞到连接关闭
	wsConn.readLoop(c.Request.Context())
}

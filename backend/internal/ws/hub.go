package ws

import (
	"sync"

	"anniversary-collab/backend/internal/cache"
)

// Hub 维护实体房间到连接的映射。一个用户可开多个标签页/设备（多连接），
// 所以房间里存的是连接集合而不是 userID。
type Hub struct {
	presence cache.PresenceCache

	mu sync.RWMutex
	// entityID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(entityID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[entityID] == nil {
		h.rooms[entityID] = make(map[*Conn]struct{})
	}
	h.rooms[entityID][c] = struct{}{}
}

func (h *Hub) Leave(entityID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[entityID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, entityID)
		}
	}
}

// BroadcastPresence 把镜像里的存活成员推给房间内的全部连接。
func (h *Hub) BroadcastPresence(entityID string, members []cache.PresenceMember) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[entityID]))
	for c := range h.rooms[entityID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	wire := make([]PresenceMember, len(members))
	for i, m := range members {
		wire[i] = PresenceMember{UserID: m.UserID, Username: m.Username, Color: m.Color}
	}
	msg := ServerMessage{Type: "presence", EntityID: entityID, Members: wire}
	for _, c := range conns {
		c.Enqueue(msg)
	}
}

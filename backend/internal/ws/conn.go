package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"anniversary-collab/backend/internal/collab"
)

// Conn：一条 WebSocket 连接。入站消息转发进协作引擎，
// 引擎的事件流经订阅泵回到出站队列。
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	engine   *collab.Engine
	user     collab.User
	entityID string
	// 该连接当前持有的编辑会话（至多一个）
	sessionID string
	sub       *collab.Subscription
	sem       *collab.SemaphoreControl

	mu     sync.Mutex
	send   chan OutboundMessage
	closed bool
}

func NewConn(ws *websocket.Conn, hub *Hub, engine *collab.Engine, user collab.User, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:     ws,
		hub:    hub,
		engine: engine,
		user:   user,
		send:   make(chan OutboundMessage, 32),
		sem:    sem,
	}
}

// Enqueue 非阻塞入队：队列满了直接丢，慢连接不拖累广播方。
// 连接关闭后入队是 no-op（事件泵可能还在排空缓冲）。
func (c *Conn) Enqueue(msg OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// pumpEvents 把引擎事件流搬进出站队列，订阅取消（通道关闭）后退出。
func (c *Conn) pumpEvents(sub *collab.Subscription) {
	for ev := range sub.Events() {
		c.Enqueue(EventMessage{Type: "event", Kind: ev.EventKind(), Event: ev})
	}
}

func (c *Conn) presenceTTL() time.Duration {
	return c.engine.Settings().PresenceTimeout
}

func (c *Conn) joinEntity(ctx context.Context, entityID string) {
	if c.entityID == entityID {
		return
	}
	if c.entityID != "" {
		c.leaveEntity(ctx)
	}
	c.entityID = entityID
	c.hub.Join(entityID, c)
	c.engine.Announce(c.user)
	c.sub = c.engine.Subscribe(entityID)
	go c.pumpEvents(c.sub)

	if c.hub.presence != nil {
		if err := c.hub.presence.AddMember(ctx, entityID, c.user.ID, c.user.Username, c.user.Color, c.presenceTTL()); err != nil {
			log.Printf("presence mirror add failed entity=%s user=%d: %v", entityID, c.user.ID, err)
		}
	}
}

func (c *Conn) leaveEntity(ctx context.Context) {
	if c.entityID == "" {
		return
	}
	if c.sessionID != "" {
		_ = c.engine.StopEditing(c.sessionID)
		c.sessionID = ""
	}
	if c.sub != nil {
		c.sub.Cancel()
		c.sub = nil
	}
	c.hub.Leave(c.entityID, c)
	if c.hub.presence != nil {
		if err := c.hub.presence.RemoveMember(ctx, c.entityID, c.user.ID); err != nil {
			log.Printf("presence mirror remove failed entity=%s user=%d: %v", c.entityID, c.user.ID, err)
		}
	}
	c.entityID = ""
}

func (c *Conn) handleEditSubmit(ctx context.Context, msg ClientMessage) {
	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}
	defer c.sem.Release() //nolint:errcheck

	stored, err := c.engine.SubmitEdit(submitCtx, collab.RealtimeEdit{
		SessionID: c.sessionID,
		UserID:    c.user.ID,
		EntityID:  c.entityID,
		Field:     msg.Field,
		Kind:      collab.OpKind(msg.Kind),
		Position:  msg.Position,
		Length:    msg.Length,
		Content:   msg.Content,
		BaseSeq:   msg.BaseSeq,
	})
	if err != nil {
		// 会话/范围错误是局部可恢复的：丢弃该操作，连接继续
		c.Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}
	c.Enqueue(ServerMessage{Type: "edit_applied", EntityID: c.entityID, Field: msg.Field, Seq: stored.Seq})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.leaveEntity(ctx)
		c.closeSend()
	}()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%d, entity=%s): %v", c.user.ID, c.entityID, err)
			return
		}
		switch msg.Type {
		case "heartbeat":
			if err := c.engine.Heartbeat(c.user.ID); err != nil {
				// 未宣告过（或已被回收）：重新宣告
				c.engine.Announce(c.user)
			}
			if c.entityID != "" && c.hub.presence != nil {
				if err := c.hub.presence.AddMember(ctx, c.entityID, c.user.ID, c.user.Username, c.user.Color, c.presenceTTL()); err != nil {
					log.Printf("presence mirror refresh failed: %v", err)
				}
				// 心跳顺带把镜像里的存活成员推给房间，跨实例的上下线随心跳收敛
				if members, err := c.hub.presence.GetAliveMembers(ctx, c.entityID); err != nil {
					log.Printf("presence mirror read failed entity=%s: %v", c.entityID, err)
				} else {
					c.hub.BroadcastPresence(c.entityID, members)
				}
			}
			c.Enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})

		case "join_entity":
			if msg.EntityID == "" {
				c.Enqueue(ServerMessage{Type: "error", Content: "missing entityId"})
				continue
			}
			c.joinEntity(ctx, msg.EntityID)
			c.Enqueue(ServerMessage{Type: "join_entity", EntityID: msg.EntityID})

		case "start_editing":
			if c.entityID == "" {
				c.Enqueue(ServerMessage{Type: "error", Content: "join an entity first"})
				continue
			}
			session, err := c.engine.StartEditing(c.user, c.entityID, msg.EntityName, msg.Field)
			if err != nil {
				c.Enqueue(ServerMessage{Type: "error", Content: err.Error()})
				continue
			}
			c.sessionID = session.ID
			c.Enqueue(ServerMessage{Type: "start_editing", EntityID: c.entityID, Field: msg.Field, SessionID: session.ID})

		case "stop_editing":
			if c.sessionID == "" {
				continue
			}
			if err := c.engine.StopEditing(c.sessionID); err != nil && !errors.Is(err, collab.ErrNotFound) {
				log.Printf("stop editing error: %v", err)
			}
			c.sessionID = ""

		case "cursor":
			if err := c.engine.MoveCursor(c.sessionID, msg.Field, msg.Position); err != nil {
				// 未知会话/非法偏移：静默丢弃，不广播
				log.Printf("cursor update dropped (session=%s): %v", c.sessionID, err)
				continue
			}
			if c.hub.presence != nil && c.entityID != "" {
				data, err := json.Marshal(collab.Cursor{Field: msg.Field, Position: msg.Position})
				if err == nil {
					_ = c.hub.presence.SetCursor(ctx, c.entityID, c.user.ID, data, c.presenceTTL())
				}
			}

		case "selection":
			if err := c.engine.ChangeSelection(c.sessionID, msg.Field, msg.Start, msg.End); err != nil {
				log.Printf("selection update dropped (session=%s): %v", c.sessionID, err)
			}

		case "edit_submit":
			c.handleEditSubmit(ctx, msg)

		case "catch_up":
			var edits []collab.RealtimeEdit
			for e := range c.engine.CatchUp(c.entityID, msg.Field, msg.SinceSeq) {
				edits = append(edits, e)
			}
			c.Enqueue(ServerMessage{
				Type: "catch_up", EntityID: c.entityID, Field: msg.Field,
				Edits: edits, Seq: c.engine.LatestSeq(c.entityID, msg.Field),
				Content: c.engine.FieldContent(c.entityID, msg.Field),
			})

		case "list_online":
			users := c.engine.ListOnline(c.entityID)
			members := make([]PresenceMember, 0, len(users))
			seen := make(map[uint64]bool, len(users))
			for _, u := range users {
				members = append(members, PresenceMember{UserID: u.ID, Username: u.Username, Color: u.Color})
				seen[u.ID] = true
			}
			indicators := c.engine.Indicators(c.entityID)
			// 合并镜像里其它实例的存活成员，本进程的注册表看不到它们
			cfg := c.engine.Settings()
			if c.hub.presence != nil && c.entityID != "" && cfg.EnableRealtimeSync && cfg.ShowOtherUsers {
				remote, err := c.hub.presence.GetAliveMembers(ctx, c.entityID)
				if err != nil {
					log.Printf("presence mirror read failed entity=%s: %v", c.entityID, err)
				}
				for _, m := range remote {
					if seen[m.UserID] {
						continue
					}
					member := PresenceMember{UserID: m.UserID, Color: m.Color}
					if cfg.ShowUserNames {
						member.Username = m.Username
					}
					members = append(members, member)
					if cfg.ShowCursors {
						data, err := c.hub.presence.GetCursor(ctx, c.entityID, m.UserID)
						if err != nil {
							continue
						}
						var cur collab.Cursor
						if json.Unmarshal(data, &cur) != nil {
							continue
						}
						indicators = append(indicators, collab.PresenceIndicator{
							UserID:   m.UserID,
							Username: member.Username,
							Color:    m.Color,
							EntityID: c.entityID,
							Field:    cur.Field,
							Editing:  cfg.ShowEditing,
							Cursor:   &cur,
						})
					}
				}
			}
			c.Enqueue(ServerMessage{
				Type: "list_online", EntityID: c.entityID,
				Members: members, Indicators: indicators,
			})

		default:
			c.Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费出站队列直到 readLoop 关闭通道
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}

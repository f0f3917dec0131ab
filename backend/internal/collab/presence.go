package collab

import (
	"sync"
	"time"
)

// User 在首次 presence 宣告时创建；超时没有心跳后标记离线。
type User struct {
	ID        uint64    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Color     string    `json:"color"` // 光标/选区渲染用，会话期间保持稳定
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"lastSeen"`
}

// 光标颜色池：按加入顺序轮转分配，分配后不再改变
var colorPalette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#008080",
}

// SessionIndex 提供“哪些用户在该实体上有活跃会话”的查询，由 Manager 实现。
type SessionIndex interface {
	UsersOn(entityID string) []uint64
}

// Registry 维护在线用户集合。共享可变状态，全部变更走内部锁。
type Registry struct {
	settings Settings
	emit     func(Event) // 事件出口，由引擎注入；nil 时不发事件
	mu       sync.RWMutex
	users    map[uint64]*User
	assigned int // 已分配颜色数，用于轮转
}

func NewRegistry(settings Settings, emit func(Event)) *Registry {
	return &Registry{
		settings: settings,
		emit:     emit,
		users:    make(map[uint64]*User),
	}
}

func (r *Registry) dispatch(e Event) {
	if r.emit != nil {
		r.emit(e)
	}
}

// Announce 插入或刷新用户：online=true、lastSeen=now。
// 首次出现时分配颜色并发 user_joined；重复宣告只刷新状态。
func (r *Registry) Announce(u User) {
	if !r.settings.EnableRealtimeSync {
		return
	}
	now := time.Now()

	r.mu.Lock()
	cur, ok := r.users[u.ID]
	if !ok {
		cur = &User{ID: u.ID}
		r.users[u.ID] = cur
	}
	if u.Username != "" {
		cur.Username = u.Username
	}
	if u.Email != "" {
		cur.Email = u.Email
	}
	if u.AvatarURL != "" {
		cur.AvatarURL = u.AvatarURL
	}
	if cur.Color == "" {
		if u.Color != "" {
			cur.Color = u.Color
		} else {
			cur.Color = colorPalette[r.assigned%len(colorPalette)]
			r.assigned++
		}
	}
	wasOnline := cur.Online
	cur.Online = true
	cur.LastSeen = now
	joined := *cur
	r.mu.Unlock()

	if !ok || !wasOnline {
		r.dispatch(UserJoinedEvent{UserID: joined.ID, Username: joined.Username, Color: joined.Color, At: now})
	}
}

// Heartbeat 刷新 lastSeen；未知用户返回 ErrNotFound。
func (r *Registry) Heartbeat(userID uint64) error {
	if !r.settings.EnableRealtimeSync {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Online = true
	u.LastSeen = time.Now()
	return nil
}

// Sweep 把 lastSeen 早于 presenceTimeout 的用户标记离线并发 user_left。
// 在写锁内重新读取 lastSeen 再判定，避免把扫描期间刚活跃的用户误判下线。
// 同一个 now 重复调用是幂等的（第二次不再产生事件）。
func (r *Registry) Sweep(now time.Time) {
	if !r.settings.EnableRealtimeSync {
		return
	}
	var left []User

	r.mu.Lock()
	for _, u := range r.users {
		if u.Online && now.Sub(u.LastSeen) > r.settings.PresenceTimeout {
			u.Online = false
			left = append(left, *u)
		}
	}
	r.mu.Unlock()

	for _, u := range left {
		r.dispatch(UserLeftEvent{UserID: u.ID, Username: u.Username, At: now})
	}
}

// Get 返回用户快照。
func (r *Registry) Get(userID uint64) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// ListOnline 返回在该实体上持有活跃会话且在线的用户。
// 对共享 map 的读走读锁快照，不阻塞写方。
func (r *Registry) ListOnline(entityID string, sessions SessionIndex) []User {
	if !r.settings.EnableRealtimeSync || !r.settings.ShowOtherUsers {
		return nil
	}
	ids := sessions.UsersOn(entityID)
	if len(ids) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		if u, ok := r.users[id]; ok && u.Online {
			out = append(out, *u)
		}
	}
	return out
}

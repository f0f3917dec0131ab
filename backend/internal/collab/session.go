package collab

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// 本服务里被协作编辑的实体只有一种：纪念日记录
const EntityTypeAnniversary = "anniversary"

// 会话状态机：Active -> Superseded -> Closed（同一用户在同一实体上重新开始会话时），
// 或 Active -> Closed（显式结束 / 空闲回收）。
// 显式建模而不是静默覆盖，测试才能断言 stop/start 成对出现。
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionSuperseded SessionState = "superseded"
	SessionClosed     SessionState = "closed"
)

type Cursor struct {
	Field    string `json:"field"`
	Position int    `json:"position"`
}

type Selection struct {
	Field string `json:"field"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// EditingSession：一个用户对一个实体的一段连续编辑焦点。
// 同一 (user, entity) 同时至多一个活跃会话，新会话取代旧会话。
type EditingSession struct {
	ID           string       `json:"id"`
	UserID       uint64       `json:"userId"`
	Username     string       `json:"username"`
	Color        string       `json:"color"`
	EntityType   string       `json:"entityType"`
	EntityID     string       `json:"entityId"`
	EntityName   string       `json:"entityName,omitempty"`
	Field        string       `json:"field,omitempty"`
	Cursor       *Cursor      `json:"cursor,omitempty"`
	Selection    *Selection   `json:"selection,omitempty"`
	State        SessionState `json:"state"`
	StartedAt    time.Time    `json:"startedAt"`
	LastActivity time.Time    `json:"lastActivity"`
}

// 每个实体独立一把锁：同一实体上的会话变更串行，不相关实体完全并行
type entitySessions struct {
	mu       sync.Mutex
	sessions map[string]*EditingSession
	byUser   map[uint64]string // userID -> 活跃 sessionID
}

// Manager 负责会话生命周期。外层锁只保护两张索引表，拿到实体状态后立即释放。
type Manager struct {
	settings Settings
	registry *Registry
	emit     func(Event)

	mu       sync.RWMutex
	entities map[string]*entitySessions
	byID     map[string]string // sessionID -> entityID
}

func NewManager(settings Settings, registry *Registry, emit func(Event)) *Manager {
	return &Manager{
		settings: settings,
		registry: registry,
		emit:     emit,
		entities: make(map[string]*entitySessions),
		byID:     make(map[string]string),
	}
}

func (m *Manager) dispatch(e Event) {
	if m.emit != nil {
		m.emit(e)
	}
}

func (m *Manager) getOrCreateEntity(entityID string) *entitySessions {
	m.mu.RLock()
	es := m.entities[entityID]
	m.mu.RUnlock()
	if es != nil {
		return es
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if es = m.entities[entityID]; es == nil {
		es = &entitySessions{
			sessions: make(map[string]*EditingSession),
			byUser:   make(map[uint64]string),
		}
		m.entities[entityID] = es
	}
	return es
}

func (m *Manager) lookup(sessionID string) *entitySessions {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entityID, ok := m.byID[sessionID]
	if !ok {
		return nil
	}
	return m.entities[entityID]
}

// StartSession 创建新会话并注册 presence。
// 同一 (user, entity) 已有会话时先将其置为 Superseded 并发 editing_stopped，
// 再发新会话的 editing_started —— 恰好一对 stop/start。
func (m *Manager) StartSession(u User, entityID, entityName, field string) (EditingSession, error) {
	if !m.settings.EnableRealtimeSync {
		return EditingSession{}, nil
	}
	if m.registry != nil {
		m.registry.Announce(u)
		if ru, ok := m.registry.Get(u.ID); ok {
			u.Color = ru.Color
		}
	}

	now := time.Now()
	s := &EditingSession{
		ID:           uuid.NewString(),
		UserID:       u.ID,
		Username:     u.Username,
		Color:        u.Color,
		EntityType:   EntityTypeAnniversary,
		EntityID:     entityID,
		EntityName:   entityName,
		Field:        field,
		State:        SessionActive,
		StartedAt:    now,
		LastActivity: now,
	}

	es := m.getOrCreateEntity(entityID)
	var supersededID string
	es.mu.Lock()
	if oldID, ok := es.byUser[u.ID]; ok {
		if old := es.sessions[oldID]; old != nil {
			old.State = SessionSuperseded
			m.dispatch(EditingStoppedEvent{
				SessionID: old.ID, UserID: old.UserID, EntityID: old.EntityID,
				Field: old.Field, Reason: StopReasonSuperseded, At: now,
			})
			old.State = SessionClosed
			delete(es.sessions, oldID)
		}
		delete(es.byUser, u.ID)
		supersededID = oldID
	}
	es.sessions[s.ID] = s
	es.byUser[u.ID] = s.ID
	m.dispatch(EditingStartedEvent{
		SessionID: s.ID, UserID: s.UserID, Username: s.Username, Color: s.Color,
		EntityID: s.EntityID, Field: s.Field, At: now,
	})
	out := *s
	es.mu.Unlock()

	m.mu.Lock()
	if supersededID != "" {
		delete(m.byID, supersededID)
	}
	m.byID[s.ID] = entityID
	m.mu.Unlock()
	return out, nil
}

// UpdateCursor 原地更新光标并刷新 lastActivity，发 cursor_moved。
// 负偏移返回 ErrInvalidRange；未知会话返回 ErrNotFound（调用方静默丢弃，不广播）。
func (m *Manager) UpdateCursor(sessionID, field string, position int) error {
	if !m.settings.EnableRealtimeSync {
		return nil
	}
	if position < 0 {
		return ErrInvalidRange
	}
	es := m.lookup(sessionID)
	if es == nil {
		return ErrNotFound
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	s, ok := es.sessions[sessionID]
	if !ok || s.State != SessionActive {
		return ErrNotFound
	}
	now := time.Now()
	s.Field = field
	s.Cursor = &Cursor{Field: field, Position: position}
	s.LastActivity = now
	m.dispatch(CursorMovedEvent{
		SessionID: s.ID, UserID: s.UserID, EntityID: s.EntityID,
		Field: field, Cursor: s.Cursor, At: now,
	})
	if m.registry != nil {
		_ = m.registry.Heartbeat(s.UserID)
	}
	return nil
}

// UpdateSelection 同 UpdateCursor，负偏移或 end<start 拒绝。
func (m *Manager) UpdateSelection(sessionID, field string, start, end int) error {
	if !m.settings.EnableRealtimeSync {
		return nil
	}
	if start < 0 || end < start {
		return ErrInvalidRange
	}
	es := m.lookup(sessionID)
	if es == nil {
		return ErrNotFound
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	s, ok := es.sessions[sessionID]
	if !ok || s.State != SessionActive {
		return ErrNotFound
	}
	now := time.Now()
	s.Field = field
	s.Selection = &Selection{Field: field, Start: start, End: end}
	s.LastActivity = now
	m.dispatch(CursorMovedEvent{
		SessionID: s.ID, UserID: s.UserID, EntityID: s.EntityID,
		Field: field, Cursor: s.Cursor, Selection: s.Selection, At: now,
	})
	return nil
}

// EndSession 显式结束会话：发 editing_stopped 并移除。
func (m *Manager) EndSession(sessionID string) error {
	return m.closeSession(sessionID, StopReasonExplicit, time.Now())
}

func (m *Manager) closeSession(sessionID, reason string, now time.Time) error {
	if !m.settings.EnableRealtimeSync {
		return nil
	}
	es := m.lookup(sessionID)
	if es == nil {
		return ErrNotFound
	}
	es.mu.Lock()
	s, ok := es.sessions[sessionID]
	if !ok {
		es.mu.Unlock()
		return ErrNotFound
	}
	s.State = SessionClosed
	delete(es.sessions, sessionID)
	if es.byUser[s.UserID] == sessionID {
		delete(es.byUser, s.UserID)
	}
	m.dispatch(EditingStoppedEvent{
		SessionID: s.ID, UserID: s.UserID, EntityID: s.EntityID,
		Field: s.Field, Reason: reason, At: now,
	})
	es.mu.Unlock()

	m.mu.Lock()
	delete(m.byID, sessionID)
	m.mu.Unlock()
	return nil
}

// SweepIdle 回收 lastActivity 超过 presenceTimeout 的会话，处理方式与显式 EndSession
// 完全一致（这是崩溃/断线客户端没有 disconnect 信号时的兜底回收）。
// 在实体锁内重读 lastActivity 再判定，避免回收扫描期间刚活跃的会话。
func (m *Manager) SweepIdle(now time.Time) {
	if !m.settings.EnableRealtimeSync {
		return
	}
	m.mu.RLock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		es := m.lookup(id)
		if es == nil {
			continue
		}
		es.mu.Lock()
		s, ok := es.sessions[id]
		idle := ok && now.Sub(s.LastActivity) > m.settings.PresenceTimeout
		es.mu.Unlock()
		if idle {
			_ = m.closeSession(id, StopReasonIdle, now)
		}
	}
}

// Get 返回会话快照。
func (m *Manager) Get(sessionID string) (EditingSession, bool) {
	es := m.lookup(sessionID)
	if es == nil {
		return EditingSession{}, false
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	s, ok := es.sessions[sessionID]
	if !ok {
		return EditingSession{}, false
	}
	return *s, true
}

// Live 供操作日志校验：会话存在且处于 Active。
func (m *Manager) Live(sessionID string) bool {
	s, ok := m.Get(sessionID)
	return ok && s.State == SessionActive
}

// Touch 刷新会话活跃时间（操作入日志时调用）。
func (m *Manager) Touch(sessionID string) {
	es := m.lookup(sessionID)
	if es == nil {
		return
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if s, ok := es.sessions[sessionID]; ok {
		s.LastActivity = time.Now()
	}
}

// UsersOn 实现 SessionIndex：该实体上持有活跃会话的用户集合。
func (m *Manager) UsersOn(entityID string) []uint64 {
	m.mu.RLock()
	es := m.entities[entityID]
	m.mu.RUnlock()
	if es == nil {
		return nil
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	out := make([]uint64, 0, len(es.byUser))
	for uid := range es.byUser {
		out = append(out, uid)
	}
	return out
}

// SessionsOn 返回该实体上全部活跃会话的快照（presence 投影用）。
func (m *Manager) SessionsOn(entityID string) []EditingSession {
	m.mu.RLock()
	es := m.entities[entityID]
	m.mu.RUnlock()
	if es == nil {
		return nil
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	out := make([]EditingSession, 0, len(es.sessions))
	for _, s := range es.sessions {
		out = append(out, *s)
	}
	return out
}

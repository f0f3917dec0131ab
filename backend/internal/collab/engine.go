package collab

import (
	"context"
	"iter"
	"log"
	"sync"
	"time"
)

// EditSink：可选的持久化钩子。协作核心本身常驻内存，
// 注入后每条入日志的操作会异步落库；nil 时完全跳过。
type EditSink interface {
	SaveEdit(ctx context.Context, edit RealtimeEdit) error
}

// EventRelay：可选的跨进程事件转发（Kafka 分发器实现）。nil 时只做进程内广播。
type EventRelay interface {
	Enqueue(ctx context.Context, e Event) error
}

// PresenceIndicator：派生的“谁在哪里干什么”投影，UI 消费用，不落库，
// 每次从当前会话现算。可见性开关在这里生效。
type PresenceIndicator struct {
	UserID    uint64     `json:"userId"`
	Username  string     `json:"username,omitempty"`
	Color     string     `json:"color"`
	EntityID  string     `json:"entityId"`
	Field     string     `json:"field,omitempty"`
	Editing   bool       `json:"editing"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// 单个字段的内容状态。prev/last 记录最近一次已应用操作及其应用前的内容，
// 迟到的并发操作用它们做冲突解决。
type fieldState struct {
	mu      sync.Mutex
	buf     *FieldBuffer
	prev    string // last 应用前的内容
	last    *RealtimeEdit
	pending []RealtimeEdit // manual 策略下待仲裁的操作
}

// Engine 把注册表、会话管理、操作日志、冲突解析器和广播器装配成一个入口。
// realtime sync 关闭时整个子系统惰性：所有操作都是静默 no-op，不产生会话/操作/事件。
type Engine struct {
	settings    Settings
	registry    *Registry
	sessions    *Manager
	oplog       *OpLog
	broadcaster *Broadcaster
	sink        EditSink
	relay       EventRelay

	mu     sync.Mutex
	fields map[fieldKey]*fieldState
}

func NewEngine(settings Settings, sink EditSink, relay EventRelay) (*Engine, error) {
	settings.Normalize()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		settings:    settings,
		broadcaster: NewBroadcaster(),
		sink:        sink,
		relay:       relay,
		fields:      make(map[fieldKey]*fieldState),
	}
	e.registry = NewRegistry(settings, e.dispatch)
	e.sessions = NewManager(settings, e.registry, e.dispatch)
	e.oplog = NewOpLog(settings, e.sessions)
	return e, nil
}

func (e *Engine) Settings() Settings { return e.settings }

// dispatch：进程内广播 + 可选的跨进程转发。转发失败只记日志，不影响本地投递。
func (e *Engine) dispatch(ev Event) {
	e.broadcaster.Publish(ev)
	if e.relay != nil {
		if err := e.relay.Enqueue(context.Background(), ev); err != nil {
			log.Printf("event relay enqueue failed kind=%s entity=%s: %v", ev.EventKind(), ev.EventEntity(), err)
		}
	}
}

// ---- presence ----

func (e *Engine) Announce(u User)               { e.registry.Announce(u) }
func (e *Engine) Heartbeat(userID uint64) error { return e.registry.Heartbeat(userID) }
func (e *Engine) ListOnline(entityID string) []User {
	return e.registry.ListOnline(entityID, e.sessions)
}

// Indicators 按可见性开关现算 presence 投影。
func (e *Engine) Indicators(entityID string) []PresenceIndicator {
	if !e.settings.EnableRealtimeSync || !e.settings.ShowOtherUsers {
		return nil
	}
	sessions := e.sessions.SessionsOn(entityID)
	out := make([]PresenceIndicator, 0, len(sessions))
	for _, s := range sessions {
		ind := PresenceIndicator{
			UserID:   s.UserID,
			Color:    s.Color,
			EntityID: s.EntityID,
			Field:    s.Field,
			Editing:  e.settings.ShowEditing,
		}
		if e.settings.ShowUserNames {
			ind.Username = s.Username
		}
		if e.settings.ShowCursors {
			ind.Cursor = s.Cursor
			ind.Selection = s.Selection
		}
		out = append(out, ind)
	}
	return out
}

// ---- sessions ----

func (e *Engine) StartEditing(u User, entityID, entityName, field string) (EditingSession, error) {
	return e.sessions.StartSession(u, entityID, entityName, field)
}

func (e *Engine) StopEditing(sessionID string) error {
	return e.sessions.EndSession(sessionID)
}

func (e *Engine) MoveCursor(sessionID, field string, position int) error {
	return e.sessions.UpdateCursor(sessionID, field, position)
}

func (e *Engine) ChangeSelection(sessionID, field string, start, end int) error {
	return e.sessions.UpdateSelection(sessionID, field, start, end)
}

func (e *Engine) Session(sessionID string) (EditingSession, bool) {
	return e.sessions.Get(sessionID)
}

// Sweep 由宿主进程的定时器周期调用，回收超时用户与空闲会话。
func (e *Engine) Sweep(now time.Time) {
	e.sessions.SweepIdle(now)
	e.registry.Sweep(now)
}

// ---- edits ----

func (e *Engine) getOrCreateField(k fieldKey) *fieldState {
	e.mu.Lock()
	defer e.mu.Unlock()
	fs := e.fields[k]
	if fs == nil {
		fs = &fieldState{buf: NewFieldBuffer("")}
		e.fields[k] = fs
	}
	return fs
}

// SeedField 为字段缓冲区设置初始内容（从存储加载实体后调用）。
// 已有编辑历史的字段不覆盖。
func (e *Engine) SeedField(entityID, field, content string) {
	if !e.settings.EnableRealtimeSync {
		return
	}
	fs := e.getOrCreateField(fieldKey{entityID, field})
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.last == nil && fs.buf.Len() == 0 {
		fs.buf = NewFieldBuffer(content)
	}
}

// SubmitEdit：操作入日志、落缓冲、检测并解决冲突、广播 field_changed。
// 冲突判定：操作基于的序列号落后于最近已应用操作，且两者区间重叠、都不是纯追加。
func (e *Engine) SubmitEdit(ctx context.Context, edit RealtimeEdit) (RealtimeEdit, error) {
	if !e.settings.EnableRealtimeSync {
		return RealtimeEdit{}, nil
	}
	stored, err := e.oplog.Append(edit)
	if err != nil {
		return RealtimeEdit{}, err
	}

	fs := e.getOrCreateField(fieldKey{stored.EntityID, stored.Field})
	fs.mu.Lock()
	concurrent := fs.last != nil && stored.BaseSeq < fs.last.Seq
	if concurrent && Conflicts(fs.prev, *fs.last, stored) {
		e.resolveLocked(fs, stored)
	} else {
		fs.prev = fs.buf.String()
		_ = fs.buf.ApplyEdit(stored)
		applied := stored
		fs.last = &applied
		e.dispatchFieldChanged(FieldChangedEvent{
			EntityID: stored.EntityID, Field: stored.Field,
			Edit: &applied, Content: fs.buf.String(), At: stored.At,
		})
	}
	fs.mu.Unlock()

	if e.sink != nil {
		if err := e.sink.SaveEdit(ctx, stored); err != nil {
			log.Printf("save edit failed entity=%s field=%s seq=%d: %v",
				stored.EntityID, stored.Field, stored.Seq, err)
		}
	}
	return stored, nil
}

// resolveLocked：持有字段锁时做冲突解决并发事件。
func (e *Engine) resolveLocked(fs *fieldState, incoming RealtimeEdit) {
	prior := *fs.last
	res := Resolve(fs.prev, prior, incoming, e.settings.ConflictResolution)
	now := incoming.At

	if len(res.Pending) > 0 {
		// manual：内容回到冲突前状态，两个候选都排队等外部仲裁
		fs.pending = append(fs.pending, res.Pending...)
		fs.buf = NewFieldBuffer(fs.prev)
		fs.last = nil
		e.dispatchFieldChanged(FieldChangedEvent{
			EntityID: incoming.EntityID, Field: incoming.Field,
			Content: res.Content, Candidates: res.Pending, At: now,
		})
		return
	}

	fs.buf = NewFieldBuffer(res.Content)
	if n := len(res.Applied); n > 0 {
		// prev 必须推进到最后一个生效操作应用前的内容，
		// 否则下一个并发操作会基于陈旧内容做冲突解决
		base := fs.prev
		for _, op := range res.Applied[:n-1] {
			base = applyToString(base, op)
		}
		fs.prev = base
		last := res.Applied[n-1]
		fs.last = &last
		e.dispatchFieldChanged(FieldChangedEvent{
			EntityID: incoming.EntityID, Field: incoming.Field,
			Edit: &last, Content: res.Content, At: now,
		})
	}
	for _, id := range res.Superseded {
		loser := prior
		if incoming.ID == id {
			loser = incoming
		}
		e.dispatchFieldChanged(FieldChangedEvent{
			EntityID: incoming.EntityID, Field: incoming.Field,
			Superseded: true, TargetSessionID: loser.SessionID,
			Content: res.Content, At: now,
		})
	}
}

func (e *Engine) dispatchFieldChanged(ev FieldChangedEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.dispatch(ev)
}

// FieldContent 返回字段当前内容。
func (e *Engine) FieldContent(entityID, field string) string {
	e.mu.Lock()
	fs := e.fields[fieldKey{entityID, field}]
	e.mu.Unlock()
	if fs == nil {
		return ""
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.buf.String()
}

// PendingConflicts 返回 manual 策略下该字段待仲裁的操作快照。
func (e *Engine) PendingConflicts(entityID, field string) []RealtimeEdit {
	e.mu.Lock()
	fs := e.fields[fieldKey{entityID, field}]
	e.mu.Unlock()
	if fs == nil {
		return nil
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]RealtimeEdit, len(fs.pending))
	copy(out, fs.pending)
	return out
}

// CatchUp：断线重连后的补课流。
func (e *Engine) CatchUp(entityID, field string, since uint64) iter.Seq[RealtimeEdit] {
	return e.oplog.OpsSince(entityID, field, since)
}

func (e *Engine) LatestSeq(entityID, field string) uint64 {
	return e.oplog.LatestSeq(entityID, field)
}

// Subscribe 返回该实体的事件流订阅。
func (e *Engine) Subscribe(entityID string) *Subscription {
	return e.broadcaster.Subscribe(entityID)
}

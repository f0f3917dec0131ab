package collab

import (
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
)

type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
)

// RealtimeEdit：一次字段文本操作。发出后不可变，按 (entityID, field) 追加成日志。
// 顺序按时间戳，时间相同时按 Seq（入日志时分配，单调递增）。
type RealtimeEdit struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    uint64    `json:"userId"`
	EntityID  string    `json:"entityId"`
	Field     string    `json:"field"`
	Kind      OpKind    `json:"kind"`
	Position  int       `json:"position"`
	Length    int       `json:"length,omitempty"`  // delete/replace 作用的字符数
	Content   string    `json:"content,omitempty"` // insert/replace 的文本
	BaseSeq   uint64    `json:"baseSeq"`           // 客户端发出时已同步到的序列号
	Seq       uint64    `json:"seq"`               // append 时分配
	At        time.Time `json:"at"`
}

// IsAppend 判断该操作是否为纯追加（在当前内容末尾插入）。
// 纯追加永远不参与冲突解决。
func (e RealtimeEdit) IsAppend(contentLen int) bool {
	return e.Kind == OpInsert && e.Position >= contentLen
}

// rangeOf 返回操作作用的字符区间 [start, end)；insert 为零宽。
func (e RealtimeEdit) rangeOf() (start, end int) {
	switch e.Kind {
	case OpInsert:
		return e.Position, e.Position
	default:
		return e.Position, e.Position + e.Length
	}
}

// lengthDelta 是该操作造成的净长度变化（position 变换用）。
func (e RealtimeEdit) lengthDelta() int {
	switch e.Kind {
	case OpInsert:
		return len([]rune(e.Content))
	case OpDelete:
		return -e.Length
	case OpReplace:
		return len([]rune(e.Content)) - e.Length
	default:
		return 0
	}
}

// SessionChecker 校验操作引用的会话是否仍然存活，由 Manager 实现。
type SessionChecker interface {
	Live(sessionID string) bool
	Touch(sessionID string)
}

type fieldKey struct {
	entityID string
	field    string
}

// 单个字段的日志：序列号分配与追加在同一把锁内完成，
// 同一字段上并发 append 绝不会拿到相同的序列号。
type fieldLog struct {
	mu    sync.Mutex
	seq   uint64
	edits []RealtimeEdit
}

// OpLog：按 (entity, field) 组织的追加日志。只追加，任何会话都不能改写他人条目。
type OpLog struct {
	settings Settings
	sessions SessionChecker

	mu     sync.RWMutex
	fields map[fieldKey]*fieldLog
}

func NewOpLog(settings Settings, sessions SessionChecker) *OpLog {
	return &OpLog{
		settings: settings,
		sessions: sessions,
		fields:   make(map[fieldKey]*fieldLog),
	}
}

func (l *OpLog) getOrCreate(k fieldKey) *fieldLog {
	l.mu.RLock()
	fl := l.fields[k]
	l.mu.RUnlock()
	if fl != nil {
		return fl
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if fl = l.fields[k]; fl == nil {
		fl = &fieldLog{}
		l.fields[k] = fl
	}
	return fl
}

// Append 校验会话存活后给操作分配序列号并入日志，返回带序列号的存储副本。
// 死会话返回 ErrInvalidSession，负偏移返回 ErrInvalidRange。
// 零长度 delete 照常入日志（保留顺序与审计），内容层面由缓冲区按 no-op 处理。
func (l *OpLog) Append(edit RealtimeEdit) (RealtimeEdit, error) {
	if !l.settings.EnableRealtimeSync {
		return RealtimeEdit{}, nil
	}
	if edit.Position < 0 {
		return RealtimeEdit{}, ErrInvalidRange
	}
	if l.sessions == nil || !l.sessions.Live(edit.SessionID) {
		return RealtimeEdit{}, ErrInvalidSession
	}

	fl := l.getOrCreate(fieldKey{edit.EntityID, edit.Field})
	fl.mu.Lock()
	fl.seq++
	edit.Seq = fl.seq
	if edit.ID == "" {
		edit.ID = uuid.NewString()
	}
	if edit.At.IsZero() {
		edit.At = time.Now()
	}
	fl.edits = append(fl.edits, edit)
	fl.mu.Unlock()

	l.sessions.Touch(edit.SessionID)
	return edit, nil
}

// OpsSince 返回序列号大于 since 的操作流：惰性、有限、可重复 range。
// 迭代开始时取一次快照，不阻塞写方；重连补课（catch-up）用。
func (l *OpLog) OpsSince(entityID, field string, since uint64) iter.Seq[RealtimeEdit] {
	return func(yield func(RealtimeEdit) bool) {
		l.mu.RLock()
		fl := l.fields[fieldKey{entityID, field}]
		l.mu.RUnlock()
		if fl == nil {
			return
		}
		fl.mu.Lock()
		snapshot := make([]RealtimeEdit, 0, len(fl.edits))
		for _, e := range fl.edits {
			if e.Seq > since {
				snapshot = append(snapshot, e)
			}
		}
		fl.mu.Unlock()

		for _, e := range snapshot {
			if !yield(e) {
				return
			}
		}
	}
}

// LatestSeq 返回该字段当前最大序列号；没有日志时为 0。
func (l *OpLog) LatestSeq(entityID, field string) uint64 {
	l.mu.RLock()
	fl := l.fields[fieldKey{entityID, field}]
	l.mu.RUnlock()
	if fl == nil {
		return 0
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.seq
}

package collab

import "time"

const (
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventEditingStarted = "editing_started"
	EventEditingStopped = "editing_stopped"
	EventFieldChanged   = "field_changed"
	EventCursorMoved    = "cursor_moved"
)

// 会话结束原因
const (
	StopReasonExplicit   = "stopped"
	StopReasonSuperseded = "superseded"
	StopReasonIdle       = "idle"
)

// Event 是协作事件的封闭标签联合：每种事件一个具体结构体，
// 只携带该类事件需要的字段（不用 data:any 那种开放负载）。
// 每次状态变更恰好发出一条事件。
type Event interface {
	EventKind() string
	// 事件所属实体；为空表示全局事件（投递给所有订阅者）
	EventEntity() string
}

type UserJoinedEvent struct {
	UserID   uint64    `json:"userId"`
	Username string    `json:"username,omitempty"`
	Color    string    `json:"color,omitempty"`
	At       time.Time `json:"at"`
}

type UserLeftEvent struct {
	UserID   uint64    `json:"userId"`
	Username string    `json:"username,omitempty"`
	At       time.Time `json:"at"`
}

type EditingStartedEvent struct {
	SessionID string    `json:"sessionId"`
	UserID    uint64    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	Color     string    `json:"color,omitempty"`
	EntityID  string    `json:"entityId"`
	Field     string    `json:"field,omitempty"`
	At        time.Time `json:"at"`
}

type EditingStoppedEvent struct {
	SessionID string    `json:"sessionId"`
	UserID    uint64    `json:"userId"`
	EntityID  string    `json:"entityId"`
	Field     string    `json:"field,omitempty"`
	Reason    string    `json:"reason"` // stopped / superseded / idle
	At        time.Time `json:"at"`
}

// FieldChangedEvent 的三种形态：
//   - 正常应用：Edit 非空，Superseded=false
//   - last-writer-wins 淘汰：Superseded=true，TargetSessionID 指向输家会话，
//     Content 为胜出后的字段内容，便于客户端校正本地缓冲
//   - manual 仲裁：Candidates 携带全部候选操作，内容未变
type FieldChangedEvent struct {
	EntityID        string         `json:"entityId"`
	Field           string         `json:"field"`
	Edit            *RealtimeEdit  `json:"edit,omitempty"`
	Content         string         `json:"content,omitempty"`
	Superseded      bool           `json:"superseded,omitempty"`
	TargetSessionID string         `json:"targetSessionId,omitempty"`
	Candidates      []RealtimeEdit `json:"candidates,omitempty"`
	At              time.Time      `json:"at"`
}

type CursorMovedEvent struct {
	SessionID string     `json:"sessionId"`
	UserID    uint64     `json:"userId"`
	EntityID  string     `json:"entityId"`
	Field     string     `json:"field"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
	At        time.Time  `json:"at"`
}

func (e UserJoinedEvent) EventKind() string     { return EventUserJoined }
func (e UserLeftEvent) EventKind() string       { return EventUserLeft }
func (e EditingStartedEvent) EventKind() string { return EventEditingStarted }
func (e EditingStoppedEvent) EventKind() string { return EventEditingStopped }
func (e FieldChangedEvent) EventKind() string   { return EventFieldChanged }
func (e CursorMovedEvent) EventKind() string    { return EventCursorMoved }

func (e UserJoinedEvent) EventEntity() string     { return "" }
func (e UserLeftEvent) EventEntity() string       { return "" }
func (e EditingStartedEvent) EventEntity() string { return e.EntityID }
func (e EditingStoppedEvent) EventEntity() string { return e.EntityID }
func (e FieldChangedEvent) EventEntity() string   { return e.EntityID }
func (e CursorMovedEvent) EventEntity() string    { return e.EntityID }

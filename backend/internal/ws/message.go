package ws

import "anniversary-collab/backend/internal/collab"

type ClientMessage struct {
	Type       string `json:"type"`
	EntityID   string `json:"entityId,omitempty"`
	EntityName string `json:"entityName,omitempty"`
	Field      string `json:"field,omitempty"`
	Position   int    `json:"position,omitempty"`
	Start      int    `json:"start,omitempty"`
	End        int    `json:"end,omitempty"`
	Kind       string `json:"kind,omitempty"`   // insert / delete / replace
	Length     int    `json:"length,omitempty"` // delete/replace 的字符数
	Content    string `json:"content,omitempty"`
	BaseSeq    uint64 `json:"baseSeq,omitempty"`
	SinceSeq   uint64 `json:"sinceSeq,omitempty"`
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
	Color    string `json:"color,omitempty"`
}

type ServerMessage struct {
	Type       string                     `json:"type"`
	EntityID   string                     `json:"entityId,omitempty"`
	Field      string                     `json:"field,omitempty"`
	SessionID  string                     `json:"sessionId,omitempty"`
	Seq        uint64                     `json:"seq,omitempty"`
	Content    string                     `json:"content,omitempty"`
	Edit       *collab.RealtimeEdit       `json:"edit,omitempty"`
	Edits      []collab.RealtimeEdit      `json:"edits,omitempty"`
	Members    []PresenceMember           `json:"members,omitempty"`
	Indicators []collab.PresenceIndicator `json:"indicators,omitempty"`
}

// EventMessage：协作事件下发给客户端的信封
type EventMessage struct {
	Type  string       `json:"type"` // 固定 "event"
	Kind  string       `json:"kind"`
	Event collab.Event `json:"event"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string { return m.Type }
func (m EventMessage) MessageType() string  { return m.Type }

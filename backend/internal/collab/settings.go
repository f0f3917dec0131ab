package collab

import (
	"fmt"
	"time"
)

// 冲突解决策略
type ConflictPolicy string

const (
	PolicyManual         ConflictPolicy = "manual"
	PolicyAuto           ConflictPolicy = "auto"
	PolicyLastWriterWins ConflictPolicy = "last-writer-wins"
)

// 默认在线超时：超过该时长没有心跳/活动，用户视为离线、会话视为空闲
const DefaultPresenceTimeout = 60 * time.Second

// 协作子系统的进程级配置。构造时显式注入到各组件，不读任何全局状态。
type Settings struct {
	ShowOtherUsers     bool           `mapstructure:"showOtherUsers"`
	ShowCursors        bool           `mapstructure:"showCursors"`
	ShowEditing        bool           `mapstructure:"showEditing"`
	ShowUserNames      bool           `mapstructure:"showUserNames"`
	EnableRealtimeSync bool           `mapstructure:"enableRealtimeSync"`
	ConflictResolution ConflictPolicy `mapstructure:"conflictResolution"`
	PresenceTimeout    time.Duration  `mapstructure:"presenceTimeout"`
}

func DefaultSettings() Settings {
	return Settings{
		ShowOtherUsers:     true,
		ShowCursors:        true,
		ShowEditing:        true,
		ShowUserNames:      true,
		EnableRealtimeSync: true,
		ConflictResolution: PolicyLastWriterWins,
		PresenceTimeout:    DefaultPresenceTimeout,
	}
}

// Normalize 补齐未配置的字段（策略为空、超时为零值时取默认）
func (s *Settings) Normalize() {
	if s.ConflictResolution == "" {
		s.ConflictResolution = PolicyLastWriterWins
	}
	if s.PresenceTimeout == 0 {
		s.PresenceTimeout = DefaultPresenceTimeout
	}
}

func (s Settings) Validate() error {
	if s.PresenceTimeout <= 0 {
		return fmt.Errorf("presenceTimeout must be positive, got %v", s.PresenceTimeout)
	}
	switch s.ConflictResolution {
	case PolicyManual, PolicyAuto, PolicyLastWriterWins:
		return nil
	default:
		return fmt.Errorf("unknown conflictResolution: %q", s.ConflictResolution)
	}
}

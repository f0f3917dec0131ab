package collab

import "errors"

var (
	// 引用了不存在的会话/实体
	ErrNotFound = errors.New("NOT_FOUND")
	// 操作引用的会话已结束或从未存在
	ErrInvalidSession = errors.New("INVALID_SESSION")
	// 光标/选区出现负偏移：调用方 bug，直接拒绝而不是 clamp
	ErrInvalidRange = errors.New("INVALID_RANGE")
)

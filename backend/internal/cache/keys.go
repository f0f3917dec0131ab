package cache

import "fmt"

// 键语义：
// - entityKey(entityID):          实体房间候选成员集合（Set<userId>）
// - memberKey(entityID,userID):   成员心跳键（String，占位"1"，带 TTL）
// - namesKey(entityID):           房间内 userId→username 映射（Hash）
// - colorsKey(entityID):          房间内 userId→光标颜色 映射（Hash）
// - cursorKey(entityID,userID):   成员光标/选区 JSON（String，带 TTL）

const (
	keyEntityFmt = "presence:entity:%s"        // Set<userId>
	keyMemberFmt = "presence:member:%s:%d"     // String "1" with TTL
	keyNamesFmt  = "presence:entity:names:%s"  // Hash<userId -> username>
	keyColorsFmt = "presence:entity:colors:%s" // Hash<userId -> color>
	keyCursorFmt = "presence:cursor:%s:%d"     // String JSON with TTL
)

func entityKey(entityID string) string { return fmt.Sprintf(keyEntityFmt, entityID) }
func memberKey(entityID string, userID uint64) string {
	return fmt.Sprintf(keyMemberFmt, entityID, userID)
}
func namesKey(entityID string) string  { return fmt.Sprintf(keyNamesFmt, entityID) }
func colorsKey(entityID string) string { return fmt.Sprintf(keyColorsFmt, entityID) }
func cursorKey(entityID string, userID uint64) string {
	return fmt.Sprintf(keyCursorFmt, entityID, userID)
}

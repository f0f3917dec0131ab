package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// PresenceCache：跨实例的 presence 镜像。进程内的注册表是权威状态，
// 这里把在线成员/光标落到 Redis，多个服务实例共享同一份视图。
type PresenceCache interface {
	AddMember(ctx context.Context, entityID string, userID uint64, username, color string, ttl time.Duration) error
	GetEntities(ctx context.Context) ([]string, error)
	GetAliveMembers(ctx context.Context, entityID string) ([]PresenceMember, error)
	RemoveMember(ctx context.Context, entityID string, userID uint64) error
	SetCursor(ctx context.Context, entityID string, userID uint64, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, entityID string, userID uint64) ([]byte, error)
}

type PresenceMember struct {
	UserID   uint64
	Username string
	Color    string
}

type redisPresence struct {
	rdb *redis.Client
	// 同一实体的在线成员读很密集（每次心跳都查一轮），用 singleflight 合并并发读
	sf singleflight.Group
}

func NewRedisPresence(rdb *redis.Client) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, entityID string, userID uint64, username, color string, ttl time.Duration) error {
	pipe := p.rdb.Pipeline()
	// 房间集合 + 心跳键 + 名字表 + 颜色表
	pipe.SAdd(ctx, entityKey(entityID), userID)
	pipe.Set(ctx, memberKey(entityID, userID), "1", ttl)
	pipe.HSet(ctx, namesKey(entityID), userID, username)
	if color != "" {
		pipe.HSet(ctx, colorsKey(entityID), userID, color)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, entityID string, userID uint64) error {
	field := strconv.FormatUint(userID, 10)
	pipe := p.rdb.Pipeline()
	pipe.SRem(ctx, entityKey(entityID), userID)
	pipe.Del(ctx, memberKey(entityID, userID))
	pipe.HDel(ctx, namesKey(entityID), field)
	pipe.HDel(ctx, colorsKey(entityID), field)
	pipe.Del(ctx, cursorKey(entityID, userID))
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) GetEntities(ctx context.Context) ([]string, error) {
	var entities []string
	iter := p.rdb.Scan(ctx, 0, "presence:entity:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, "presence:entity:names:") || strings.HasPrefix(key, "presence:entity:colors:") {
			continue
		}
		entities = append(entities, strings.TrimPrefix(key, "presence:entity:"))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return entities, nil
}

// GetAliveMembers：心跳键未过期的成员及其名字/颜色。
// step1 取集合，step2 管道批查心跳键，step3 批查名字/颜色。
func (p *redisPresence) GetAliveMembers(ctx context.Context, entityID string) ([]PresenceMember, error) {
	v, err, _ := p.sf.Do("alive:"+entityID, func() (any, error) {
		return p.getAliveMembers(ctx, entityID)
	})
	if err != nil {
		return nil, err
	}
	members, _ := v.([]PresenceMember)
	return members, nil
}

func (p *redisPresence) getAliveMembers(ctx context.Context, entityID string) ([]PresenceMember, error) {
	userIDs, err := p.rdb.SMembers(ctx, entityKey(entityID)).Result()
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	existsCmds := make([]*redis.IntCmd, 0, len(userIDs))
	pipe := p.rdb.Pipeline()
	for _, raw := range userIDs {
		uid, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		existsCmds = append(existsCmds, pipe.Exists(ctx, memberKey(entityID, uid)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	// 心跳键还在的就是存活成员
	aliveIDs := make([]uint64, 0, len(userIDs))
	aliveFields := make([]string, 0, len(userIDs))
	for i, cmd := range existsCmds {
		if cmd.Val() == 1 {
			uid, err := strconv.ParseUint(userIDs[i], 10, 64)
			if err != nil {
				return nil, err
			}
			aliveIDs = append(aliveIDs, uid)
			aliveFields = append(aliveFields, userIDs[i])
		}
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(entityID), aliveFields...).Result()
	if err != nil {
		return nil, err
	}
	colors, err := p.rdb.HMGet(ctx, colorsKey(entityID), aliveFields...).Result()
	if err != nil {
		return nil, err
	}

	members := make([]PresenceMember, 0, len(aliveIDs))
	for i := range aliveIDs {
		m := PresenceMember{UserID: aliveIDs[i]}
		if v, ok := names[i].(string); ok {
			m.Username = v
		}
		if v, ok := colors[i].(string); ok {
			m.Color = v
		}
		members = append(members, m)
	}
	return members, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, entityID string, userID uint64, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(entityID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, entityID string, userID uint64) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(entityID, userID)).Bytes()
}

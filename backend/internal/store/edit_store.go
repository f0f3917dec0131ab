package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"anniversary-collab/backend/internal/collab"
)

// EditStore：操作日志与字段快照的持久化，实现 collab.EditSink。
// 核心本身常驻内存，这里只做旁路落库，失败由调用方记日志后继续。
type EditStore struct{ db *sql.DB }

func NewEditStore(db *sql.DB) *EditStore {
	return &EditStore{db: db}
}

func (s *EditStore) SaveEdit(ctx context.Context, e collab.RealtimeEdit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO realtime_edits
		(id, session_id, user_id, entity_id, field, kind, position, length, content, seq, emitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.UserID, e.EntityID, e.Field,
		string(e.Kind), e.Position, e.Length, e.Content, e.Seq, e.At,
	)
	if err != nil {
		// 1062: 重复主键，重放同一条操作时视为已保存
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// SaveFieldSnapshot 保存字段内容快照（追平日志后调用，重复快照幂等）。
func (s *EditStore) SaveFieldSnapshot(ctx context.Context, entityID, field string, seq uint64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO field_snapshots (entity_id, field, seq, content)
		VALUES (?, ?, ?, ?)`,
		entityID, field, seq, content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

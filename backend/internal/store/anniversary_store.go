package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Anniversary：被协作编辑的实体本体。
// 协作核心只认 entityID 和字段名，这里是字段的落地形态。
type Anniversary struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	OwnerID   uint64    `gorm:"index" json:"ownerId"`
	Title     string    `gorm:"size:255" json:"title"`
	Person    string    `gorm:"size:255" json:"person"`
	Date      time.Time `json:"date"`
	Note      string    `gorm:"type:text" json:"note"`
	ImageURL  string    `gorm:"size:512" json:"imageUrl"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Anniversary) TableName() string { return "anniversaries" }

type AnniversaryStore struct{ db *gorm.DB }

func NewAnniversaryStore(db *gorm.DB) *AnniversaryStore {
	return &AnniversaryStore{db: db}
}

func (s *AnniversaryStore) Migrate() error {
	return s.db.AutoMigrate(&Anniversary{})
}

func (s *AnniversaryStore) Create(ctx context.Context, a *Anniversary) error {
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *AnniversaryStore) Get(ctx context.Context, id uint64) (Anniversary, error) {
	var a Anniversary
	err := s.db.WithContext(ctx).First(&a, id).Error
	return a, err
}

func (s *AnniversaryStore) ListByOwner(ctx context.Context, ownerID uint64) ([]Anniversary, error) {
	var out []Anniversary
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("date").Find(&out).Error
	return out, err
}

func (s *AnniversaryStore) Update(ctx context.Context, a *Anniversary) error {
	return s.db.WithContext(ctx).Save(a).Error
}

// UpdateField 更新单个字段（协作编辑落定后的回写路径）。
func (s *AnniversaryStore) UpdateField(ctx context.Context, id uint64, field, value string) error {
	return s.db.WithContext(ctx).Model(&Anniversary{}).Where("id = ?", id).Update(field, value).Error
}

func (s *AnniversaryStore) Delete(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Delete(&Anniversary{}, id).Error
}

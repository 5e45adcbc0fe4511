package memory

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// sqliteBackend persists records in a single local SQLite file, the default
// durable store when no PostgreSQL is configured.
type sqliteBackend struct {
	db *gorm.DB
}

type recordRow struct {
	ID           string `gorm:"primaryKey"`
	Subject      string `gorm:"index"`
	Content      string
	Category     string
	Confidence   float64
	Embedding    []byte
	SourceTurnID string
	CreatedAt    time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`
}

func (recordRow) TableName() string { return "memory_records" }

func newSQLiteBackend(path string) (*sqliteBackend, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&recordRow{}); err != nil {
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) LoadAll(ctx context.Context) ([]Record, error) {
	var rows []recordRow
	if err := b.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load memory records: %w", err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		vec, err := decodeVector(row.Embedding)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", row.ID, err)
		}
		records = append(records, Record{
			ID:           row.ID,
			Subject:      row.Subject,
			Content:      row.Content,
			Category:     ParseCategory(row.Category),
			Confidence:   row.Confidence,
			Embedding:    vec,
			SourceTurnID: row.SourceTurnID,
			CreatedAt:    row.CreatedAt,
			UpdatedAt:    row.UpdatedAt,
		})
	}
	return records, nil
}

func (b *sqliteBackend) Save(ctx context.Context, r Record) error {
	row := recordRow{
		ID:           r.ID,
		Subject:      r.Subject,
		Content:      r.Content,
		Category:     string(r.Category),
		Confidence:   r.Confidence,
		Embedding:    encodeVector(r.Embedding),
		SourceTurnID: r.SourceTurnID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	err := b.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save record %s: %w", r.ID, err)
	}
	return nil
}

func (b *sqliteBackend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.db.WithContext(ctx).Delete(&recordRow{}, "id IN ?", ids).Error; err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/roamcart/roamcart/internal/event/domain"
	pkgdb "github.com/roamcart/roamcart/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.InboundEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO inbound_events (
			id, provider, event_type, dedup_key, payload, processed,
			processing_error, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, dedup_key) DO NOTHING`,
		event.ID,
		event.Provider,
		event.EventType,
		event.DedupKey,
		event.Payload,
		event.Processed,
		event.ProcessingError,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		// Some drivers surface the conflict as an error instead of a
		// zero-row no-op; both mean the same duplicate delivery.
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, dedupKey string) (*domain.InboundEvent, error) {
	var item domain.InboundEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, event_type, dedup_key, payload, processed,
			processing_error, received_at, processed_at
		 FROM inbound_events
		 WHERE provider = ? AND dedup_key = ?
		 LIMIT 1`,
		provider,
		dedupKey,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processingError string, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE inbound_events
		 SET processed = TRUE, processing_error = ?, processed_at = ?
		 WHERE id = ?`,
		processingError,
		processedAt,
		id,
	).Error
}

func (r *repo) AppendLog(ctx context.Context, db *gorm.DB, entry *domain.ProcessingLogEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO processing_logs (
			id, event_id, provider, event_type, order_id, success, error,
			duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.EventID,
		entry.Provider,
		entry.EventType,
		entry.OrderID,
		entry.Success,
		entry.Error,
		entry.DurationMS,
		entry.CreatedAt,
	).Error
}

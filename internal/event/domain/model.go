package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ProviderEsim     = "esim"
	ProviderAppStore = "appstore"
)

var (
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
)

// InboundEvent is one durably logged delivery attempt. The payload is
// immutable once written; dedup_key is unique per provider so repeat
// deliveries collapse into the original row.
type InboundEvent struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	DedupKey        string         `json:"dedup_key" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Processed       bool           `json:"processed" gorm:"not null;default:false"`
	ProcessingError string         `json:"processing_error" gorm:"type:text"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (InboundEvent) TableName() string { return "inbound_events" }

// ProcessingLogEntry records one processing attempt. Append-only.
type ProcessingLogEntry struct {
	ID         snowflake.ID  `json:"id" gorm:"primaryKey"`
	EventID    snowflake.ID  `json:"event_id" gorm:"not null;index"`
	Provider   string        `json:"provider" gorm:"type:text;not null"`
	EventType  string        `json:"event_type" gorm:"type:text;not null"`
	OrderID    *snowflake.ID `json:"order_id"`
	Success    bool          `json:"success" gorm:"not null"`
	Error      string        `json:"error" gorm:"type:text"`
	DurationMS int64         `json:"duration_ms" gorm:"not null;default:0"`
	CreatedAt  time.Time     `json:"created_at" gorm:"not null"`
}

func (ProcessingLogEntry) TableName() string { return "processing_logs" }

type Repository interface {
	// InsertEvent inserts the event, returning false when another row
	// already holds the same (provider, dedup_key). The uniqueness
	// constraint is the serialization point for concurrent identical
	// deliveries; no application lock is taken.
	InsertEvent(ctx context.Context, db *gorm.DB, event *InboundEvent) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, dedupKey string) (*InboundEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processingError string, processedAt time.Time) error
	AppendLog(ctx context.Context, db *gorm.DB, entry *ProcessingLogEntry) error
}

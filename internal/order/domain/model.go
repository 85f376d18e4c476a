package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type OrderStatus string

const (
	// OrderStatusPending is set at checkout-session creation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProvisioned means the provider has allocated a resource
	// for the order but the activation detail has not been stored yet.
	OrderStatusProvisioned OrderStatus = "provisioned"
	OrderStatusCompleted   OrderStatus = "completed"
	OrderStatusActive      OrderStatus = "active"
	OrderStatusDepleted    OrderStatus = "depleted"
	OrderStatusExpired     OrderStatus = "expired"
	OrderStatusCancelled   OrderStatus = "cancelled"
	OrderStatusRevoked     OrderStatus = "revoked"
	OrderStatusRefunded    OrderStatus = "refunded"
)

var (
	ErrNotFound      = errors.New("order_not_found")
	ErrInvalidStatus = errors.New("invalid_order_status")
)

// Order is the purchased-connectivity record whose lifecycle the webhook
// handlers drive. Orders are never deleted; terminal states are soft.
type Order struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID          snowflake.ID `json:"user_id" gorm:"not null;index"`
	Status          OrderStatus  `json:"status" gorm:"type:text;not null"`
	// The column tag pins "iccid": gorm's naming strategy would split the
	// trailing ID initialism into icc_id.
	ICCID           string       `json:"iccid" gorm:"column:iccid;type:text;index"`
	ProviderOrderNo string       `json:"provider_order_no" gorm:"type:text;index"`
	TransactionID   string       `json:"transaction_id" gorm:"type:text;index"`
	SMDPAddress     string       `json:"smdp_address" gorm:"type:text"`
	ActivationCode  string       `json:"activation_code" gorm:"type:text"`
	UsedBytes       int64        `json:"used_bytes" gorm:"not null;default:0"`
	RemainingBytes  int64        `json:"remaining_bytes" gorm:"not null;default:0"`
	TotalBytes      int64        `json:"total_bytes" gorm:"not null;default:0"`
	ValidityDays    int          `json:"validity_days" gorm:"not null;default:0"`
	ActivatedAt     *time.Time   `json:"activated_at"`
	ExpiresAt       *time.Time   `json:"expires_at"`
	Amount          int64        `json:"amount" gorm:"not null;default:0"`
	Currency        string       `json:"currency" gorm:"type:text;not null;default:'USD'"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

// Lookup resolves an order by a single correlation key, returning nil
// when no order matches.
type Lookup func(ctx context.Context) (*Order, error)

// Resolve tries lookups in order, most specific first, and returns the
// first match. A nil result with nil error means no key matched.
func Resolve(ctx context.Context, lookups ...Lookup) (*Order, error) {
	for _, lookup := range lookups {
		if lookup == nil {
			continue
		}
		order, err := lookup(ctx)
		if err != nil {
			return nil, err
		}
		if order != nil {
			return order, nil
		}
	}
	return nil, nil
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindByICCID(ctx context.Context, db *gorm.DB, iccid string) (*Order, error)
	FindByProviderOrderNo(ctx context.Context, db *gorm.DB, orderNo string) (*Order, error)
	FindByTransactionID(ctx context.Context, db *gorm.DB, transactionID string) (*Order, error)

	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status OrderStatus, now time.Time) error
	SetActivationDetail(ctx context.Context, db *gorm.DB, id snowflake.ID, smdpAddress, activationCode string, status OrderStatus, now time.Time) error
	SetActivationWindow(ctx context.Context, db *gorm.DB, id snowflake.ID, activatedAt, expiresAt time.Time, status OrderStatus, now time.Time) error
	SetUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, used, remaining, total int64, now time.Time) error
	SetExpiresAt(ctx context.Context, db *gorm.DB, id snowflake.ID, expiresAt time.Time, now time.Time) error
	BackfillICCID(ctx context.Context, db *gorm.DB, id snowflake.ID, iccid string, now time.Time) error
}

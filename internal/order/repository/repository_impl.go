package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/roamcart/roamcart/internal/order/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const orderColumns = `id, user_id, status, iccid, provider_order_no, transaction_id,
	smdp_address, activation_code, used_bytes, remaining_bytes, total_bytes,
	validity_days, activated_at, expires_at, amount, currency, created_at, updated_at`

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	if id == 0 {
		return nil, nil
	}
	return r.findOne(ctx, db, `WHERE id = ?`, id)
}

func (r *repo) FindByICCID(ctx context.Context, db *gorm.DB, iccid string) (*domain.Order, error) {
	iccid = strings.TrimSpace(iccid)
	if iccid == "" {
		return nil, nil
	}
	// ICCID reuse across orders is not guaranteed impossible by the
	// provider; the most recent order wins.
	return r.findOne(ctx, db, `WHERE iccid = ? ORDER BY created_at DESC`, iccid)
}

func (r *repo) FindByProviderOrderNo(ctx context.Context, db *gorm.DB, orderNo string) (*domain.Order, error) {
	orderNo = strings.TrimSpace(orderNo)
	if orderNo == "" {
		return nil, nil
	}
	return r.findOne(ctx, db, `WHERE provider_order_no = ? ORDER BY created_at DESC`, orderNo)
}

func (r *repo) FindByTransactionID(ctx context.Context, db *gorm.DB, transactionID string) (*domain.Order, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, nil
	}
	return r.findOne(ctx, db, `WHERE transaction_id = ?`, transactionID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, args ...any) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders `+where+` LIMIT 1`,
		args...,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.OrderStatus, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		now,
		id,
	).Error
}

func (r *repo) SetActivationDetail(ctx context.Context, db *gorm.DB, id snowflake.ID, smdpAddress, activationCode string, status domain.OrderStatus, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET smdp_address = ?, activation_code = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		smdpAddress,
		activationCode,
		status,
		now,
		id,
	).Error
}

func (r *repo) SetActivationWindow(ctx context.Context, db *gorm.DB, id snowflake.ID, activatedAt, expiresAt time.Time, status domain.OrderStatus, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET activated_at = ?, expires_at = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		activatedAt,
		expiresAt,
		status,
		now,
		id,
	).Error
}

func (r *repo) SetUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, used, remaining, total int64, now time.Time) error {
	// Counters are overwritten with provider-supplied totals, never
	// accumulated as deltas.
	return db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET used_bytes = ?, remaining_bytes = ?, total_bytes = ?, updated_at = ?
		 WHERE id = ?`,
		used,
		remaining,
		total,
		now,
		id,
	).Error
}

func (r *repo) SetExpiresAt(ctx context.Context, db *gorm.DB, id snowflake.ID, expiresAt time.Time, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET expires_at = ?, updated_at = ?
		 WHERE id = ?`,
		expiresAt,
		now,
		id,
	).Error
}

func (r *repo) BackfillICCID(ctx context.Context, db *gorm.DB, id snowflake.ID, iccid string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET iccid = ?, updated_at = ?
		 WHERE id = ?`,
		iccid,
		now,
		id,
	).Error
}

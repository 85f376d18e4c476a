package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/roamcart/roamcart/internal/order/domain"
	"github.com/roamcart/roamcart/internal/order/repository"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_orderrepo_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	err = db.Exec(`CREATE TABLE orders (
		id BIGINT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		status TEXT NOT NULL,
		iccid TEXT NOT NULL DEFAULT '',
		provider_order_no TEXT NOT NULL DEFAULT '',
		transaction_id TEXT NOT NULL DEFAULT '',
		smdp_address TEXT NOT NULL DEFAULT '',
		activation_code TEXT NOT NULL DEFAULT '',
		used_bytes BIGINT NOT NULL DEFAULT 0,
		remaining_bytes BIGINT NOT NULL DEFAULT 0,
		total_bytes BIGINT NOT NULL DEFAULT 0,
		validity_days INTEGER NOT NULL DEFAULT 0,
		activated_at TIMESTAMP,
		expires_at TIMESTAMP,
		amount BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'USD',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`).Error
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func seedOrder(t *testing.T, db *gorm.DB, id snowflake.ID, iccid, orderNo string, createdAt time.Time) {
	t.Helper()

	err := db.Exec(
		`INSERT INTO orders (
			id, user_id, status, iccid, provider_order_no, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, 1, domain.OrderStatusPending, iccid, orderNo, createdAt, createdAt,
	).Error
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

// A looked-up order must carry the iccid the row holds; the column is
// named iccid, not the icc_id gorm would derive from the field name.
func TestFindByIDScansICCIDColumn(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := repository.Provide()

	const iccid = "8910000000000000099"
	seedOrder(t, db, 7001, iccid, "prov-7001", time.Now().UTC())

	order, err := repo.FindByID(ctx, db, 7001)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if order == nil {
		t.Fatalf("order not found")
	}
	if order.ICCID != iccid {
		t.Fatalf("iccid = %q, want %q", order.ICCID, iccid)
	}
	if order.ProviderOrderNo != "prov-7001" {
		t.Fatalf("provider_order_no = %q, want prov-7001", order.ProviderOrderNo)
	}
}

func TestFindByICCIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := repository.Provide()

	const iccid = "8910000000000000100"
	seedOrder(t, db, 7002, iccid, "prov-7002", time.Now().UTC())

	order, err := repo.FindByICCID(ctx, db, iccid)
	if err != nil {
		t.Fatalf("find by iccid: %v", err)
	}
	if order == nil || order.ID != 7002 {
		t.Fatalf("order = %+v, want id 7002", order)
	}
	if order.ICCID != iccid {
		t.Fatalf("iccid = %q, want %q", order.ICCID, iccid)
	}
}

func TestBackfillICCIDVisibleOnRead(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := repository.Provide()

	seedOrder(t, db, 7003, "", "prov-7003", time.Now().UTC())

	const iccid = "8910000000000000101"
	if err := repo.BackfillICCID(ctx, db, 7003, iccid, time.Now().UTC()); err != nil {
		t.Fatalf("backfill iccid: %v", err)
	}

	order, err := repo.FindByID(ctx, db, 7003)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if order == nil || order.ICCID != iccid {
		t.Fatalf("order = %+v, want iccid %q", order, iccid)
	}
}

func TestFindByICCIDPrefersMostRecentOrder(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := repository.Provide()

	const iccid = "8910000000000000102"
	now := time.Now().UTC()
	seedOrder(t, db, 7004, iccid, "prov-old", now.Add(-time.Hour))
	seedOrder(t, db, 7005, iccid, "prov-new", now)

	order, err := repo.FindByICCID(ctx, db, iccid)
	if err != nil {
		t.Fatalf("find by iccid: %v", err)
	}
	if order == nil || order.ID != 7005 {
		t.Fatalf("order = %+v, want most recent id 7005", order)
	}
}

package service_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	appstoredomain "github.com/roamcart/roamcart/internal/appstore/domain"
	"github.com/roamcart/roamcart/internal/appstore/jws"
	appstoreservice "github.com/roamcart/roamcart/internal/appstore/service"
	eventrepo "github.com/roamcart/roamcart/internal/event/repository"
	"github.com/roamcart/roamcart/internal/notify"
	"github.com/roamcart/roamcart/internal/notify/email"
	"github.com/roamcart/roamcart/internal/notify/push"
	orderdomain "github.com/roamcart/roamcart/internal/order/domain"
	orderrepo "github.com/roamcart/roamcart/internal/order/repository"
	"github.com/roamcart/roamcart/internal/referral"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type signer struct {
	rootCert *x509.Certificate
	rootDER  []byte
	leafKey  *ecdsa.PrivateKey
	leafDER  []byte
}

func newSigner(t *testing.T) *signer {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate root key: %v", err)
	}
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("create root cert: %v", err)
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatalf("parse root cert: %v", err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Signing Cert"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, &leafKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("create leaf cert: %v", err)
	}

	return &signer{
		rootCert: rootCert,
		rootDER:  rootDER,
		leafKey:  leafKey,
		leafDER:  leafDER,
	}
}

func (s *signer) pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.rootCert)
	return pool
}

func (s *signer) sign(t *testing.T, claims any) string {
	t.Helper()

	headerJSON, err := json.Marshal(map[string]any{
		"alg": "ES256",
		"x5c": []string{
			base64.StdEncoding.EncodeToString(s.leafDER),
			base64.StdEncoding.EncodeToString(s.rootDER),
		},
	})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	digest := sha256.Sum256([]byte(signingInput))
	r, sig, err := ecdsa.Sign(rand.Reader, s.leafKey, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	raw := make([]byte, 64)
	r.FillBytes(raw[:32])
	sig.FillBytes(raw[32:])

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(raw)
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_appstore_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE users (
			id BIGINT PRIMARY KEY,
			email TEXT NOT NULL
		)`,
		`CREATE TABLE orders (
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
		)`,
		`CREATE TABLE inbound_events (
			id BIGINT PRIMARY KEY,
			provider TEXT NOT NULL,
			event_type TEXT NOT NULL,
			dedup_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			processing_error TEXT NOT NULL DEFAULT '',
			received_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX ux_inbound_events_provider_dedup_key ON inbound_events(provider, dedup_key)`,
		`CREATE TABLE processing_logs (
			id BIGINT PRIMARY KEY,
			event_id BIGINT NOT NULL,
			provider TEXT NOT NULL,
			event_type TEXT NOT NULL,
			order_id BIGINT,
			success BOOLEAN NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE referral_commissions (
			id BIGINT PRIMARY KEY,
			order_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			voided_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE referral_rewards (
			id BIGINT PRIMARY KEY,
			order_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			voided_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, verifier *jws.Verifier) *appstoreservice.Service {
	t.Helper()

	node, err := snowflake.NewNode(21)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	dispatcher := notify.NewDispatcher(notify.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Email: &email.NoOpProvider{},
		Push:  &push.NoOpProvider{},
	})

	return appstoreservice.NewService(appstoreservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Verifier:  verifier,
		OrderRepo: orderrepo.Provide(),
		EventRepo: eventrepo.Provide(),
		ReferralSvc: referral.NewService(referral.Params{
			DB:  db,
			Log: zap.NewNop(),
		}),
		Notify: dispatcher,
	})
}

func seedOrder(t *testing.T, db *gorm.DB, id snowflake.ID, transactionID string, status orderdomain.OrderStatus) {
	t.Helper()

	now := time.Now().UTC()
	err := db.Exec(
		`INSERT INTO orders (
			id, user_id, status, transaction_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		id, 1, status, transactionID, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

func notificationBody(t *testing.T, s *signer, notificationType, uuid, transactionID string) []byte {
	t.Helper()

	signedTx := s.sign(t, appstoredomain.TransactionInfo{
		TransactionID:         transactionID,
		OriginalTransactionID: transactionID,
		ProductID:             "esim.10gb.30d",
	})
	payload := s.sign(t, appstoredomain.NotificationPayload{
		NotificationType: notificationType,
		NotificationUUID: uuid,
		Data: appstoredomain.NotificationData{
			SignedTransactionInfo: signedTx,
		},
	})

	body, err := json.Marshal(map[string]string{"signedPayload": payload})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func orderStatus(t *testing.T, db *gorm.DB, id snowflake.ID) orderdomain.OrderStatus {
	t.Helper()

	var status string
	if err := db.Raw(`SELECT status FROM orders WHERE id = ?`, id).Scan(&status).Error; err != nil {
		t.Fatalf("query order: %v", err)
	}
	return orderdomain.OrderStatus(status)
}

func TestRefundClawsBackOrderAndPayouts(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := newSigner(t)
	svc := newTestService(t, db, jws.NewVerifier(s.pool()))

	orderID := snowflake.ID(2001)
	seedOrder(t, db, orderID, "tx-refund-1", orderdomain.OrderStatusCompleted)

	now := time.Now().UTC()
	if err := db.Exec(
		`INSERT INTO referral_commissions (id, order_id, status, created_at, updated_at) VALUES (1, ?, 'pending', ?, ?)`,
		orderID, now, now,
	).Error; err != nil {
		t.Fatalf("seed commission: %v", err)
	}
	if err := db.Exec(
		`INSERT INTO referral_rewards (id, order_id, status, created_at, updated_at) VALUES (1, ?, 'granted', ?, ?)`,
		orderID, now, now,
	).Error; err != nil {
		t.Fatalf("seed reward: %v", err)
	}

	res, err := svc.Ingest(ctx, notificationBody(t, s, "REFUND", "uuid-refund-1", "tx-refund-1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Duplicate {
		t.Fatalf("unexpected duplicate")
	}

	if got := orderStatus(t, db, orderID); got != orderdomain.OrderStatusRefunded {
		t.Fatalf("status = %q, want refunded", got)
	}

	var commissionStatus, rewardStatus string
	if err := db.Raw(`SELECT status FROM referral_commissions WHERE order_id = ?`, orderID).Scan(&commissionStatus).Error; err != nil {
		t.Fatalf("query commission: %v", err)
	}
	if err := db.Raw(`SELECT status FROM referral_rewards WHERE order_id = ?`, orderID).Scan(&rewardStatus).Error; err != nil {
		t.Fatalf("query reward: %v", err)
	}
	if commissionStatus != "void" || rewardStatus != "void" {
		t.Fatalf("payout statuses = %q / %q, want void", commissionStatus, rewardStatus)
	}
}

func TestRevokeSetsRevokedStatus(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := newSigner(t)
	svc := newTestService(t, db, jws.NewVerifier(s.pool()))

	orderID := snowflake.ID(2002)
	seedOrder(t, db, orderID, "tx-revoke-1", orderdomain.OrderStatusActive)

	if _, err := svc.Ingest(ctx, notificationBody(t, s, "REVOKE", "uuid-revoke-1", "tx-revoke-1")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got := orderStatus(t, db, orderID); got != orderdomain.OrderStatusRevoked {
		t.Fatalf("status = %q, want revoked", got)
	}
}

func TestDuplicateNotificationShortCircuits(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := newSigner(t)
	svc := newTestService(t, db, jws.NewVerifier(s.pool()))

	orderID := snowflake.ID(2003)
	seedOrder(t, db, orderID, "tx-dup-1", orderdomain.OrderStatusCompleted)

	body := notificationBody(t, s, "EXPIRED", "uuid-dup-1", "tx-dup-1")
	first, err := svc.Ingest(ctx, body)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("first delivery reported duplicate")
	}

	second, err := svc.Ingest(ctx, body)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("second delivery not reported duplicate")
	}

	var logCount int64
	if err := db.Raw(`SELECT COUNT(*) FROM processing_logs`).Scan(&logCount).Error; err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if logCount != 1 {
		t.Fatalf("processing log count = %d, want 1", logCount)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	trusted := newSigner(t)
	rogue := newSigner(t)
	svc := newTestService(t, db, jws.NewVerifier(trusted.pool()))

	body := notificationBody(t, rogue, "REFUND", "uuid-rogue-1", "tx-rogue-1")
	if _, err := svc.Ingest(ctx, body); !errors.Is(err, appstoredomain.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(*) FROM inbound_events`).Scan(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected delivery persisted an event")
	}
}

func TestMissingPayloadRejected(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := newSigner(t)
	svc := newTestService(t, db, jws.NewVerifier(s.pool()))

	for _, body := range [][]byte{
		[]byte(`{}`),
		[]byte(`{"signedPayload": ""}`),
		[]byte(`not json`),
	} {
		if _, err := svc.Ingest(ctx, body); !errors.Is(err, appstoredomain.ErrMissingPayload) {
			t.Fatalf("Ingest(%q) err = %v, want ErrMissingPayload", body, err)
		}
	}
}

func TestUnmatchedTransactionIsBenign(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := newSigner(t)
	svc := newTestService(t, db, jws.NewVerifier(s.pool()))

	res, err := svc.Ingest(ctx, notificationBody(t, s, "REFUND", "uuid-nomatch-1", "tx-missing"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Duplicate {
		t.Fatalf("unexpected duplicate")
	}

	var processed bool
	if err := db.Raw(`SELECT processed FROM inbound_events WHERE dedup_key = ?`, "uuid-nomatch-1").Scan(&processed).Error; err != nil {
		t.Fatalf("query event: %v", err)
	}
	if !processed {
		t.Fatalf("event not marked processed")
	}
}

func TestRenewalFamilyIsNoOp(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := newSigner(t)
	svc := newTestService(t, db, jws.NewVerifier(s.pool()))

	orderID := snowflake.ID(2004)
	seedOrder(t, db, orderID, "tx-renew-1", orderdomain.OrderStatusActive)

	for i, notificationType := range []string{"DID_RENEW", "SUBSCRIBED", "DID_CHANGE_RENEWAL_STATUS", "DID_FAIL_TO_RENEW"} {
		uuid := fmt.Sprintf("uuid-renew-%d", i)
		if _, err := svc.Ingest(ctx, notificationBody(t, s, notificationType, uuid, "tx-renew-1")); err != nil {
			t.Fatalf("ingest %s: %v", notificationType, err)
		}
	}

	if got := orderStatus(t, db, orderID); got != orderdomain.OrderStatusActive {
		t.Fatalf("status = %q, want unchanged", got)
	}
}

func TestRefundVoidsRewardWhenCommissionVoidFails(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := newSigner(t)
	svc := newTestService(t, db, jws.NewVerifier(s.pool()))

	orderID := snowflake.ID(2005)
	seedOrder(t, db, orderID, "tx-partial-1", orderdomain.OrderStatusCompleted)

	now := time.Now().UTC()
	if err := db.Exec(
		`INSERT INTO referral_rewards (id, order_id, status, created_at, updated_at) VALUES (2, ?, 'granted', ?, ?)`,
		orderID, now, now,
	).Error; err != nil {
		t.Fatalf("seed reward: %v", err)
	}

	// Make the commission void fail mid-claw-back; the reward void must
	// still be attempted.
	if err := db.Exec(`DROP TABLE referral_commissions`).Error; err != nil {
		t.Fatalf("drop commissions: %v", err)
	}

	res, err := svc.Ingest(ctx, notificationBody(t, s, "REFUND", "uuid-partial-1", "tx-partial-1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Duplicate {
		t.Fatalf("unexpected duplicate")
	}

	if got := orderStatus(t, db, orderID); got != orderdomain.OrderStatusRefunded {
		t.Fatalf("status = %q, want refunded", got)
	}

	var rewardStatus string
	if err := db.Raw(`SELECT status FROM referral_rewards WHERE order_id = ?`, orderID).Scan(&rewardStatus).Error; err != nil {
		t.Fatalf("query reward: %v", err)
	}
	if rewardStatus != "void" {
		t.Fatalf("reward status = %q, want void", rewardStatus)
	}

	var success bool
	var logErr string
	row := db.Raw(`SELECT success, error FROM processing_logs LIMIT 1`).Row()
	if err := row.Scan(&success, &logErr); err != nil {
		t.Fatalf("query processing log: %v", err)
	}
	if success {
		t.Fatalf("processing log reports success for a failed claw-back")
	}
	if logErr == "" {
		t.Fatalf("processing log carries no error")
	}

	var processed bool
	if err := db.Raw(`SELECT processed FROM inbound_events WHERE dedup_key = ?`, "uuid-partial-1").Scan(&processed).Error; err != nil {
		t.Fatalf("query event: %v", err)
	}
	if !processed {
		t.Fatalf("event not marked processed")
	}
}

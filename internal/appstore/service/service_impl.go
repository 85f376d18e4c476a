package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	appstoredomain "github.com/roamcart/roamcart/internal/appstore/domain"
	"github.com/roamcart/roamcart/internal/appstore/jws"
	eventdomain "github.com/roamcart/roamcart/internal/event/domain"
	"github.com/roamcart/roamcart/internal/notify"
	obsmetrics "github.com/roamcart/roamcart/internal/observability/metrics"
	orderdomain "github.com/roamcart/roamcart/internal/order/domain"
	"github.com/roamcart/roamcart/internal/referral"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Verifier    *jws.Verifier
	OrderRepo   orderdomain.Repository
	EventRepo   eventdomain.Repository
	ReferralSvc *referral.Service
	Notify      *notify.Dispatcher
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	verifier    *jws.Verifier
	orderRepo   orderdomain.Repository
	eventRepo   eventdomain.Repository
	referralSvc *referral.Service
	notify      *notify.Dispatcher
	metrics     *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("appstore.webhook"),
		genID:       p.GenID,
		verifier:    p.Verifier,
		orderRepo:   p.OrderRepo,
		eventRepo:   p.EventRepo,
		referralSvc: p.ReferralSvc,
		notify:      p.Notify,
		metrics:     p.Metrics,
	}
}

type envelope struct {
	SignedPayload string `json:"signedPayload"`
}

// IngestResult describes how a delivery was handled. Handler failures do
// not surface here: once the event is durably logged the provider gets a
// success response regardless of downstream outcome.
type IngestResult struct {
	Duplicate        bool
	NotificationUUID string
	NotificationType string
}

func (s *Service) Ingest(ctx context.Context, body []byte) (*IngestResult, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, appstoredomain.ErrMissingPayload
	}
	token := strings.TrimSpace(env.SignedPayload)
	if token == "" {
		return nil, appstoredomain.ErrMissingPayload
	}

	if !s.verifier.Verify(token) {
		return nil, appstoredomain.ErrInvalidSignature
	}

	payload, err := jws.Decode[appstoredomain.NotificationPayload](token)
	if err != nil {
		return nil, appstoredomain.ErrMissingPayload
	}

	dedupKey := strings.TrimSpace(payload.NotificationUUID)
	if dedupKey == "" {
		sum := sha256.Sum256(body)
		dedupKey = hex.EncodeToString(sum[:])
	}

	now := time.Now().UTC()
	event := eventdomain.InboundEvent{
		ID:         s.genID.Generate(),
		Provider:   eventdomain.ProviderAppStore,
		EventType:  payload.NotificationType,
		DedupKey:   dedupKey,
		Payload:    datatypes.JSON(body),
		ReceivedAt: now,
	}

	inserted, err := s.eventRepo.InsertEvent(ctx, s.db, &event)
	if err != nil {
		return nil, err
	}
	if !inserted {
		if original, findErr := s.eventRepo.FindEvent(ctx, s.db, eventdomain.ProviderAppStore, dedupKey); findErr == nil && original != nil {
			s.log.Info("duplicate notification ignored",
				zap.String("notification_type", payload.NotificationType),
				zap.String("dedup_key", dedupKey),
				zap.Time("first_received_at", original.ReceivedAt),
			)
		}
		s.recordMetric(payload.NotificationType, obsmetrics.OutcomeDuplicate)
		return &IngestResult{Duplicate: true, NotificationUUID: payload.NotificationUUID}, nil
	}

	start := time.Now()
	orderID, note, handlerErr := s.processNotification(ctx, payload)
	duration := time.Since(start)

	s.finishEvent(ctx, &event, orderID, note, handlerErr, duration)

	return &IngestResult{
		NotificationUUID: payload.NotificationUUID,
		NotificationType: payload.NotificationType,
	}, nil
}

// finishEvent appends the processing log entry and marks the event
// processed. The event is marked processed even when the handler failed;
// the failure lives in processing_error and the log entry.
func (s *Service) finishEvent(ctx context.Context, event *eventdomain.InboundEvent, orderID *snowflake.ID, note string, handlerErr error, duration time.Duration) {
	outcome := obsmetrics.OutcomeProcessed
	errText := ""
	switch {
	case handlerErr != nil:
		outcome = obsmetrics.OutcomeFailed
		errText = handlerErr.Error()
	case note != "":
		outcome = obsmetrics.OutcomeSkipped
		errText = note
	}

	entry := eventdomain.ProcessingLogEntry{
		ID:         s.genID.Generate(),
		EventID:    event.ID,
		Provider:   event.Provider,
		EventType:  event.EventType,
		OrderID:    orderID,
		Success:    handlerErr == nil,
		Error:      errText,
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.eventRepo.AppendLog(ctx, s.db, &entry); err != nil {
		s.log.Error("append processing log", zap.Error(err))
	}

	if err := s.eventRepo.MarkProcessed(ctx, s.db, event.ID, errText, time.Now().UTC()); err != nil {
		s.log.Error("mark event processed", zap.Error(err))
	}

	if handlerErr != nil {
		s.log.Error("notification handling failed",
			zap.String("notification_type", event.EventType),
			zap.Error(handlerErr),
		)
	}

	s.recordMetric(event.EventType, outcome)
	if s.metrics != nil {
		s.metrics.ObserveHandlerDuration(eventdomain.ProviderAppStore, event.EventType, duration.Seconds())
	}
}

func (s *Service) processNotification(ctx context.Context, payload appstoredomain.NotificationPayload) (*snowflake.ID, string, error) {
	tx, renewal, err := s.decodeSegments(payload.Data)
	if err != nil {
		return nil, "", err
	}

	if tx == nil || strings.TrimSpace(tx.TransactionID) == "" {
		return nil, "notification carries no transaction info", nil
	}

	// Single-path resolution: transaction id only. Subscription events
	// reference the original transaction, so both ids hit the same column.
	order, err := orderdomain.Resolve(ctx,
		func(ctx context.Context) (*orderdomain.Order, error) {
			return s.orderRepo.FindByTransactionID(ctx, s.db, tx.TransactionID)
		},
		func(ctx context.Context) (*orderdomain.Order, error) {
			return s.orderRepo.FindByTransactionID(ctx, s.db, tx.OriginalTransactionID)
		},
	)
	if err != nil {
		return nil, "", err
	}
	if order == nil {
		// The notification may precede order creation; expected race.
		return nil, "no order for transaction " + tx.TransactionID, nil
	}

	switch payload.NotificationType {
	case appstoredomain.NotificationTypeRefund:
		return &order.ID, "", s.clawBack(ctx, order, orderdomain.OrderStatusRefunded)
	case appstoredomain.NotificationTypeRevoke:
		return &order.ID, "", s.clawBack(ctx, order, orderdomain.OrderStatusRevoked)
	case appstoredomain.NotificationTypeExpired,
		appstoredomain.NotificationTypeGracePeriodExpired:
		return &order.ID, "", s.orderRepo.UpdateStatus(ctx, s.db, order.ID, orderdomain.OrderStatusExpired, time.Now().UTC())
	case appstoredomain.NotificationTypeDidRenew,
		appstoredomain.NotificationTypeSubscribed,
		appstoredomain.NotificationTypeRenewalStatus,
		appstoredomain.NotificationTypeDidFailToRenew:
		// Deliberate no-op: there is no recurring-product model yet.
		// Routing these through the state machine is the extension point
		// when subscriptions land.
		s.logRenewalInfo(payload.NotificationType, tx, renewal)
		return &order.ID, "renewal-family notification, no mutation", nil
	default:
		s.log.Info("unknown notification type ignored",
			zap.String("notification_type", payload.NotificationType),
			zap.String("subtype", payload.Subtype),
		)
		return &order.ID, "unknown notification type", nil
	}
}

// clawBack applies the terminal status and then voids referral payouts.
// The status update is the hard edge: if it fails the handler fails and
// the compensations are known not to have run. The compensations
// themselves are each attempted regardless of the other's outcome.
func (s *Service) clawBack(ctx context.Context, order *orderdomain.Order, status orderdomain.OrderStatus) error {
	if err := s.orderRepo.UpdateStatus(ctx, s.db, order.ID, status, time.Now().UTC()); err != nil {
		return err
	}

	var errs []error
	if err := s.referralSvc.VoidCommission(ctx, order.ID); err != nil {
		errs = append(errs, err)
	}
	if err := s.referralSvc.VoidReferralReward(ctx, order.ID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// decodeSegments verifies and decodes the nested signed segments. Either
// segment may be absent; an invalid one fails the handler.
func (s *Service) decodeSegments(data appstoredomain.NotificationData) (*appstoredomain.TransactionInfo, *appstoredomain.RenewalInfo, error) {
	var tx *appstoredomain.TransactionInfo
	var renewal *appstoredomain.RenewalInfo

	if token := strings.TrimSpace(data.SignedTransactionInfo); token != "" {
		if !s.verifier.Verify(token) {
			return nil, nil, appstoredomain.ErrInvalidSignature
		}
		decoded, err := jws.Decode[appstoredomain.TransactionInfo](token)
		if err != nil {
			return nil, nil, err
		}
		tx = &decoded
	}

	if token := strings.TrimSpace(data.SignedRenewalInfo); token != "" {
		if !s.verifier.Verify(token) {
			return nil, nil, appstoredomain.ErrInvalidSignature
		}
		decoded, err := jws.Decode[appstoredomain.RenewalInfo](token)
		if err != nil {
			return nil, nil, err
		}
		renewal = &decoded
	}

	return tx, renewal, nil
}

func (s *Service) logRenewalInfo(notificationType string, tx *appstoredomain.TransactionInfo, renewal *appstoredomain.RenewalInfo) {
	fields := []zap.Field{zap.String("notification_type", notificationType)}
	if tx != nil {
		fields = append(fields, zap.String("transaction_id", tx.TransactionID))
	}
	if renewal != nil {
		fields = append(fields,
			zap.Int("auto_renew_status", renewal.AutoRenewStatus),
			zap.Int("expiration_intent", renewal.ExpirationIntent),
		)
	}
	s.log.Info("renewal-family notification received", fields...)
}

func (s *Service) recordMetric(eventType, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordWebhookEvent(eventdomain.ProviderAppStore, eventType, outcome)
}

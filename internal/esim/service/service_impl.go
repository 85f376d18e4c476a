package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/roamcart/roamcart/internal/config"
	"github.com/roamcart/roamcart/internal/esim/client"
	esimdomain "github.com/roamcart/roamcart/internal/esim/domain"
	eventdomain "github.com/roamcart/roamcart/internal/event/domain"
	"github.com/roamcart/roamcart/internal/notify"
	obsmetrics "github.com/roamcart/roamcart/internal/observability/metrics"
	orderdomain "github.com/roamcart/roamcart/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// noiseFloorBytes clamps residual usage noise: a remaining balance under
// this threshold is reported as fully consumed.
const noiseFloorBytes = 5 << 20

type Params struct {
	fx.In

	Cfg       config.Config
	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Client    *client.Client
	OrderRepo orderdomain.Repository
	EventRepo eventdomain.Repository
	Notify    *notify.Dispatcher
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	allowedSources []string
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	client         *client.Client
	orderRepo      orderdomain.Repository
	eventRepo      eventdomain.Repository
	notify         *notify.Dispatcher
	metrics        *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		allowedSources: p.Cfg.Esim.AllowedSources,
		db:             p.DB,
		log:            p.Log.Named("esim.webhook"),
		genID:          p.GenID,
		client:         p.Client,
		orderRepo:      p.OrderRepo,
		eventRepo:      p.EventRepo,
		notify:         p.Notify,
		metrics:        p.Metrics,
	}
}

// IngestResult reports how a delivery was handled. Handler failures are
// absorbed after the event is durably logged; the provider always gets
// success for them and retries nothing.
type IngestResult struct {
	Duplicate  bool
	NotifyType string
}

func (s *Service) Ingest(ctx context.Context, body []byte, sourceAddr string) (*IngestResult, error) {
	if !s.sourceAllowed(sourceAddr) {
		return nil, esimdomain.ErrSourceNotAllowed
	}

	var env esimdomain.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, esimdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(env.NotifyType) == "" {
		return nil, esimdomain.ErrInvalidPayload
	}

	// Liveness probes carry no state and are acknowledged without
	// touching storage.
	if env.NotifyType == esimdomain.NotifyTypeHealthCheck {
		s.recordMetric(env.NotifyType, obsmetrics.OutcomeProcessed)
		return &IngestResult{NotifyType: env.NotifyType}, nil
	}

	dedupKey := strings.TrimSpace(env.NotifyID)
	if dedupKey == "" {
		sum := sha256.Sum256(body)
		dedupKey = hex.EncodeToString(sum[:])
	}

	now := time.Now().UTC()
	event := eventdomain.InboundEvent{
		ID:         s.genID.Generate(),
		Provider:   eventdomain.ProviderEsim,
		EventType:  env.NotifyType,
		DedupKey:   dedupKey,
		Payload:    datatypes.JSON(body),
		ReceivedAt: now,
	}

	inserted, err := s.eventRepo.InsertEvent(ctx, s.db, &event)
	if err != nil {
		return nil, err
	}
	if !inserted {
		if original, findErr := s.eventRepo.FindEvent(ctx, s.db, eventdomain.ProviderEsim, dedupKey); findErr == nil && original != nil {
			s.log.Info("duplicate delivery ignored",
				zap.String("notify_type", env.NotifyType),
				zap.String("dedup_key", dedupKey),
				zap.Time("first_received_at", original.ReceivedAt),
			)
		}
		s.recordMetric(env.NotifyType, obsmetrics.OutcomeDuplicate)
		return &IngestResult{Duplicate: true, NotifyType: env.NotifyType}, nil
	}

	start := time.Now()
	orderID, note, handlerErr := s.processEvent(ctx, env, now)
	duration := time.Since(start)

	s.finishEvent(ctx, &event, orderID, note, handlerErr, duration)

	return &IngestResult{NotifyType: env.NotifyType}, nil
}

// sourceAllowed checks the caller against the configured allow-list. An
// empty list disables the check.
func (s *Service) sourceAllowed(sourceAddr string) bool {
	if len(s.allowedSources) == 0 {
		return true
	}
	for _, allowed := range s.allowedSources {
		if sourceAddr == allowed {
			return true
		}
	}
	return false
}

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
		s.log.Error("event handling failed",
			zap.String("notify_type", event.EventType),
			zap.Error(handlerErr),
		)
	}

	s.recordMetric(event.EventType, outcome)
	if s.metrics != nil {
		s.metrics.ObserveHandlerDuration(eventdomain.ProviderEsim, event.EventType, duration.Seconds())
	}
}

func (s *Service) processEvent(ctx context.Context, env esimdomain.Envelope, receivedAt time.Time) (*snowflake.ID, string, error) {
	switch env.NotifyType {
	case esimdomain.NotifyTypeOrderStatus:
		return s.handleOrderStatus(ctx, env.Content)
	case esimdomain.NotifyTypeProfileEvent:
		return s.handleProfileEvent(ctx, env.Content, receivedAt)
	case esimdomain.NotifyTypeLifecycleStatus:
		return s.handleLifecycleStatus(ctx, env.Content)
	case esimdomain.NotifyTypeUsageThreshold:
		return s.handleUsage(ctx, env.Content)
	case esimdomain.NotifyTypeValidityThreshold:
		return s.handleValidity(ctx, env.Content, receivedAt)
	default:
		s.log.Info("unknown notify type ignored", zap.String("notify_type", env.NotifyType))
		return nil, "unknown notify type", nil
	}
}

// handleOrderStatus reacts to provisioning progress. Only the
// resource-ready transition mutates state; for it the activation detail
// is fetched from the provider API and stored on the order.
func (s *Service) handleOrderStatus(ctx context.Context, content json.RawMessage) (*snowflake.ID, string, error) {
	var c esimdomain.OrderStatusContent
	if err := json.Unmarshal(content, &c); err != nil {
		return nil, "", esimdomain.ErrInvalidPayload
	}
	if c.OrderStatus != esimdomain.OrderStatusGotResource {
		return nil, "order status " + c.OrderStatus + " requires no action", nil
	}
	if strings.TrimSpace(c.OrderNo) == "" {
		return nil, "", esimdomain.ErrInvalidPayload
	}

	order, err := s.orderRepo.FindByProviderOrderNo(ctx, s.db, c.OrderNo)
	if err != nil {
		return nil, "", err
	}
	if order == nil {
		return nil, "no order for provider order " + c.OrderNo, nil
	}

	detail, err := s.client.QueryProfile(ctx, c.OrderNo)
	if err != nil {
		return &order.ID, "", err
	}

	serverAddress, _, activationCode := client.ParseActivationString(detail.ActivationString)
	now := time.Now().UTC()

	if err := s.orderRepo.SetActivationDetail(ctx, s.db, order.ID, serverAddress, activationCode, orderdomain.OrderStatusCompleted, now); err != nil {
		return &order.ID, "", err
	}
	if order.ICCID == "" && detail.ICCID != "" {
		if err := s.orderRepo.BackfillICCID(ctx, s.db, order.ID, detail.ICCID, now); err != nil {
			return &order.ID, "", err
		}
		order.ICCID = detail.ICCID
	}

	// The ready email only goes out when the customer can actually
	// install; a partial activation string is stored but not announced.
	if serverAddress != "" && activationCode != "" {
		order.SMDPAddress = serverAddress
		order.ActivationCode = activationCode
		s.notify.OrderCompleted(ctx, order)
	}
	return &order.ID, "", nil
}

// handleProfileEvent advances the order when the profile is enabled on a
// device. Other install-lifecycle points are informational.
func (s *Service) handleProfileEvent(ctx context.Context, content json.RawMessage, receivedAt time.Time) (*snowflake.ID, string, error) {
	var c esimdomain.ProfileEventContent
	if err := json.Unmarshal(content, &c); err != nil {
		return nil, "", esimdomain.ErrInvalidPayload
	}
	if c.NotificationPoint != esimdomain.ProfileEventEnabled {
		return nil, "profile event " + c.NotificationPoint + " requires no action", nil
	}
	if strings.TrimSpace(c.ICCID) == "" {
		return nil, "", esimdomain.ErrInvalidPayload
	}

	order, err := s.orderRepo.FindByICCID(ctx, s.db, c.ICCID)
	if err != nil {
		return nil, "", err
	}
	if order == nil {
		return nil, "no order for iccid " + c.ICCID, nil
	}

	activatedAt := parseEventTime(c.Timestamp, receivedAt)
	expiresAt := activatedAt.AddDate(0, 0, order.ValidityDays)

	if err := s.orderRepo.SetActivationWindow(ctx, s.db, order.ID, activatedAt, expiresAt, orderdomain.OrderStatusActive, time.Now().UTC()); err != nil {
		return &order.ID, "", err
	}
	return &order.ID, "", nil
}

func (s *Service) handleLifecycleStatus(ctx context.Context, content json.RawMessage) (*snowflake.ID, string, error) {
	var c esimdomain.LifecycleStatusContent
	if err := json.Unmarshal(content, &c); err != nil {
		return nil, "", esimdomain.ErrInvalidPayload
	}

	status := esimdomain.LifecycleStatusFor(c.EsimStatus)
	if status == "" {
		return nil, "lifecycle status " + c.EsimStatus + " requires no action", nil
	}

	order, note, err := s.resolveOrder(ctx, c.ICCID, c.OrderNo)
	if order == nil || err != nil {
		return nil, note, err
	}

	if err := s.orderRepo.UpdateStatus(ctx, s.db, order.ID, status, time.Now().UTC()); err != nil {
		return &order.ID, "", err
	}
	return &order.ID, "", nil
}

// handleUsage overwrites the order's counters with the snapshot. The
// provider reports totals, never deltas, so stale snapshots are
// harmless under redelivery.
func (s *Service) handleUsage(ctx context.Context, content json.RawMessage) (*snowflake.ID, string, error) {
	var c esimdomain.UsageContent
	if err := json.Unmarshal(content, &c); err != nil {
		return nil, "", esimdomain.ErrInvalidPayload
	}
	if c.TotalBytes <= 0 {
		return nil, "", esimdomain.ErrInvalidPayload
	}

	order, note, err := s.resolveOrder(ctx, c.ICCID, c.OrderNo)
	if order == nil || err != nil {
		return nil, note, err
	}

	used := c.UsedBytes
	if used < 0 {
		used = 0
	}
	if used > c.TotalBytes {
		used = c.TotalBytes
	}
	remaining := c.TotalBytes - used
	if remaining < noiseFloorBytes {
		remaining = 0
		used = c.TotalBytes
	}

	if err := s.orderRepo.SetUsage(ctx, s.db, order.ID, used, remaining, c.TotalBytes, time.Now().UTC()); err != nil {
		return &order.ID, "", err
	}

	usagePercent := (1 - float64(remaining)/float64(c.TotalBytes)) * 100
	s.notify.UsageAlert(ctx, order, usagePercent)
	return &order.ID, "", nil
}

func (s *Service) handleValidity(ctx context.Context, content json.RawMessage, receivedAt time.Time) (*snowflake.ID, string, error) {
	var c esimdomain.ValidityContent
	if err := json.Unmarshal(content, &c); err != nil {
		return nil, "", esimdomain.ErrInvalidPayload
	}

	order, note, err := s.resolveOrder(ctx, c.ICCID, c.OrderNo)
	if order == nil || err != nil {
		return nil, note, err
	}

	expiresAt := parseEventTime(c.ExpiredTime, receivedAt)
	if err := s.orderRepo.SetExpiresAt(ctx, s.db, order.ID, expiresAt, time.Now().UTC()); err != nil {
		return &order.ID, "", err
	}

	s.notify.ExpiryAlert(ctx, order)
	return &order.ID, "", nil
}

// resolveOrder correlates an event to an order, iccid first and the
// provider order number as fallback. When only the fallback matches and
// the event carries an iccid the order missed at purchase time, the
// iccid is backfilled so later events hit the primary path.
func (s *Service) resolveOrder(ctx context.Context, iccid, orderNo string) (*orderdomain.Order, string, error) {
	var byFallback bool
	order, err := orderdomain.Resolve(ctx,
		func(ctx context.Context) (*orderdomain.Order, error) {
			if strings.TrimSpace(iccid) == "" {
				return nil, nil
			}
			return s.orderRepo.FindByICCID(ctx, s.db, iccid)
		},
		func(ctx context.Context) (*orderdomain.Order, error) {
			if strings.TrimSpace(orderNo) == "" {
				return nil, nil
			}
			byFallback = true
			return s.orderRepo.FindByProviderOrderNo(ctx, s.db, orderNo)
		},
	)
	if err != nil {
		return nil, "", err
	}
	if order == nil {
		return nil, "no order for iccid " + iccid + " or provider order " + orderNo, nil
	}

	if byFallback && order.ICCID == "" && strings.TrimSpace(iccid) != "" {
		if err := s.orderRepo.BackfillICCID(ctx, s.db, order.ID, iccid, time.Now().UTC()); err != nil {
			return nil, "", err
		}
		order.ICCID = iccid
	}
	return order, "", nil
}

func (s *Service) recordMetric(eventType, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordWebhookEvent(eventdomain.ProviderEsim, eventType, outcome)
}

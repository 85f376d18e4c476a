package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/roamcart/roamcart/internal/notify/email"
	"github.com/roamcart/roamcart/internal/notify/push"
	orderdomain "github.com/roamcart/roamcart/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("notify",
	email.Module,
	push.Module,
	fx.Provide(NewDispatcher),
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Email email.Provider
	Push  push.Provider
}

// Dispatcher fans out user-facing notifications. Every send is a
// non-critical effect: failures are logged with the effect name and
// never returned to the caller, so webhook handling cannot be failed
// by a flaky mail or push gateway.
type Dispatcher struct {
	db    *gorm.DB
	log   *zap.Logger
	email email.Provider
	push  push.Provider
}

func NewDispatcher(p Params) *Dispatcher {
	return &Dispatcher{
		db:    p.DB,
		log:   p.Log.Named("notify"),
		email: p.Email,
		push:  p.Push,
	}
}

func (d *Dispatcher) OrderCompleted(ctx context.Context, order *orderdomain.Order) {
	if order == nil {
		return
	}
	d.sendEmail(ctx, "order_completed_email", order,
		"Your eSIM is ready",
		fmt.Sprintf(
			"<p>Your eSIM is ready to install.</p><p>SM-DP+ address: %s<br>Activation code: %s</p>",
			order.SMDPAddress,
			order.ActivationCode,
		),
	)
}

func (d *Dispatcher) UsageAlert(ctx context.Context, order *orderdomain.Order, usagePercent float64) {
	if order == nil {
		return
	}
	subject := fmt.Sprintf("Data usage alert: %.0f%% used", usagePercent)
	body := fmt.Sprintf(
		"<p>Your eSIM has used %.0f%% of its data allowance.</p>",
		usagePercent,
	)
	d.sendEmail(ctx, "usage_alert_email", order, subject, body)
	d.sendPush(ctx, "usage_alert_push", order, subject, map[string]string{
		"order_id":      order.ID.String(),
		"usage_percent": fmt.Sprintf("%.0f", usagePercent),
	})
}

func (d *Dispatcher) ExpiryAlert(ctx context.Context, order *orderdomain.Order) {
	if order == nil {
		return
	}
	subject := "Your eSIM is about to expire"
	body := "<p>Your eSIM plan is approaching its expiry date.</p>"
	d.sendEmail(ctx, "expiry_alert_email", order, subject, body)
	d.sendPush(ctx, "expiry_alert_push", order, subject, map[string]string{
		"order_id": order.ID.String(),
	})
}

func (d *Dispatcher) sendEmail(ctx context.Context, effect string, order *orderdomain.Order, subject, body string) {
	to, err := d.userEmail(ctx, order.UserID)
	if err != nil {
		d.report(effect, order.ID, err)
		return
	}
	if to == "" {
		return
	}
	d.report(effect, order.ID, d.email.Send(ctx, []string{to}, subject, body))
}

func (d *Dispatcher) sendPush(ctx context.Context, effect string, order *orderdomain.Order, title string, data map[string]string) {
	d.report(effect, order.ID, d.push.Send(ctx, order.UserID.String(), title, "", data))
}

// report logs the outcome of a non-critical effect and swallows it.
func (d *Dispatcher) report(effect string, orderID snowflake.ID, err error) {
	if err == nil {
		return
	}
	d.log.Warn("non-critical effect failed",
		zap.String("effect", effect),
		zap.String("order_id", orderID.String()),
		zap.Error(err),
	)
}

func (d *Dispatcher) userEmail(ctx context.Context, userID snowflake.ID) (string, error) {
	var address string
	if err := d.db.WithContext(ctx).Raw(
		`SELECT email FROM users WHERE id = ?`,
		userID,
	).Scan(&address).Error; err != nil {
		return "", err
	}
	return strings.TrimSpace(address), nil
}

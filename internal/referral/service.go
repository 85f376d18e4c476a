package referral

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("referral",
	fx.Provide(NewService),
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

// Service voids referral payouts when a purchase is clawed back.
// Both operations are idempotent UPDATEs.
type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p Params) *Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("referral"),
	}
}

func (s *Service) VoidCommission(ctx context.Context, orderID snowflake.ID) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE referral_commissions
		 SET status = 'void', voided_at = ?, updated_at = ?
		 WHERE order_id = ? AND status <> 'void'`,
		time.Now().UTC(),
		time.Now().UTC(),
		orderID,
	).Error
}

func (s *Service) VoidReferralReward(ctx context.Context, orderID snowflake.ID) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE referral_rewards
		 SET status = 'void', voided_at = ?, updated_at = ?
		 WHERE order_id = ? AND status <> 'void'`,
		time.Now().UTC(),
		time.Now().UTC(),
		orderID,
	).Error
}

package domain

import (
	"encoding/json"
	"errors"

	orderdomain "github.com/roamcart/roamcart/internal/order/domain"
)

const (
	NotifyTypeHealthCheck       = "CHECK_HEALTH"
	NotifyTypeOrderStatus       = "ORDER_STATUS"
	NotifyTypeProfileEvent      = "PROFILE_EVENT"
	NotifyTypeLifecycleStatus   = "LIFECYCLE_STATUS"
	NotifyTypeUsageThreshold    = "USAGE_THRESHOLD"
	NotifyTypeValidityThreshold = "VALIDITY_THRESHOLD"
)

const (
	OrderStatusGotResource = "GOT_RESOURCE"

	ProfileEventDownload     = "DOWNLOAD"
	ProfileEventInstallation = "INSTALLATION"
	ProfileEventEnabled      = "ENABLED"
	ProfileEventDisabled     = "DISABLED"
	ProfileEventDeleted      = "DELETED"
)

var (
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrSourceNotAllowed = errors.New("source_not_allowed")
)

// Envelope is the provider's webhook wrapper. Content is decoded into a
// typed per-subtype struct at ingress; handlers never see raw JSON.
type Envelope struct {
	NotifyType        string          `json:"notifyType"`
	NotifyID          string          `json:"notifyId"`
	EventGenerateTime string          `json:"eventGenerateTime"`
	Content           json.RawMessage `json:"content"`
}

// OrderStatusContent signals provisioning progress for an order.
type OrderStatusContent struct {
	OrderNo     string `json:"orderNo"`
	OrderStatus string `json:"orderStatus"`
}

// ProfileEventContent reports an install-lifecycle transition of the
// provisioned profile.
type ProfileEventContent struct {
	ICCID             string `json:"iccid"`
	EID               string `json:"eid"`
	NotificationPoint string `json:"notificationPointId"`
	Timestamp         string `json:"timestamp"`
}

// LifecycleStatusContent carries the provider's six-value profile
// lifecycle state.
type LifecycleStatusContent struct {
	ICCID      string `json:"iccid"`
	OrderNo    string `json:"orderNo"`
	EsimStatus string `json:"esimStatus"`
}

// UsageContent is a usage snapshot. Values are authoritative totals,
// not deltas.
type UsageContent struct {
	ICCID      string `json:"iccid"`
	OrderNo    string `json:"orderNo"`
	UsedBytes  int64  `json:"orderUsage"`
	TotalBytes int64  `json:"totalVolume"`
}

// ValidityContent carries the authoritative expiry time for a profile.
type ValidityContent struct {
	ICCID       string `json:"iccid"`
	OrderNo     string `json:"orderNo"`
	ExpiredTime string `json:"expiredTime"`
}

// LifecycleStatusFor maps the provider's lifecycle enum onto the order
// state machine. Unknown values map to empty and must be skipped.
func LifecycleStatusFor(esimStatus string) orderdomain.OrderStatus {
	switch esimStatus {
	case "IN_USE":
		return orderdomain.OrderStatusActive
	case "USED_UP":
		return orderdomain.OrderStatusDepleted
	case "USED_EXPIRED", "UNUSED_EXPIRED":
		return orderdomain.OrderStatusExpired
	case "CANCEL":
		return orderdomain.OrderStatusCancelled
	case "REVOKED":
		return orderdomain.OrderStatusRevoked
	default:
		return ""
	}
}

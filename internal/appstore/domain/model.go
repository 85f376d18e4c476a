package domain

import "errors"

const (
	NotificationTypeRefund             = "REFUND"
	NotificationTypeRevoke             = "REVOKE"
	NotificationTypeExpired            = "EXPIRED"
	NotificationTypeGracePeriodExpired = "GRACE_PERIOD_EXPIRED"
	NotificationTypeDidRenew           = "DID_RENEW"
	NotificationTypeSubscribed         = "SUBSCRIBED"
	NotificationTypeRenewalStatus      = "DID_CHANGE_RENEWAL_STATUS"
	NotificationTypeDidFailToRenew     = "DID_FAIL_TO_RENEW"
)

var (
	ErrMissingPayload   = errors.New("missing_signed_payload")
	ErrInvalidSignature = errors.New("invalid_signature")
)

// NotificationPayload is the decoded claim set of the outer signed token.
type NotificationPayload struct {
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype"`
	NotificationUUID string           `json:"notificationUUID"`
	Data             NotificationData `json:"data"`
	SignedDate       int64            `json:"signedDate"`
}

type NotificationData struct {
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

// TransactionInfo is decoded from the nested signed transaction segment.
// Ephemeral; only fields copied onto the order survive processing.
type TransactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	RevocationDate        int64  `json:"revocationDate"`
	RevocationReason      *int   `json:"revocationReason"`
}

// RenewalInfo is decoded from the nested signed renewal segment.
type RenewalInfo struct {
	AutoRenewProductID string `json:"autoRenewProductId"`
	AutoRenewStatus    int    `json:"autoRenewStatus"`
	ExpirationIntent   int    `json:"expirationIntent"`
}

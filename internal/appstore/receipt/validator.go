package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/roamcart/roamcart/internal/config"
	obsmetrics "github.com/roamcart/roamcart/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	statusOK                = 0
	statusSandboxReceipt    = 21007
	statusProductionReceipt = 21008
)

// statusMessages maps the store's non-zero status codes to readable
// errors. Unknown codes fall through to a generic message.
var statusMessages = map[int]string{
	21000: "the request was not made using HTTP POST",
	21002: "the receipt data was malformed or missing",
	21003: "the receipt could not be authenticated",
	21004: "the shared secret does not match",
	21005: "the receipt server is temporarily unavailable",
	21006: "the receipt is valid but the subscription is expired",
	21007: "the receipt is from the sandbox environment",
	21008: "the receipt is from the production environment",
	21009: "internal data access error, retry later",
	21010: "the account cannot be found or has been deleted",
}

// Result is the validator's entire outward surface. A well-formed
// rejection is a Result with Valid=false, never an error.
type Result struct {
	Valid         bool
	TransactionID string
	ProductID     string
	Environment   string
	Error         string
}

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Validator struct {
	cfg     config.AppStoreConfig
	log     *zap.Logger
	client  *http.Client
	metrics *obsmetrics.Metrics
}

func NewValidator(p Params) *Validator {
	timeout := time.Duration(p.Cfg.AppStore.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Validator{
		cfg: p.Cfg.AppStore,
		log: p.Log.Named("appstore.receipt"),
		client: &http.Client{
			Timeout: timeout,
		},
		metrics: p.Metrics,
	}
}

type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type verifyResponse struct {
	Status            int            `json:"status"`
	Environment       string         `json:"environment"`
	LatestReceiptInfo []transaction  `json:"latest_receipt_info"`
	Receipt           receiptPayload `json:"receipt"`
}

type receiptPayload struct {
	InApp []transaction `json:"in_app"`
}

type transaction struct {
	TransactionID  string `json:"transaction_id"`
	ProductID      string `json:"product_id"`
	PurchaseDateMS string `json:"purchase_date_ms"`
}

// Validate verifies a purchase receipt. A wrong-environment status
// triggers exactly one retry against the alternate endpoint, and that
// retry's result is authoritative.
func (v *Validator) Validate(ctx context.Context, receiptData string) Result {
	resp, err := v.call(ctx, v.cfg.VerifyURL, receiptData)
	if err != nil {
		v.record("production", "error")
		return Result{Valid: false, Error: err.Error()}
	}

	environment := "production"
	switch resp.Status {
	case statusSandboxReceipt:
		environment = "sandbox"
		resp, err = v.call(ctx, v.cfg.SandboxVerifyURL, receiptData)
	case statusProductionReceipt:
		resp, err = v.call(ctx, v.cfg.VerifyURL, receiptData)
	}
	if err != nil {
		v.record(environment, "error")
		return Result{Valid: false, Error: err.Error()}
	}

	if resp.Status != statusOK {
		v.record(environment, "rejected")
		return Result{
			Valid:       false,
			Environment: resp.Environment,
			Error:       statusMessage(resp.Status),
		}
	}

	latest := latestTransaction(resp)
	if latest == nil {
		v.record(environment, "rejected")
		return Result{
			Valid:       false,
			Environment: resp.Environment,
			Error:       "receipt contains no transactions",
		}
	}

	v.record(environment, "valid")
	return Result{
		Valid:         true,
		TransactionID: latest.TransactionID,
		ProductID:     latest.ProductID,
		Environment:   resp.Environment,
	}
}

func (v *Validator) call(ctx context.Context, url, receiptData string) (*verifyResponse, error) {
	payload, err := json.Marshal(verifyRequest{
		ReceiptData:            receiptData,
		Password:               v.cfg.SharedSecret,
		ExcludeOldTransactions: true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verification endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verification endpoint returned %d", resp.StatusCode)
	}

	var decoded verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode verification response: %w", err)
	}
	return &decoded, nil
}

// latestTransaction picks the most recent transaction, preferring the
// latest_receipt_info list over the receipt's historical in_app list.
func latestTransaction(resp *verifyResponse) *transaction {
	source := resp.LatestReceiptInfo
	if len(source) == 0 {
		source = resp.Receipt.InApp
	}
	if len(source) == 0 {
		return nil
	}

	sorted := make([]transaction, len(source))
	copy(sorted, source)
	sort.Slice(sorted, func(i, j int) bool {
		return purchaseMS(sorted[i]) > purchaseMS(sorted[j])
	})
	return &sorted[0]
}

func purchaseMS(tx transaction) int64 {
	parsed, err := strconv.ParseInt(strings.TrimSpace(tx.PurchaseDateMS), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func statusMessage(status int) string {
	if msg, ok := statusMessages[status]; ok {
		return msg
	}
	return fmt.Sprintf("unknown error, code %d", status)
}

func (v *Validator) record(environment, result string) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordReceiptValidation(environment, result)
}

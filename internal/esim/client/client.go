package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/roamcart/roamcart/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("esim.client",
	fx.Provide(NewClient),
)

var ErrNotConfigured = errors.New("esim_client_not_configured")

// Client calls the provisioning provider's API. All calls carry a
// bounded timeout; the provider is never retried inline.
type Client struct {
	baseURL    string
	accessCode string
	http       *http.Client
	log        *zap.Logger
}

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

func NewClient(p Params) *Client {
	timeout := time.Duration(p.Cfg.Esim.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(p.Cfg.Esim.BaseURL, "/"),
		accessCode: p.Cfg.Esim.AccessCode,
		http: &http.Client{
			Timeout: timeout,
		},
		log: p.Log.Named("esim.client"),
	}
}

// ProfileDetail is the provider's activation detail for an allocated
// profile. The activation string is `$`-delimited.
type ProfileDetail struct {
	ICCID            string `json:"iccid"`
	EID              string `json:"eid"`
	ActivationString string `json:"ac"`
	SMDPStatus       string `json:"smdpStatus"`
}

type queryResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	Obj      struct {
		EsimList []ProfileDetail `json:"esimList"`
	} `json:"obj"`
}

// QueryProfile fetches the activation detail for a provisioning order.
func (c *Client) QueryProfile(ctx context.Context, orderNo string) (*ProfileDetail, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(map[string]string{"orderNo": orderNo})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/esim/query", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("RT-AccessCode", c.accessCode)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider query returned %d", resp.StatusCode)
	}

	var decoded queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	if !decoded.Success {
		return nil, fmt.Errorf("provider query rejected: %s", decoded.ErrorMsg)
	}
	if len(decoded.Obj.EsimList) == 0 {
		return nil, errors.New("provider query returned no profiles")
	}

	return &decoded.Obj.EsimList[0], nil
}

// ParseActivationString splits a `$`-delimited activation string into
// its server address, extra segment and activation code. Anything other
// than three segments yields empty values.
func ParseActivationString(ac string) (serverAddress, extra, activationCode string) {
	parts := strings.Split(strings.TrimSpace(ac), "$")
	if len(parts) != 3 {
		return "", "", ""
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])
}

package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPConfig holds configuration for the hosted pay endpoint adapter.
type HTTPConfig struct {
	// BaseURL is the pay service root, e.g. "https://pay.example.com".
	BaseURL string

	// Token is the bearer token authorizing transfers on the game's
	// holding account.
	Token string

	// HoldingAddress receives entry fees and funds payouts.
	HoldingAddress string

	// PlatformAddress receives the rake cut of each charge.
	PlatformAddress string

	// Rake is the portion of each charge, in micro-units, forwarded to
	// PlatformAddress.
	Rake int64

	// MaxRetries bounds retry attempts for transient failures. Defaults to 3.
	MaxRetries int

	// BaseRetryDelay is the initial backoff delay. Defaults to 500ms.
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the exponential backoff. Defaults to 5s.
	MaxRetryDelay time.Duration

	// HTTPClient allows injecting a custom client (useful for testing).
	// Defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// HTTPGateway adapts a hosted stablecoin pay endpoint to the Gateway
// interface. Transient failures (5xx, 429) are retried with exponential
// backoff; everything else surfaces as a typed *Error.
type HTTPGateway struct {
	cfg  HTTPConfig
	http *http.Client
}

// NewHTTPGateway builds a gateway for the given pay service.
func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("pay service base URL is required")
	}
	if cfg.HoldingAddress == "" {
		return nil, fmt.Errorf("holding address is required")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseRetryDelay == 0 {
		cfg.BaseRetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPGateway{cfg: cfg, http: httpClient}, nil
}

type transferRequest struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	RakeTo      string `json:"rake_to,omitempty"`
	RakeAmount  string `json:"rake_amount,omitempty"`
	Reference   string `json:"reference,omitempty"`
	RequireAuth bool   `json:"require_authorization"`
}

type transferResponse struct {
	TxID  string `json:"tx_id"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// microToDecimal renders a micro-unit amount as a 6-decimal string, the
// format the pay endpoint expects.
func microToDecimal(amount int64) string {
	return decimal.New(amount, -6).StringFixed(6)
}

// Charge collects amount from the participant into the holding account,
// splitting the configured rake off to the platform address in the same
// transfer. The participant must have authorized the spend beforehand; a
// missing authorization surfaces as an insufficient_allowance error.
func (g *HTTPGateway) Charge(ctx context.Context, participant string, amount int64) (string, error) {
	rake := g.cfg.Rake
	if rake > amount {
		rake = amount
	}
	req := transferRequest{
		From:        participant,
		To:          g.cfg.HoldingAddress,
		Amount:      microToDecimal(amount),
		RakeTo:      g.cfg.PlatformAddress,
		RakeAmount:  microToDecimal(rake),
		RequireAuth: true,
	}
	return g.doTransfer(ctx, "/v1/charges", req)
}

// Payout transfers amount from the holding account to the participant.
func (g *HTTPGateway) Payout(ctx context.Context, participant string, amount int64) (string, error) {
	req := transferRequest{
		From:   g.cfg.HoldingAddress,
		To:     participant,
		Amount: microToDecimal(amount),
	}
	return g.doTransfer(ctx, "/v1/payouts", req)
}

func (g *HTTPGateway) doTransfer(ctx context.Context, path string, body transferRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(g.retryDelay(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		txID, err := g.post(ctx, path, body)
		if err == nil {
			return txID, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return "", err
		}
	}
	return "", lastErr
}

func (g *HTTPGateway) post(ctx context.Context, path string, body transferRequest) (string, error) {
	url := strings.TrimRight(g.cfg.BaseURL, "/") + path

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("payments: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("payments: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("payments: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("payments: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &Error{Code: CodeUnauthorized, Message: "pay service rejected credentials"}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &Error{Code: CodeUnavailable, Message: fmt.Sprintf("pay service HTTP %d", resp.StatusCode)}
	}

	var tr transferResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return "", fmt.Errorf("payments: invalid response JSON: %w", err)
	}
	if tr.Error != nil {
		return "", &Error{Code: normalizeCode(tr.Error.Code), Message: tr.Error.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Code: CodeDeclined, Message: fmt.Sprintf("pay service HTTP %d", resp.StatusCode)}
	}
	if tr.TxID == "" {
		return "", &Error{Code: CodeDeclined, Message: "pay service returned no transaction id"}
	}
	return tr.TxID, nil
}

// normalizeCode maps unknown service codes onto the declined bucket so the
// engine's taxonomy stays closed.
func normalizeCode(code string) string {
	switch code {
	case CodeDeclined, CodeInsufficientFunds, CodeInsufficientAllowance, CodeUnauthorized, CodeUnavailable:
		return code
	default:
		return CodeDeclined
	}
}

func (g *HTTPGateway) retryDelay(attempt int) time.Duration {
	d := time.Duration(float64(g.cfg.BaseRetryDelay) * math.Pow(2, float64(attempt-1)))
	if d > g.cfg.MaxRetryDelay {
		d = g.cfg.MaxRetryDelay
	}
	return d
}

package lightning

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ganamos/backend/pkg/logger"
	"go.uber.org/zap"
)

// PaymentResult is the gateway's verdict on a payment attempt. A node-side
// refusal is Success=false with Error set; transport problems are returned
// as errors from PayInvoice instead.
type PaymentResult struct {
	Success     bool   `json:"success"`
	PaymentHash string `json:"paymentHash,omitempty"`
	Preimage    string `json:"preimage,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ErrPaymentUnknown wraps failures that happen after the payment may have
// reached the node, so the invoice may or may not have been paid.
var ErrPaymentUnknown = errors.New("payment outcome unknown")

// Gateway pays BOLT11 invoices from the node's funds.
type Gateway interface {
	PayInvoice(ctx context.Context, paymentRequest string, amount int64) (*PaymentResult, error)
}

// LNDConfig configures the LND REST client.
type LNDConfig struct {
	BaseURL       string
	Macaroon      string
	TLSSkipVerify bool
	Timeout       time.Duration
}

// LNDClient talks to LND's REST proxy.
type LNDClient struct {
	baseURL  string
	macaroon string
	http     *http.Client
}

func NewLNDClient(cfg LNDConfig) *LNDClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &LNDClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		macaroon: cfg.Macaroon,
		http:     &http.Client{Timeout: timeout, Transport: transport},
	}
}

type lndSendRequest struct {
	PaymentRequest string `json:"payment_request"`
	Amt            string `json:"amt,omitempty"`
}

type lndSendResponse struct {
	PaymentError    string `json:"payment_error"`
	PaymentPreimage string `json:"payment_preimage"`
	PaymentHash     string `json:"payment_hash"`
}

type lndErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// PayInvoice sends a synchronous payment. The amount is only forwarded to
// the node for zero-amount invoices; LND rejects it otherwise.
func (c *LNDClient) PayInvoice(ctx context.Context, paymentRequest string, amount int64) (*PaymentResult, error) {
	inv, err := ParseInvoice(paymentRequest)
	if err != nil {
		return nil, err
	}

	body := lndSendRequest{PaymentRequest: paymentRequest}
	if !inv.HasAmount {
		body.Amt = strconv.FormatInt(amount, 10)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/channels/transactions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Grpc-Metadata-macaroon", c.macaroon)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		logger.Error("[LIGHTNING] payment request failed", zap.Error(err))
		if isDialError(err) {
			return nil, fmt.Errorf("lnd request: %w", err)
		}
		return nil, fmt.Errorf("lnd request: %w: %w", ErrPaymentUnknown, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read lnd response: %w: %w", ErrPaymentUnknown, err)
	}

	logger.Info("[LIGHTNING] payment response",
		zap.Int("status", resp.StatusCode),
		zap.Int64("amount", amount),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		var lndErr lndErrorResponse
		if json.Unmarshal(raw, &lndErr) == nil && (lndErr.Message != "" || lndErr.Error != "") {
			msg := lndErr.Message
			if msg == "" {
				msg = lndErr.Error
			}
			return &PaymentResult{Success: false, Error: msg}, nil
		}
		return nil, fmt.Errorf("lnd returned status %d: %w", resp.StatusCode, ErrPaymentUnknown)
	}

	var out lndSendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode lnd response: %w: %w", ErrPaymentUnknown, err)
	}
	if out.PaymentError != "" {
		return &PaymentResult{Success: false, Error: out.PaymentError}, nil
	}

	hash, err := base64ToHex(out.PaymentHash)
	if err != nil {
		return nil, fmt.Errorf("decode payment hash: %w", err)
	}
	preimage, _ := base64ToHex(out.PaymentPreimage)

	return &PaymentResult{Success: true, PaymentHash: hash, Preimage: preimage}, nil
}

// isDialError reports a connection that was never established, which
// means the node never saw the payment.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func base64ToHex(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

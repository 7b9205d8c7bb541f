package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/iwantamacmini2/macgas/internal/circuitbreaker"
	"github.com/iwantamacmini2/macgas/internal/domain/model"
	"github.com/iwantamacmini2/macgas/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Client talks to the remote signing service, which holds the sponsor
// wallet's key, signs the fee-payer transaction, and broadcasts it.
// A circuit breaker sheds relay traffic quickly when the signer is down
// instead of letting every request ride out the full timeout.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

type signRequest struct {
	Transaction string `json:"transaction"`
}

type signResponse struct {
	Signature string `json:"signature"`
	Error     string `json:"error,omitempty"`
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	log := logger.With("component", "signer")
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			OnStateChange: func(from, to circuitbreaker.State) {
				metrics.SignerCircuitState.Set(float64(to))
				log.Warn("signer circuit state changed", "from", from.String(), "to", to.String())
			},
		}),
		logger: log,
	}
}

// SignAndBroadcast submits the base64-encoded transaction for signing and
// broadcast, returning the on-chain signature. All failures, timeouts
// included, surface as UpstreamError so callers can tell the failing stage
// apart without parsing messages.
func (c *Client) SignAndBroadcast(ctx context.Context, txB64 string) (string, error) {
	if err := c.breaker.Allow(); err != nil {
		return "", &model.UpstreamError{Stage: model.UpstreamSigning, Err: err}
	}

	body, err := json.Marshal(signRequest{Transaction: txB64})
	if err != nil {
		return "", fmt.Errorf("marshal sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sign-and-broadcast", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Error("signer request failed", "error", err, "elapsed", time.Since(start).String())
		return "", &model.UpstreamError{Stage: model.UpstreamSigning, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure()
		return "", &model.UpstreamError{Stage: model.UpstreamSigning, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure()
		return "", &model.UpstreamError{
			Stage: model.UpstreamSigning,
			Err:   fmt.Errorf("signer status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var signResp signResponse
	if err := json.Unmarshal(respBody, &signResp); err != nil {
		c.breaker.RecordFailure()
		return "", &model.UpstreamError{Stage: model.UpstreamSigning, Err: fmt.Errorf("decode response: %w", err)}
	}

	// The service answered; a broadcast rejection is a healthy signer
	// reporting a bad transaction, not a reason to open the circuit.
	c.breaker.RecordSuccess()

	if signResp.Error != "" {
		return "", &model.UpstreamError{Stage: model.UpstreamBroadcast, Err: fmt.Errorf("%s", signResp.Error)}
	}
	if signResp.Signature == "" {
		return "", &model.UpstreamError{Stage: model.UpstreamBroadcast, Err: fmt.Errorf("signer returned empty signature")}
	}

	return signResp.Signature, nil
}

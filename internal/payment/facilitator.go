package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/iwantamacmini2/macgas/internal/domain/model"
)

const defaultFacilitatorTimeout = 30 * time.Second

// Facilitator verifies and settles a payment proof. Implemented over HTTP
// against the external settlement service; faked in tests.
type Facilitator interface {
	Settle(ctx context.Context, proof *Proof, req Requirement) (*Settlement, error)
}

type settleRequest struct {
	PaymentPayload      *Proof      `json:"paymentPayload"`
	PaymentRequirements Requirement `json:"paymentRequirements"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference"`
	Payer       string `json:"payer"`
}

type HTTPFacilitator struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

var _ Facilitator = (*HTTPFacilitator)(nil)

func NewHTTPFacilitator(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPFacilitator {
	if timeout <= 0 {
		timeout = defaultFacilitatorTimeout
	}
	return &HTTPFacilitator{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		logger:     logger.With("component", "facilitator"),
	}
}

// Settle posts the proof and requirement to the facilitator. A rejected
// proof comes back as PaymentVerificationError carrying the facilitator's
// reason; transport failures are wrapped plainly since the caller cannot
// tell whether settlement happened.
func (f *HTTPFacilitator) Settle(ctx context.Context, proof *Proof, req Requirement) (*Settlement, error) {
	body, err := json.Marshal(settleRequest{PaymentPayload: proof, PaymentRequirements: req})
	if err != nil {
		return nil, fmt.Errorf("marshal settle request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/settle", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create settle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("facilitator request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read facilitator response: %w", err)
	}

	// 4xx statuses carry a structured rejection; anything else is a
	// facilitator-side fault.
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("facilitator status %d: %s", resp.StatusCode, string(respBody))
	}

	var settleResp settleResponse
	if err := json.Unmarshal(respBody, &settleResp); err != nil {
		return nil, fmt.Errorf("decode facilitator response: %w", err)
	}

	if !settleResp.Success {
		reason := settleResp.ErrorReason
		if reason == "" {
			reason = fmt.Sprintf("facilitator rejected proof (status %d)", resp.StatusCode)
		}
		return nil, &model.PaymentVerificationError{Reason: reason}
	}
	if settleResp.Reference == "" {
		return nil, fmt.Errorf("facilitator returned settlement without reference")
	}

	return &Settlement{
		Amount:    settleResp.Amount,
		Reference: settleResp.Reference,
		Payer:     settleResp.Payer,
	}, nil
}

package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/iwantamacmini2/macgas/internal/config"
	"github.com/iwantamacmini2/macgas/internal/domain/model"
	"github.com/iwantamacmini2/macgas/internal/metrics"
	"github.com/iwantamacmini2/macgas/internal/payment"
	"github.com/iwantamacmini2/macgas/internal/store"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

const (
	headerProjectID = "X-Project-Id"
	headerPayment   = "X-Payment"
)

// attachedNoteConvention tells depositors how to tag an on-chain deposit so
// the reconciler can attribute it: the raw project id, exact string match,
// written as the transaction memo.
const attachedNoteConvention = "memo: raw project id, exact match"

// SignerClient signs and broadcasts a sponsored transaction.
type SignerClient interface {
	SignAndBroadcast(ctx context.Context, txB64 string) (string, error)
}

// PaymentVerifier settles a payment proof into ledger credit.
type PaymentVerifier interface {
	Verify(ctx context.Context, projectID string, proof *payment.Proof, req payment.Requirement) (*payment.Settlement, error)
}

// Server is the metering gateway: the only debit path into the ledger.
type Server struct {
	ledger   store.LedgerStore
	signer   SignerClient
	verifier PaymentVerifier
	throttle *Throttle
	assets   map[model.Asset]model.AssetInfo
	sponsor  config.SponsorConfig
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewServer(
	sponsor config.SponsorConfig,
	ledger store.LedgerStore,
	signer SignerClient,
	verifier PaymentVerifier,
	throttle *Throttle,
	assets map[model.Asset]model.AssetInfo,
	logger *slog.Logger,
) *Server {
	return &Server{
		ledger:   ledger,
		signer:   signer,
		verifier: verifier,
		throttle: throttle,
		assets:   assets,
		sponsor:  sponsor,
		logger:   logger.With("component", "gateway"),
		tracer:   otel.Tracer("macgas/gateway"),
	}
}

// Handler returns the HTTP handler with the global throttle applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/relay", s.handleRelay)
	mux.HandleFunc("POST /v1/projects", s.registerHandler(model.TierSponsored))
	mux.HandleFunc("POST /v1/projects/payg", s.registerHandler(model.TierPayAsYouGo))
	mux.HandleFunc("GET /v1/projects/{id}/balance", s.handleBalance)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.throttle.Wrap(mux)
}

type relayRequest struct {
	Transaction string `json:"transaction"`
}

type relayResponse struct {
	Signature        string      `json:"signature"`
	FundingSourceUsed model.Asset `json:"fundingSourceUsed"`
	RemainingBalance int64       `json:"remainingBalance"`
}

type shortfallResponse struct {
	RequiredAsset          model.Asset `json:"requiredAsset"`
	ReceivingAddress       string      `json:"receivingAddress"`
	RequiredAmount         int64       `json:"requiredAmount"`
	AttachedNoteConvention string      `json:"attachedNoteConvention"`
	// Signature is set when the transaction was already broadcast but the
	// debit lost to a concurrent spend: the caller's transaction is
	// on-chain and must not be resubmitted.
	Signature string `json:"signature,omitempty"`
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.RelayRequestsTotal.WithLabelValues(outcome).Inc()
		metrics.RelayDuration.Observe(time.Since(start).Seconds())
	}()

	projectID := r.Header.Get(headerProjectID)

	if !s.throttle.AllowRelay(r, projectID) {
		outcome = "throttled"
		s.throttle.RejectRelay(w, r, projectID)
		return
	}

	ctx, span := s.tracer.Start(r.Context(), "gateway.relay",
		trace.WithAttributes(attribute.String("project.id", projectID)))
	defer span.End()

	if projectID == "" {
		outcome = "invalid"
		writeError(w, http.StatusBadRequest, "X-Project-Id header required")
		return
	}

	var req relayRequest
	if !decodeJSONBody(w, r, &req) {
		outcome = "invalid"
		return
	}
	if req.Transaction == "" {
		outcome = "invalid"
		writeError(w, http.StatusBadRequest, "transaction is required")
		return
	}
	if _, err := base64.StdEncoding.DecodeString(req.Transaction); err != nil {
		outcome = "invalid"
		writeError(w, http.StatusBadRequest, "transaction must be base64")
		return
	}

	project, err := s.ledger.Get(ctx, projectID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			outcome = "not_found"
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.logger.Error("project lookup failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !project.Active {
		outcome = "inactive"
		writeError(w, http.StatusForbidden, "project inactive")
		return
	}

	policy := model.PolicyForTier(project.Tier)
	source, covered := policy.SelectSource(project.Balances, s.sponsor.UnitCostLamports)

	// One shot at covering the shortfall with an attached payment proof.
	if !covered {
		proof, ok := s.decodePaymentProof(w, r)
		if !ok {
			outcome = "invalid"
			return
		}
		if proof != nil {
			settled, ok := s.settleProof(ctx, w, projectID, policy, proof)
			if !ok {
				outcome = "payment_rejected"
				return
			}
			span.AddEvent("payment settled", trace.WithAttributes(
				attribute.String("reference", settled.Reference)))

			project, err = s.ledger.Get(ctx, projectID)
			if err != nil {
				s.logger.Error("project reload failed", "project_id", projectID, "error", err)
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			source, covered = policy.SelectSource(project.Balances, s.sponsor.UnitCostLamports)
		}
	}

	if !covered {
		// A normal terminal outcome, not an error.
		outcome = "shortfall"
		metrics.FundingShortfallsTotal.Inc()
		writeJSON(w, http.StatusPaymentRequired, s.shortfall(policy))
		return
	}

	// The signer round trip happens with no ledger lock held; the debit
	// below re-validates the balance.
	signature, err := s.signer.SignAndBroadcast(ctx, req.Transaction)
	if err != nil {
		outcome = "upstream_error"
		s.writeUpstreamError(w, projectID, err)
		return
	}

	if err := s.ledger.Debit(ctx, projectID, source, s.sponsor.UnitCostLamports, signature); err != nil {
		if errors.Is(err, model.ErrInsufficientBalance) {
			// A concurrent spend drained the source between selection and
			// commit. The transaction is already on-chain and goes uncharged.
			outcome = "shortfall"
			metrics.FundingShortfallsTotal.Inc()
			s.logger.Warn("broadcast succeeded but debit failed",
				"project_id", projectID,
				"asset", source,
				"signature", signature,
			)
			body := s.shortfall(policy)
			body.Signature = signature
			writeJSON(w, http.StatusPaymentRequired, body)
			return
		}
		s.logger.Error("debit failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	metrics.RelayDebitsTotal.WithLabelValues(string(source)).Inc()
	outcome = "relayed"

	remaining := int64(0)
	if updated, err := s.ledger.Get(ctx, projectID); err == nil {
		remaining = updated.BalanceOf(source)
	}

	s.logger.Info("transaction relayed",
		"project_id", projectID,
		"asset", source,
		"signature", signature,
		"unit_cost", s.sponsor.UnitCostLamports,
	)
	writeJSON(w, http.StatusOK, relayResponse{
		Signature:        signature,
		FundingSourceUsed: source,
		RemainingBalance: remaining,
	})
}

// decodePaymentProof parses the optional X-Payment header (base64 JSON).
// An absent header yields (nil, true); a malformed header writes the error
// response and yields (nil, false).
func (s *Server) decodePaymentProof(w http.ResponseWriter, r *http.Request) (*payment.Proof, bool) {
	raw := r.Header.Get(headerPayment)
	if raw == "" {
		return nil, true
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "X-Payment header must be base64")
		return nil, false
	}
	var proof payment.Proof
	if err := json.Unmarshal(decoded, &proof); err != nil {
		writeError(w, http.StatusBadRequest, "X-Payment header must be base64 JSON")
		return nil, false
	}
	return &proof, true
}

// settleProof runs the payment verifier against a batch-sized requirement in
// the policy's payment asset. Returns false with the response written on
// failure.
func (s *Server) settleProof(ctx context.Context, w http.ResponseWriter, projectID string, policy model.FundingPolicy, proof *payment.Proof) (*payment.Settlement, bool) {
	sources := policy.Sources()
	asset := sources[len(sources)-1]
	info := s.assets[asset]

	req := payment.NewRequirement(asset, info, s.sponsor.WalletAddress, s.sponsor.PaymentBatchUnits, s.sponsor.UnitCostLamports)
	settlement, err := s.verifier.Verify(ctx, projectID, proof, req)
	if err != nil {
		var verificationErr *model.PaymentVerificationError
		if errors.As(err, &verificationErr) {
			writeError(w, http.StatusPaymentRequired, verificationErr.Error())
			return nil, false
		}
		var validationErr *model.ValidationError
		if errors.As(err, &validationErr) {
			writeError(w, http.StatusBadRequest, validationErr.Error())
			return nil, false
		}
		s.logger.Error("payment settlement failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusBadGateway, "payment settlement failed")
		return nil, false
	}
	return settlement, true
}

// shortfall builds the funding instructions for the policy's first source.
func (s *Server) shortfall(policy model.FundingPolicy) shortfallResponse {
	required := policy.Sources()[0]
	return shortfallResponse{
		RequiredAsset:          required,
		ReceivingAddress:       s.sponsor.WalletAddress,
		RequiredAmount:         s.sponsor.UnitCostLamports,
		AttachedNoteConvention: attachedNoteConvention,
	}
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, projectID string, err error) {
	var upstream *model.UpstreamError
	if errors.As(err, &upstream) {
		metrics.SignerErrorsTotal.WithLabelValues(string(upstream.Stage)).Inc()
		s.logger.Error("signer call failed",
			"project_id", projectID,
			"stage", upstream.Stage,
			"error", upstream.Err,
		)
		writeError(w, http.StatusBadGateway, upstream.Error())
		return
	}
	s.logger.Error("signer call failed", "project_id", projectID, "error", err)
	writeError(w, http.StatusBadGateway, "upstream signing error")
}

type registerRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Website string `json:"website,omitempty"`
}

type registerResponse struct {
	ProjectID string `json:"projectId"`
}

func (s *Server) registerHandler(tier model.Tier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}

		project := &model.Project{
			ID:      uuid.NewString(),
			Name:    req.Name,
			Email:   req.Email,
			Website: req.Website,
			Tier:    tier,
			Active:  true,
		}
		if err := s.ledger.Create(r.Context(), project); err != nil {
			s.logger.Error("project registration failed", "name", req.Name, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		metrics.ProjectsRegisteredTotal.WithLabelValues(string(tier)).Inc()
		s.logger.Info("project registered",
			"project_id", project.ID,
			"name", project.Name,
			"tier", tier,
		)
		writeJSON(w, http.StatusCreated, registerResponse{ProjectID: project.ID})
	}
}

type balanceResponse struct {
	Balances             map[model.Asset]int64 `json:"balances"`
	EstimatedRemainingTxs int64                `json:"estimatedRemainingTxs"`
	TotalTxCount         int64                 `json:"totalTxCount"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	project, err := s.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.logger.Error("balance lookup failed", "project_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var spendable int64
	for _, asset := range model.PolicyForTier(project.Tier).Sources() {
		spendable += project.BalanceOf(asset)
	}
	remaining := int64(0)
	if s.sponsor.UnitCostLamports > 0 {
		remaining = spendable / s.sponsor.UnitCostLamports
	}

	balances := project.Balances
	if balances == nil {
		balances = map[model.Asset]int64{}
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Balances:             balances,
		EstimatedRemainingTxs: remaining,
		TotalTxCount:         project.TotalTxCount,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

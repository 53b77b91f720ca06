package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/edge-gateway/internal/gateway"
	"github.com/example/edge-gateway/internal/httperr"
	"github.com/example/edge-gateway/internal/metrics"
	"github.com/example/edge-gateway/internal/models"
	"github.com/example/edge-gateway/internal/webhook"
)

const (
	kycForwardCommand  = "paystack.kyc.webhook"
	kycTargetService   = "validation"
	healthPingTimeout  = 3 * time.Second
	maxWebhookBodySize = 1 << 20 // 1 MiB
)

// Sender is the gateway surface the HTTP edge forwards through.
type Sender interface {
	Send(ctx context.Context, service string, cmd models.Command, payload any, opts ...gateway.CallOption) (json.RawMessage, error)
	Ping(ctx context.Context, service string) gateway.PingResult
}

// VerifierConfig selects the signature scheme, secret and header for one
// webhook provider.
type VerifierConfig struct {
	Provider        string
	Scheme          webhook.Scheme
	Secret          string
	SignatureHeader string
}

// Handler implements the webhook ingestion and health endpoints.
type Handler struct {
	sender    Sender
	transfers *webhook.Router
	transfer  VerifierConfig
	kyc       VerifierConfig
	services  []string
	logger    zerolog.Logger
}

// NewHandler wires the HTTP edge. services is the list of registered
// backend names probed by the health endpoint.
func NewHandler(sender Sender, transfers *webhook.Router, transfer, kyc VerifierConfig, services []string, logger zerolog.Logger) *Handler {
	return &Handler{
		sender:    sender,
		transfers: transfers,
		transfer:  transfer,
		kyc:       kyc,
		services:  services,
		logger:    logger,
	}
}

// transferWebhookBody is the minimal shape required of a transfer event.
// The full payload is forwarded verbatim; only event and data.id gate
// acceptance.
type transferWebhookBody struct {
	Event string `json:"event"`
	Data  struct {
		ID string `json:"id"`
	} `json:"data"`
}

// HandleTransferWebhook ingests crypto transfer events. A validly signed,
// parseable payload is always acknowledged with 200 regardless of the
// forwarding outcome; non-2xx responses here trigger provider retry storms.
func (h *Handler) HandleTransferWebhook(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readAndVerify(w, r, h.transfer, http.StatusUnauthorized)
	if !ok {
		return
	}

	var body transferWebhookBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Event == "" || body.Data.ID == "" {
		metrics.IncWebhookEvent(h.transfer.Provider, "invalid_payload")
		h.logger.Error().Str("provider", h.transfer.Provider).Msg("webhook payload missing event or data.id")
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"statusCode": http.StatusBadRequest,
			"message":    "invalid webhook payload",
			"status":     "error",
		})
		return
	}

	outcome := h.transfers.Route(r.Context(), body.Event, json.RawMessage(raw))
	if outcome.Ignored {
		writeJSON(w, http.StatusOK, map[string]any{"ignored": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": outcome.Forwarded})
}

// HandleKYCWebhook ingests KYC verification events and forwards them to the
// validation service, relaying the backend's reply or the normalized error.
func (h *Handler) HandleKYCWebhook(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readAndVerify(w, r, h.kyc, http.StatusForbidden)
	if !ok {
		return
	}

	reply, err := h.sender.Send(r.Context(), kycTargetService, models.Command{Cmd: kycForwardCommand}, json.RawMessage(raw))
	if err != nil {
		metrics.IncWebhookEvent(h.kyc.Provider, "forward_failed")
		httperr.Write(w, h.logger, err)
		return
	}

	metrics.IncWebhookEvent(h.kyc.Provider, "forwarded")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(reply) > 0 {
		_, _ = w.Write(reply)
	} else {
		_, _ = w.Write([]byte(`{"success":true}`))
	}
}

// healthResponse aggregates per-service probe results.
type healthResponse struct {
	Status   string               `json:"status"`
	Services []gateway.PingResult `json:"services"`
}

// HandleHealth pings every registered backend. Probes never raise; a
// degraded backend shows up as its ping status.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	for _, service := range h.services {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		result := h.sender.Ping(ctx, service)
		cancel()
		if result.Status != "ok" {
			resp.Status = "degraded"
		}
		resp.Services = append(resp.Services, result)
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// readAndVerify reads the untouched wire bytes and checks the provider
// signature over them. The raw bytes are the only input ever given to
// verification; re-serializing the parsed payload would break the HMAC.
// rejectCode is the status returned for caller-attributable signature
// failures; a missing secret is an operator fault and maps to 500 instead.
func (h *Handler) readAndVerify(w http.ResponseWriter, r *http.Request, cfg VerifierConfig, rejectCode int) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"statusCode": http.StatusBadRequest,
			"message":    "unreadable request body",
			"status":     "error",
		})
		return nil, false
	}

	sig := r.Header.Get(cfg.SignatureHeader)
	switch err := webhook.Verify(cfg.Scheme, cfg.Secret, raw, sig); {
	case err == nil:
		return raw, true
	case errors.Is(err, webhook.ErrMissingSecret):
		metrics.IncWebhookEvent(cfg.Provider, "misconfigured")
		h.logger.Error().Str("provider", cfg.Provider).Msg("webhook secret not configured")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"statusCode": http.StatusInternalServerError,
			"message":    "server misconfiguration",
			"status":     "error",
		})
		return nil, false
	default:
		metrics.IncWebhookEvent(cfg.Provider, "rejected")
		h.logger.Error().Err(err).Str("provider", cfg.Provider).Msg("webhook signature rejected")
		writeJSON(w, rejectCode, map[string]any{
			"statusCode": rejectCode,
			"message":    "invalid webhook signature",
			"status":     "error",
		})
		return nil, false
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

/**
 * @description
 * This file contains the HTTP handlers for the escrow-audit-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - github.com/google/uuid: anchor identifier parsing.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 * - pkg/gatewayclient: gateway error taxonomy.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sponsorlink/escrow-audit-service/internal/app"
	"github.com/sponsorlink/escrow-audit-service/internal/domain"
	"github.com/sponsorlink/escrow-audit-service/internal/store"
	"github.com/sponsorlink/escrow-audit-service/internal/vault"
	"github.com/sponsorlink/escrow-audit-service/pkg/gatewayclient"
)

const (
	maxWebhookBodyBytes = 1 << 20

	rateLimitScopeWebhook  = "webhook"
	rateLimitScopeValidate = "validate"
)

// EscrowHandlers holds the application components that handlers will use.
type EscrowHandlers struct {
	service  *app.Service
	verifier *app.Verifier
	batcher  *app.Batcher

	limiter         *app.RedisRateLimiter
	rateLimit       int
	rateLimitWindow time.Duration
}

// NewEscrowHandlers creates a new instance of EscrowHandlers. The limiter may
// be nil, in which case rate limiting is disabled.
func NewEscrowHandlers(service *app.Service, verifier *app.Verifier, batcher *app.Batcher, limiter *app.RedisRateLimiter, rateLimit int, rateLimitWindow time.Duration) *EscrowHandlers {
	return &EscrowHandlers{
		service:         service,
		verifier:        verifier,
		batcher:         batcher,
		limiter:         limiter,
		rateLimit:       rateLimit,
		rateLimitWindow: rateLimitWindow,
	}
}

// CreateHoldHandler handles requests to initiate an escrow hold.
func (h *EscrowHandlers) CreateHoldHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	record, err := h.service.CreateHold(r.Context(), req)
	if err != nil {
		h.writeEscrowError(w, "create_hold", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, record)
}

// CreateReleaseHandler handles requests to initiate an escrow release.
func (h *EscrowHandlers) CreateReleaseHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	record, err := h.service.CreateRelease(r.Context(), req)
	if err != nil {
		h.writeEscrowError(w, "create_release", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, record)
}

// GetEscrowHandler returns a single escrow record by tx uid.
func (h *EscrowHandlers) GetEscrowHandler(w http.ResponseWriter, r *http.Request) {
	txUID := chi.URLParam(r, "txUid")

	record, err := h.service.Get(r.Context(), txUID)
	if err != nil {
		if errors.Is(err, store.ErrEscrowNotFound) {
			h.writeError(w, http.StatusNotFound, "Escrow record not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_escrow tx_uid=%s err=%v", txUID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load escrow record")
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// GatewayWebhookHandler ingests provider callbacks. A processed payload is
// always acknowledged with 200 so the provider stops retrying; a settlement
// failure is reported in the acknowledgement body, not the status code.
func (h *EscrowHandlers) GatewayWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if !h.allowRequest(w, r, rateLimitScopeWebhook) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	ack, err := h.service.ApplyWebhook(r.Context(), body)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrMalformedWebhook):
			h.writeError(w, http.StatusBadRequest, "Malformed webhook payload")
		case errors.Is(err, store.ErrEscrowNotFound):
			h.writeError(w, http.StatusNotFound, "No escrow record matches the callback")
		case errors.Is(err, app.ErrAlreadyFinalized):
			h.writeError(w, http.StatusConflict, "Escrow record already finalized with a different outcome")
		default:
			log.Printf("level=error component=api endpoint=gateway_webhook err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Unable to process webhook")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, ack)
}

// ValidateHandler compares locally supplied proof hashes against the digest
// embedded in an anchor transaction on the ledger.
func (h *EscrowHandlers) ValidateHandler(w http.ResponseWriter, r *http.Request) {
	if !h.allowRequest(w, r, rateLimitScopeValidate) {
		return
	}

	var req domain.ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.verifier.VerifyAgainstChain(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidHashFormat), errors.Is(err, app.ErrNoHashesToCompare):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrLedgerTxNotFound):
			h.writeError(w, http.StatusNotFound, "Ledger transaction not found")
		case errors.Is(err, vault.ErrKeyNotConfigured):
			h.writeError(w, http.StatusInternalServerError, "Encrypted export is not configured")
		default:
			log.Printf("level=error component=api endpoint=validate err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Verification failed")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type createAnchorRequest struct {
	Limit int `json:"limit"`
}

// CreateAnchorHandler triggers an anchoring run on demand.
func (h *EscrowHandlers) CreateAnchorHandler(w http.ResponseWriter, r *http.Request) {
	var req createAnchorRequest
	if r.Body != nil {
		// The body is optional; a missing or empty body uses the default limit.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	result, err := h.batcher.BatchAndAnchor(r.Context(), req.Limit)
	if err != nil {
		log.Printf("level=error component=api endpoint=create_anchor err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Anchoring run failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// GetAnchorHandler returns a persisted anchor by its identifier.
func (h *EscrowHandlers) GetAnchorHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid anchor ID")
		return
	}

	anchor, err := h.batcher.AnchorByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrAnchorNotFound) {
			h.writeError(w, http.StatusNotFound, "Anchor not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_anchor anchor_id=%s err=%v", id, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load anchor")
		return
	}
	h.writeJSON(w, http.StatusOK, anchor)
}

// writeEscrowError maps creation errors onto the documented status codes.
func (h *EscrowHandlers) writeEscrowError(w http.ResponseWriter, endpoint string, err error) {
	var gatewayErr *gatewayclient.GatewayError
	switch {
	case errors.Is(err, app.ErrMissingTxUID),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrMissingPayer):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrDuplicateTxUID):
		h.writeError(w, http.StatusConflict, "An escrow record with this tx uid already exists")
	case errors.Is(err, gatewayclient.ErrSettlementConfig):
		h.writeError(w, http.StatusInternalServerError, "Settlement credentials are not configured")
	case errors.As(err, &gatewayErr):
		log.Printf("level=error component=api endpoint=%s msg=\"gateway rejected request\" op=%s status=%d", endpoint, gatewayErr.Op, gatewayErr.StatusCode)
		h.writeError(w, http.StatusInternalServerError, "Payment gateway rejected the request")
	default:
		log.Printf("level=error component=api endpoint=%s err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to process request")
	}
}

// allowRequest applies the distributed rate limit for the scope. A limiter
// failure fails open; throttling is best-effort protection, not correctness.
func (h *EscrowHandlers) allowRequest(w http.ResponseWriter, r *http.Request, scope string) bool {
	if h.limiter == nil || h.rateLimit <= 0 {
		return true
	}

	count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), scope, clientIP(r), h.rateLimit, h.rateLimitWindow)
	if err != nil {
		log.Printf("level=warn component=api msg=\"rate limiter unavailable\" scope=%s err=%v", scope, err)
		return true
	}
	if count > h.rateLimit {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests")
		return false
	}
	return true
}

// writeJSON is a helper for writing JSON responses.
func (h *EscrowHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *EscrowHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

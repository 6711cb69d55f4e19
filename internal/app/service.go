/**
 * @description
 * This file contains the core business logic for the escrow-audit-service. The
 * `Service` struct owns the escrow state machine: it creates HOLD/RELEASE
 * records, applies gateway webhooks, and keeps the audit proof hash in step
 * with every persisted mutation.
 *
 * Key features:
 * - Implements the main use cases: hold creation, release creation, webhook
 *   application, and record retrieval.
 * - Enforces the PENDING -> {SUCCESS, FAILED} state machine with a persisted
 *   compare-and-swap so duplicate webhook deliveries transition exactly once.
 * - Triggers a settlement transfer exactly once when a HOLD succeeds; the
 *   webhook acknowledgement never fails because of a settlement error.
 * - Publishes escrow status events to RabbitMQ for asynchronous consumers.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/shopspring/decimal: exact amount arithmetic.
 * - internal/canonical, internal/domain, internal/store: hashing, models, data access.
 * - pkg/gatewayclient, pkg/rabbitmq: external service communication.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sponsorlink/escrow-audit-service/internal/canonical"
	"github.com/sponsorlink/escrow-audit-service/internal/domain"
	"github.com/sponsorlink/escrow-audit-service/internal/store"
	"github.com/sponsorlink/escrow-audit-service/pkg/gatewayclient"
	"github.com/sponsorlink/escrow-audit-service/pkg/rabbitmq"
)

var (
	ErrMissingTxUID     = errors.New("tx uid is required")
	ErrInvalidAmount    = errors.New("amount must be strictly positive")
	ErrMissingPayer     = errors.New("payer address is required")
	ErrMalformedWebhook = errors.New("webhook payload is malformed")
	// ErrAlreadyFinalized is returned when a webhook asserts a terminal
	// status that conflicts with the one already persisted. A duplicate
	// delivery of the same outcome is treated as an idempotent replay
	// instead.
	ErrAlreadyFinalized = errors.New("escrow record already finalized")
)

const defaultCurrency = "KES"

// GatewayClient is the subset of the payment gateway client the ledger needs.
type GatewayClient interface {
	InitiateHold(ctx context.Context, amount decimal.Decimal, payerAddress, reference, description string) (*gatewayclient.HoldResponse, error)
	InitiateSettlement(ctx context.Context, amount decimal.Decimal, receiverAddress, reference, remarks string) (*gatewayclient.SettlementResponse, error)
}

// Service provides the core business logic for escrow auditing.
type Service struct {
	repo               store.Repository
	gateway            GatewayClient
	eventProducer      rabbitmq.Publisher
	settlementReceiver string
	now                func() time.Time
}

// NewService creates a new escrow service instance. settlementReceiver is the
// payout address used when a successful HOLD triggers a settlement transfer.
func NewService(repo store.Repository, gateway GatewayClient, producer rabbitmq.Publisher, settlementReceiver string) *Service {
	return &Service{
		repo:               repo,
		gateway:            gateway,
		eventProducer:      producer,
		settlementReceiver: settlementReceiver,
		now:                time.Now,
	}
}

// CreateHold validates the request, initiates the hold at the gateway, and
// persists a PENDING escrow record carrying the gateway's raw acknowledgement.
// Local validation failures never reach the gateway.
func (s *Service) CreateHold(ctx context.Context, req domain.CreateHoldRequest) (*domain.EscrowRecord, error) {
	txUID := strings.ToLower(strings.TrimSpace(req.TxUID))
	if txUID == "" {
		return nil, ErrMissingTxUID
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	payer := strings.TrimSpace(req.PayerAddress)
	if payer == "" {
		return nil, ErrMissingPayer
	}
	if _, err := s.repo.GetEscrowRecord(ctx, txUID); err == nil {
		return nil, store.ErrDuplicateTxUID
	} else if !errors.Is(err, store.ErrEscrowNotFound) {
		return nil, err
	}

	record := s.newRecord(txUID, domain.EscrowTypeHold, req.Amount, req.Currency, "")

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = txUID
	}
	ack, err := s.gateway.InitiateHold(ctx, record.Amount, payer, reference, req.Description)
	if err != nil {
		return nil, err
	}

	record.CorrelationID = ack.CheckoutRequestID
	record.RequestMeta = marshalRequestMeta(map[string]interface{}{
		"payer_address": payer,
		"reference":     reference,
		"description":   req.Description,
		"gateway_ack":   json.RawMessage(ack.Raw),
	})

	if err := s.repo.CreateEscrowRecord(ctx, record); err != nil {
		return nil, err
	}
	log.Printf("level=info component=escrow_service op=create_hold tx_uid=%s correlation_id=%s", record.TxUID, record.CorrelationID)
	return record, nil
}

// CreateRelease validates the request, initiates the disbursement at the
// gateway, and persists a PENDING RELEASE record.
func (s *Service) CreateRelease(ctx context.Context, req domain.CreateReleaseRequest) (*domain.EscrowRecord, error) {
	txUID := strings.ToLower(strings.TrimSpace(req.TxUID))
	if txUID == "" {
		return nil, ErrMissingTxUID
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if _, err := s.repo.GetEscrowRecord(ctx, txUID); err == nil {
		return nil, store.ErrDuplicateTxUID
	} else if !errors.Is(err, store.ErrEscrowNotFound) {
		return nil, err
	}

	record := s.newRecord(txUID, domain.EscrowTypeRelease, req.Amount, req.Currency, req.GatewayRef)

	receiver := strings.TrimSpace(req.ReceiverAddress)
	if receiver == "" {
		receiver = s.settlementReceiver
	}
	ack, err := s.gateway.InitiateSettlement(ctx, record.Amount, receiver, txUID, "escrow release "+txUID)
	if err != nil {
		return nil, err
	}

	record.CorrelationID = ack.ConversationID
	record.RequestMeta = marshalRequestMeta(map[string]interface{}{
		"receiver_address": receiver,
		"gateway_ack":      json.RawMessage(ack.Raw),
	})

	if err := s.repo.CreateEscrowRecord(ctx, record); err != nil {
		return nil, err
	}
	log.Printf("level=info component=escrow_service op=create_release tx_uid=%s correlation_id=%s", record.TxUID, record.CorrelationID)
	return record, nil
}

// Get retrieves an escrow record by tx uid.
func (s *Service) Get(ctx context.Context, txUID string) (*domain.EscrowRecord, error) {
	return s.repo.GetEscrowRecord(ctx, txUID)
}

// ApplyWebhook normalizes a provider callback, applies the terminal
// transition exactly once, recomputes the proof hash, and on a successful
// HOLD triggers the settlement transfer. Settlement failures are reported in
// the acknowledgement body, never as a failed webhook.
func (s *Service) ApplyWebhook(ctx context.Context, rawPayload []byte) (*domain.WebhookAck, error) {
	result, err := normalizeWebhook(rawPayload)
	if err != nil {
		return nil, err
	}

	var record *domain.EscrowRecord
	if result.TxUID != "" {
		record, err = s.repo.GetEscrowRecord(ctx, result.TxUID)
	} else {
		record, err = s.repo.FindEscrowByCorrelationID(ctx, result.correlationID)
	}
	if err != nil {
		return nil, err
	}

	if record.IsTerminal() {
		return s.replayOrConflict(record, result)
	}

	completedAt := s.now().UTC().Truncate(time.Second)
	updated := *record
	updated.Status = result.Status
	updated.GatewayRef = strings.ToLower(result.GatewayRef)
	updated.CompletedAt = &completedAt
	updated.AuditProofHash = canonical.ProofHash(&updated)
	updated.ResponseMeta = json.RawMessage(rawPayload)

	won, err := s.repo.FinalizeEscrowRecord(ctx, store.FinalizeEscrowParams{
		TxUID:          updated.TxUID,
		Status:         updated.Status,
		GatewayRef:     updated.GatewayRef,
		CompletedAt:    completedAt,
		AuditProofHash: updated.AuditProofHash,
		ResponseMeta:   updated.ResponseMeta,
	})
	if err != nil {
		return nil, err
	}
	if !won {
		// A concurrent delivery finalized the record first; re-read and
		// fall back to the replay policy.
		current, err := s.repo.GetEscrowRecord(ctx, updated.TxUID)
		if err != nil {
			return nil, err
		}
		return s.replayOrConflict(current, result)
	}

	log.Printf("level=info component=escrow_service op=apply_webhook tx_uid=%s status=%s gateway_ref=%s", updated.TxUID, updated.Status, updated.GatewayRef)
	s.publishStatusEvent(ctx, &updated)

	ack := &domain.WebhookAck{Record: &updated}
	if updated.Type == domain.EscrowTypeHold && updated.Status == domain.EscrowStatusSuccess {
		if settleErr := s.triggerSettlement(ctx, &updated); settleErr != nil {
			// The persisted transition stands; the settlement failure is
			// surfaced to the caller and recorded for forensics.
			log.Printf("level=error component=escrow_service op=settlement tx_uid=%s err=%v", updated.TxUID, settleErr)
			ack.SettlementError = settleErr.Error()
		}
	}
	return ack, nil
}

// replayOrConflict applies the documented terminal-replay policy: a duplicate
// delivery asserting the same status and a matching (or absent) gateway ref
// is acknowledged as an idempotent replay; anything else is rejected.
func (s *Service) replayOrConflict(record *domain.EscrowRecord, result *normalizedWebhook) (*domain.WebhookAck, error) {
	sameStatus := record.Status == result.Status
	sameRef := result.GatewayRef == "" || strings.EqualFold(record.GatewayRef, result.GatewayRef)
	if sameStatus && sameRef {
		return &domain.WebhookAck{Record: record, Replayed: true}, nil
	}
	return nil, ErrAlreadyFinalized
}

func (s *Service) triggerSettlement(ctx context.Context, record *domain.EscrowRecord) error {
	ack, err := s.gateway.InitiateSettlement(ctx, record.Amount, s.settlementReceiver, record.TxUID, "escrow settlement "+record.TxUID)
	if err != nil {
		return err
	}
	meta := marshalRequestMeta(map[string]interface{}{
		"callback":       json.RawMessage(record.ResponseMeta),
		"settlement_ack": json.RawMessage(ack.Raw),
	})
	if err := s.repo.AttachResponseMeta(ctx, record.TxUID, meta); err != nil {
		log.Printf("level=warn component=escrow_service msg=\"settlement ack not recorded\" tx_uid=%s err=%v", record.TxUID, err)
	}
	return nil
}

func (s *Service) publishStatusEvent(ctx context.Context, record *domain.EscrowRecord) {
	if s.eventProducer == nil {
		return
	}
	event := domain.EscrowStatusEvent{
		TxUID:          record.TxUID,
		Type:           record.Type,
		Status:         record.Status,
		Currency:       record.Currency,
		Amount:         record.Amount.StringFixed(2),
		GatewayRef:     record.GatewayRef,
		AuditProofHash: record.AuditProofHash,
		OccurredAt:     s.now().UTC(),
	}
	if err := s.eventProducer.PublishEscrowStatusEvent(ctx, event); err != nil {
		log.Printf("level=warn component=escrow_service msg=\"status event publish failed\" tx_uid=%s err=%v", record.TxUID, err)
	}
}

func (s *Service) newRecord(txUID, escrowType string, amount decimal.Decimal, currency, gatewayRef string) *domain.EscrowRecord {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = defaultCurrency
	}
	record := &domain.EscrowRecord{
		TxUID:       txUID,
		Type:        escrowType,
		Amount:      amount,
		Currency:    currency,
		Status:      domain.EscrowStatusPending,
		RequestedAt: s.now().UTC().Truncate(time.Second),
		GatewayRef:  strings.ToLower(strings.TrimSpace(gatewayRef)),
	}
	record.AuditProofHash = canonical.ProofHash(record)
	return record
}

func marshalRequestMeta(meta map[string]interface{}) json.RawMessage {
	body, err := json.Marshal(meta)
	if err != nil {
		log.Printf("level=warn component=escrow_service msg=\"request meta marshal failed\" err=%v", err)
		return nil
	}
	return body
}

// normalizedWebhook is the internal reduction of any supported callback shape.
type normalizedWebhook struct {
	TxUID         string
	Status        string
	GatewayRef    string
	ResultDesc    string
	correlationID string
}

// simpleWebhookPayload is the flat shape used by internal callers and tests.
type simpleWebhookPayload struct {
	TxUID      string `json:"tx_uid"`
	Status     string `json:"status"`
	GatewayRef string `json:"gateway_ref"`
}

// nativeWebhookPayload mirrors the provider's nested push-payment callback.
type nativeWebhookPayload struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// normalizeWebhook reduces either supported payload shape to a normalized
// result. Result code 0 means SUCCESS; any other code means FAILED.
func normalizeWebhook(rawPayload []byte) (*normalizedWebhook, error) {
	var simple simpleWebhookPayload
	if err := json.Unmarshal(rawPayload, &simple); err == nil && strings.TrimSpace(simple.TxUID) != "" {
		status := strings.ToUpper(strings.TrimSpace(simple.Status))
		if status != domain.EscrowStatusSuccess && status != domain.EscrowStatusFailed {
			return nil, fmt.Errorf("%w: unsupported status %q", ErrMalformedWebhook, simple.Status)
		}
		return &normalizedWebhook{
			TxUID:      strings.ToLower(strings.TrimSpace(simple.TxUID)),
			Status:     status,
			GatewayRef: strings.TrimSpace(simple.GatewayRef),
		}, nil
	}

	var native nativeWebhookPayload
	if err := json.Unmarshal(rawPayload, &native); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	cb := native.Body.StkCallback
	if cb.CheckoutRequestID == "" || cb.ResultCode == nil {
		return nil, fmt.Errorf("%w: missing correlation id or result code", ErrMalformedWebhook)
	}

	status := domain.EscrowStatusFailed
	if *cb.ResultCode == 0 {
		status = domain.EscrowStatusSuccess
	}

	var gatewayRef string
	for _, item := range cb.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			if ref, ok := item.Value.(string); ok {
				gatewayRef = ref
			}
		}
	}

	return &normalizedWebhook{
		Status:        status,
		GatewayRef:    gatewayRef,
		ResultDesc:    cb.ResultDesc,
		correlationID: cb.CheckoutRequestID,
	}, nil
}

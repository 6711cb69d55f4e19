/**
 * @description
 * This file defines the core domain models for the escrow-audit-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and external service
 *   payloads ensures clear separation of concerns and type safety.
 * - Amounts are carried as `decimal.Decimal` to avoid floating-point inaccuracies;
 *   the canonical audit representation always renders them with exactly two
 *   decimal places.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Escrow operation types.
const (
	EscrowTypeHold    = "HOLD"
	EscrowTypeRelease = "RELEASE"
)

// Escrow record statuses. PENDING is the only non-terminal state.
const (
	EscrowStatusPending = "PENDING"
	EscrowStatusSuccess = "SUCCESS"
	EscrowStatusFailed  = "FAILED"
)

// EscrowRecord is the unit of financial audit. It maps directly to the
// `escrow_records` table. TxUID is caller-supplied and is the primary key;
// it is stored lowercase.
type EscrowRecord struct {
	TxUID         string          `json:"tx_uid"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	RequestedAt   time.Time       `json:"requested_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	GatewayRef    string          `json:"gateway_ref"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	// AuditProofHash is the SHA-256 digest of the record's canonical form.
	// It is recomputed on every tracked-field mutation before persistence.
	AuditProofHash string `json:"audit_proof_hash"`
	// RequestMeta and ResponseMeta capture the raw outbound request and the
	// raw inbound callback for forensic replay. They never enter the hash.
	RequestMeta  json.RawMessage `json:"request_meta,omitempty"`
	ResponseMeta json.RawMessage `json:"response_meta,omitempty"`
}

// IsTerminal reports whether the record has reached a final status.
func (r *EscrowRecord) IsTerminal() bool {
	return r.Status == EscrowStatusSuccess || r.Status == EscrowStatusFailed
}

// Anchor is a batch commitment: one ledger transaction whose payload commits
// to a set of proof hashes via a single aggregate digest.
type Anchor struct {
	ID              uuid.UUID `json:"id"`
	IncludedHashes  []string  `json:"included_hashes"`
	AggregateDigest string    `json:"aggregate_digest"`
	LedgerTxRef     string    `json:"ledger_tx_ref"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateHoldRequest is the DTO for incoming hold creation API requests.
type CreateHoldRequest struct {
	TxUID        string          `json:"tx_uid"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency,omitempty"`
	PayerAddress string          `json:"payer_address"`
	Reference    string          `json:"reference,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// CreateReleaseRequest is the DTO for incoming release creation API requests.
type CreateReleaseRequest struct {
	TxUID           string          `json:"tx_uid"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency,omitempty"`
	ReceiverAddress string          `json:"receiver_address,omitempty"`
	GatewayRef      string          `json:"gateway_ref,omitempty"`
}

// WebhookAck is the response body returned to the gateway. SettlementError
// is populated when a downstream settlement trigger failed; the HTTP status
// is still 200 so the provider does not retry-storm the endpoint.
type WebhookAck struct {
	Record          *EscrowRecord `json:"record"`
	Replayed        bool          `json:"replayed,omitempty"`
	SettlementError string        `json:"settlement_error,omitempty"`
}

// ValidateRequest is the DTO for the audit validation endpoint.
type ValidateRequest struct {
	LedgerTxHash string   `json:"ledger_tx_hash"`
	ExpectedHash string   `json:"expected_hash,omitempty"`
	Hashes       []string `json:"hashes,omitempty"`
	Export       bool     `json:"export,omitempty"`
}

// HashComparison is one entry of a ComparisonReport.
type HashComparison struct {
	LocalHash string `json:"local_hash"`
	Match     bool   `json:"match"`
}

// ComparisonReport lists, for each locally computed hash, whether it matches
// the digest embedded in the ledger transaction. AllMatch is true only when
// the list is non-empty and every entry matches.
type ComparisonReport struct {
	LedgerTxHash string           `json:"ledger_tx_hash"`
	OnChainHash  string           `json:"on_chain_hash"`
	Comparisons  []HashComparison `json:"comparisons"`
	AllMatch     bool             `json:"all_match"`
}

// AnchorResult summarizes one batching run.
type AnchorResult struct {
	Anchor      *Anchor `json:"anchor,omitempty"`
	RecordCount int     `json:"record_count"`
	Message     string  `json:"message,omitempty"`
}

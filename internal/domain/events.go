package domain

import "time"

// EscrowStatusEvent is the message published to RabbitMQ when an escrow
// record reaches a terminal status. Downstream dashboards consume it.
type EscrowStatusEvent struct {
	TxUID          string    `json:"tx_uid"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Currency       string    `json:"currency"`
	Amount         string    `json:"amount"`
	GatewayRef     string    `json:"gateway_ref,omitempty"`
	AuditProofHash string    `json:"audit_proof_hash"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// AnchorCommittedEvent is published after a batching run successfully
// commits an anchor transaction to the public ledger.
type AnchorCommittedEvent struct {
	AnchorID        string    `json:"anchor_id"`
	AggregateDigest string    `json:"aggregate_digest"`
	LedgerTxRef     string    `json:"ledger_tx_ref"`
	RecordCount     int       `json:"record_count"`
	OccurredAt      time.Time `json:"occurred_at"`
}

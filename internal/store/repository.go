/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the escrow-audit-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/google/uuid: For anchor and claim identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sponsorlink/escrow-audit-service/internal/domain"
)

var (
	ErrDuplicateTxUID = errors.New("escrow record with this tx uid already exists")
	ErrEscrowNotFound = errors.New("escrow record not found")
	ErrAnchorNotFound = errors.New("anchor not found")
)

// FinalizeEscrowParams carries one terminal transition. The update is a
// compare-and-swap: it only applies while the stored status is still PENDING,
// so two concurrent webhook deliveries produce exactly one effective
// transition.
type FinalizeEscrowParams struct {
	TxUID          string
	Status         string
	GatewayRef     string
	CompletedAt    time.Time
	AuditProofHash string
	ResponseMeta   json.RawMessage
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Escrow record methods
	CreateEscrowRecord(ctx context.Context, record *domain.EscrowRecord) error
	GetEscrowRecord(ctx context.Context, txUID string) (*domain.EscrowRecord, error)
	FindEscrowByCorrelationID(ctx context.Context, correlationID string) (*domain.EscrowRecord, error)
	// FinalizeEscrowRecord applies a PENDING -> terminal transition. It
	// returns false (and no error) when the record was no longer PENDING,
	// in which case the caller re-reads and applies its replay policy.
	FinalizeEscrowRecord(ctx context.Context, params FinalizeEscrowParams) (bool, error)
	AttachResponseMeta(ctx context.Context, txUID string, meta json.RawMessage) error

	// Anchor methods
	// ClaimUnanchoredRecords atomically marks up to `limit` terminal,
	// unanchored records (oldest requestedAt first) with the claim id and
	// returns them. Concurrent claims never overlap.
	ClaimUnanchoredRecords(ctx context.Context, claimID uuid.UUID, limit int) ([]domain.EscrowRecord, error)
	ReleaseAnchorClaim(ctx context.Context, claimID uuid.UUID) error
	CreateAnchor(ctx context.Context, anchor *domain.Anchor, claimID uuid.UUID) error
	GetAnchorByID(ctx context.Context, id uuid.UUID) (*domain.Anchor, error)
}

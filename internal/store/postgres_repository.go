/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to escrow records and anchors.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: numeric amount round-tripping.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sponsorlink/escrow-audit-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const escrowColumns = `tx_uid, type, amount::text, currency, status, requested_at, completed_at,
	COALESCE(gateway_ref, ''), COALESCE(correlation_id, ''), audit_proof_hash, request_meta, response_meta`

func scanEscrowRecord(row pgx.Row) (*domain.EscrowRecord, error) {
	var record domain.EscrowRecord
	var amountText string
	err := row.Scan(
		&record.TxUID,
		&record.Type,
		&amountText,
		&record.Currency,
		&record.Status,
		&record.RequestedAt,
		&record.CompletedAt,
		&record.GatewayRef,
		&record.CorrelationID,
		&record.AuditProofHash,
		&record.RequestMeta,
		&record.ResponseMeta,
	)
	if err != nil {
		return nil, err
	}
	record.Amount, err = decimal.NewFromString(amountText)
	if err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", amountText, err)
	}
	return &record, nil
}

// CreateEscrowRecord inserts a new escrow record. A duplicate tx_uid surfaces
// as ErrDuplicateTxUID.
func (r *PostgresRepository) CreateEscrowRecord(ctx context.Context, record *domain.EscrowRecord) error {
	query := `
		INSERT INTO escrow_records (
			tx_uid, type, amount, currency, status, requested_at,
			gateway_ref, correlation_id, audit_proof_hash, request_meta
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Exec(ctx, query,
		strings.ToLower(record.TxUID),
		record.Type,
		record.Amount.String(),
		strings.ToUpper(record.Currency),
		record.Status,
		record.RequestedAt,
		record.GatewayRef,
		record.CorrelationID,
		record.AuditProofHash,
		record.RequestMeta,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTxUID
		}
		return fmt.Errorf("insert escrow record: %w", err)
	}
	return nil
}

// GetEscrowRecord retrieves an escrow record by its tx uid.
func (r *PostgresRepository) GetEscrowRecord(ctx context.Context, txUID string) (*domain.EscrowRecord, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_records WHERE tx_uid = lower(btrim($1))`
	record, err := scanEscrowRecord(r.db.QueryRow(ctx, query, txUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return record, nil
}

// FindEscrowByCorrelationID resolves a record from a provider correlation id
// (e.g., the checkout request id echoed back in a native callback).
func (r *PostgresRepository) FindEscrowByCorrelationID(ctx context.Context, correlationID string) (*domain.EscrowRecord, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_records WHERE correlation_id = btrim($1)`
	record, err := scanEscrowRecord(r.db.QueryRow(ctx, query, correlationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return record, nil
}

// FinalizeEscrowRecord performs the PENDING -> terminal compare-and-swap.
func (r *PostgresRepository) FinalizeEscrowRecord(ctx context.Context, params FinalizeEscrowParams) (bool, error) {
	query := `
		UPDATE escrow_records
		SET
			status = $2,
			gateway_ref = $3,
			completed_at = $4,
			audit_proof_hash = $5,
			response_meta = $6
		WHERE tx_uid = $1 AND status = 'PENDING'
	`
	tag, err := r.db.Exec(ctx, query,
		strings.ToLower(params.TxUID),
		params.Status,
		params.GatewayRef,
		params.CompletedAt,
		params.AuditProofHash,
		params.ResponseMeta,
	)
	if err != nil {
		return false, fmt.Errorf("finalize escrow record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AttachResponseMeta replaces the stored callback metadata, used to record
// settlement outcomes after the transition itself has been persisted.
func (r *PostgresRepository) AttachResponseMeta(ctx context.Context, txUID string, meta json.RawMessage) error {
	query := `UPDATE escrow_records SET response_meta = $2 WHERE tx_uid = lower(btrim($1))`
	tag, err := r.db.Exec(ctx, query, txUID, meta)
	if err != nil {
		return fmt.Errorf("attach response meta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// ClaimUnanchoredRecords atomically marks up to `limit` eligible records with
// the claim id. SKIP LOCKED keeps two overlapping batching runs disjoint even
// before either commits.
func (r *PostgresRepository) ClaimUnanchoredRecords(ctx context.Context, claimID uuid.UUID, limit int) ([]domain.EscrowRecord, error) {
	query := `
		UPDATE escrow_records
		SET anchor_claim_id = $1
		WHERE tx_uid IN (
			SELECT tx_uid
			FROM escrow_records
			WHERE anchor_id IS NULL
			  AND anchor_claim_id IS NULL
			  AND status IN ('SUCCESS', 'FAILED')
			ORDER BY requested_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + escrowColumns + `
	`
	rows, err := r.db.Query(ctx, query, claimID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim unanchored records: %w", err)
	}
	defer rows.Close()

	var claimed []domain.EscrowRecord
	for rows.Next() {
		record, err := scanEscrowRecord(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseAnchorClaim undoes a claim after a failed ledger submission so the
// records become eligible for the next run.
func (r *PostgresRepository) ReleaseAnchorClaim(ctx context.Context, claimID uuid.UUID) error {
	query := `UPDATE escrow_records SET anchor_claim_id = NULL WHERE anchor_claim_id = $1`
	if _, err := r.db.Exec(ctx, query, claimID); err != nil {
		return fmt.Errorf("release anchor claim: %w", err)
	}
	return nil
}

// CreateAnchor persists the anchor row and binds the claimed records to it in
// one database transaction.
func (r *PostgresRepository) CreateAnchor(ctx context.Context, anchor *domain.Anchor, claimID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insertQuery := `
		INSERT INTO anchors (id, included_hashes, aggregate_digest, ledger_tx_ref, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, insertQuery,
		anchor.ID,
		anchor.IncludedHashes,
		anchor.AggregateDigest,
		anchor.LedgerTxRef,
		anchor.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert anchor: %w", err)
	}

	bindQuery := `
		UPDATE escrow_records
		SET anchor_id = $1, anchor_claim_id = NULL
		WHERE anchor_claim_id = $2
	`
	if _, err := tx.Exec(ctx, bindQuery, anchor.ID, claimID); err != nil {
		return fmt.Errorf("bind records to anchor: %w", err)
	}

	return tx.Commit(ctx)
}

// GetAnchorByID retrieves an anchor by its identifier.
func (r *PostgresRepository) GetAnchorByID(ctx context.Context, id uuid.UUID) (*domain.Anchor, error) {
	var anchor domain.Anchor
	query := `
		SELECT id, included_hashes, aggregate_digest, ledger_tx_ref, created_at
		FROM anchors
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&anchor.ID,
		&anchor.IncludedHashes,
		&anchor.AggregateDigest,
		&anchor.LedgerTxRef,
		&anchor.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAnchorNotFound
		}
		return nil, err
	}
	return &anchor, nil
}

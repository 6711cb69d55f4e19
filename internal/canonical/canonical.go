/**
 * @description
 * This package builds the deterministic byte representation of an escrow
 * record and computes its SHA-256 proof hash. Every historical hash in the
 * audit trail depends on this serialization, so the field order and the
 * normalization rules here must never change without a migration.
 *
 * Canonical form, newline-joined, in this exact order:
 *   txUid (lowercase)
 *   type
 *   amount (fixed two decimal places, round half away from zero)
 *   currency (uppercase)
 *   status
 *   completedAt if set, else requestedAt (RFC 3339, UTC, second precision)
 *   gatewayRef (lowercase)
 *
 * @dependencies
 * - crypto/sha256, encoding/hex, strings, time: Standard Go libraries.
 * - github.com/shopspring/decimal: fixed-point amount rendering.
 */
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/sponsorlink/escrow-audit-service/internal/domain"
)

// Canonicalize returns the canonical string for an escrow record.
func Canonicalize(r *domain.EscrowRecord) string {
	ts := r.RequestedAt
	if r.CompletedAt != nil {
		ts = *r.CompletedAt
	}

	fields := []string{
		strings.ToLower(r.TxUID),
		r.Type,
		// StringFixed rounds half away from zero, which is the pinned
		// rounding mode for the audit trail.
		r.Amount.StringFixed(2),
		strings.ToUpper(r.Currency),
		r.Status,
		ts.UTC().Truncate(time.Second).Format(time.RFC3339),
		strings.ToLower(r.GatewayRef),
	}
	return strings.Join(fields, "\n")
}

// Digest returns the lowercase hex SHA-256 of a canonical string.
func Digest(canonicalForm string) string {
	sum := sha256.Sum256([]byte(canonicalForm))
	return hex.EncodeToString(sum[:])
}

// ProofHash computes the audit proof hash for a record in one step.
func ProofHash(r *domain.EscrowRecord) string {
	return Digest(Canonicalize(r))
}

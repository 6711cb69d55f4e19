/**
 * @description
 * This file implements the chain verifier: it looks up a ledger transaction
 * by hash, extracts the proof hash embedded in its payload, and compares it
 * against locally computed hashes. Extraction and comparison are pure; only
 * the lookup touches the network, behind the LedgerReader interface.
 *
 * @dependencies
 * - encoding/json, regexp, strings: Standard Go libraries.
 * - internal/domain, internal/vault: models and optional encrypted export.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sponsorlink/escrow-audit-service/internal/domain"
	"github.com/sponsorlink/escrow-audit-service/internal/vault"
	"github.com/sponsorlink/escrow-audit-service/pkg/ledgerclient"
)

var (
	ErrInvalidHashFormat = errors.New("ledger tx hash must be 64 hex characters")
	ErrLedgerTxNotFound  = errors.New("ledger transaction not found")
	ErrNoHashesToCompare = errors.New("at least one local hash is required")
)

// AnchorPayloadMarker prefixes every payload this service writes to the
// ledger. Verifiers recompute digests independently and locate them by this
// marker.
const AnchorPayloadMarker = "sponsorlink-audit:v1:"

var hexHashPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// LedgerReader is the ledger-query dependency of the verifier.
type LedgerReader interface {
	TransactionDataByHash(ctx context.Context, hash string) ([]byte, error)
}

// Verifier compares locally computed proof hashes against on-chain data.
type Verifier struct {
	ledger LedgerReader
	vault  *vault.Vault
}

// NewVerifier creates a chain verifier.
func NewVerifier(ledger LedgerReader, v *vault.Vault) *Verifier {
	return &Verifier{ledger: ledger, vault: v}
}

// Lookup fetches the payload of the ledger transaction identified by hash.
// The hash may carry a 0x prefix.
func (v *Verifier) Lookup(ctx context.Context, ledgerTxHash string) ([]byte, error) {
	normalized, ok := normalizeTxHash(ledgerTxHash)
	if !ok {
		return nil, ErrInvalidHashFormat
	}
	payload, err := v.ledger.TransactionDataByHash(ctx, normalized)
	if err != nil {
		if errors.Is(err, ledgerclient.ErrTxNotFound) {
			return nil, ErrLedgerTxNotFound
		}
		return nil, err
	}
	return payload, nil
}

// ExtractEmbeddedHash parses the application marker plus 64-hex digest out of
// a ledger transaction payload. A bare 64-hex payload is also accepted. It
// returns "" when no digest is present.
func ExtractEmbeddedHash(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	if idx := strings.Index(text, AnchorPayloadMarker); idx >= 0 {
		candidate := text[idx+len(AnchorPayloadMarker):]
		if len(candidate) >= 64 && hexHashPattern.MatchString(candidate[:64]) {
			return strings.ToLower(candidate[:64])
		}
		return ""
	}
	if hexHashPattern.MatchString(text) {
		return strings.ToLower(text)
	}
	return ""
}

// Compare builds the per-hash comparison report. Hex comparison is
// case-insensitive. AllMatch is false for an empty local hash list; an empty
// list can never vacuously verify.
func Compare(localHashes []string, onChainHash string) domain.ComparisonReport {
	report := domain.ComparisonReport{
		OnChainHash: strings.ToLower(onChainHash),
		Comparisons: make([]domain.HashComparison, 0, len(localHashes)),
	}
	allMatch := len(localHashes) > 0
	for _, local := range localHashes {
		match := strings.EqualFold(strings.TrimSpace(local), onChainHash)
		if !match {
			allMatch = false
		}
		report.Comparisons = append(report.Comparisons, domain.HashComparison{
			LocalHash: strings.ToLower(strings.TrimSpace(local)),
			Match:     match,
		})
	}
	report.AllMatch = allMatch
	return report
}

// VerifyResult is either a plaintext report or its encrypted export.
type VerifyResult struct {
	Report    *domain.ComparisonReport `json:"report,omitempty"`
	Encrypted *vault.Envelope          `json:"encrypted,omitempty"`
}

// VerifyAgainstChain orchestrates lookup, extraction and comparison. When
// req.Export is set the report is returned encrypted via the crypto vault.
func (v *Verifier) VerifyAgainstChain(ctx context.Context, req domain.ValidateRequest) (*VerifyResult, error) {
	hashes := req.Hashes
	if len(hashes) == 0 && strings.TrimSpace(req.ExpectedHash) != "" {
		hashes = []string{req.ExpectedHash}
	}
	if len(hashes) == 0 {
		return nil, ErrNoHashesToCompare
	}

	payload, err := v.Lookup(ctx, req.LedgerTxHash)
	if err != nil {
		return nil, err
	}

	report := Compare(hashes, ExtractEmbeddedHash(payload))
	report.LedgerTxHash = strings.ToLower(strings.TrimPrefix(req.LedgerTxHash, "0x"))

	if !req.Export {
		return &VerifyResult{Report: &report}, nil
	}

	plaintext, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	envelope, err := v.vault.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Encrypted: envelope}, nil
}

// normalizeTxHash strips an optional 0x prefix and validates the hex shape.
// The returned hash keeps the 0x prefix convention the ledger client expects.
func normalizeTxHash(hash string) (string, bool) {
	trimmed := strings.TrimSpace(hash)
	bare := strings.TrimPrefix(trimmed, "0x")
	if !hexHashPattern.MatchString(bare) {
		return "", false
	}
	return "0x" + strings.ToLower(bare), true
}

/**
 * @description
 * This file implements the anchor batcher: it periodically folds many audit
 * proof hashes into a single ledger transaction, amortizing ledger-write
 * cost. Records are claimed atomically in the database before submission so
 * two overlapping runs can never anchor the same record twice.
 *
 * Only terminal (SUCCESS/FAILED) records are anchored: a PENDING record's
 * hash still changes on its terminal transition, and anchoring it would
 * guarantee a later verification mismatch.
 *
 * @dependencies
 * - crypto/sha256, sort: aggregate digest computation.
 * - github.com/google/uuid: claim and anchor identifiers.
 * - internal/domain, internal/store, pkg/rabbitmq: models, persistence, events.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sponsorlink/escrow-audit-service/internal/domain"
	"github.com/sponsorlink/escrow-audit-service/internal/store"
	"github.com/sponsorlink/escrow-audit-service/pkg/rabbitmq"
)

const defaultBatchLimit = 100

// LedgerWriter is the ledger-commit dependency of the batcher.
type LedgerWriter interface {
	SubmitAnchor(ctx context.Context, payload []byte) (string, error)
}

// Batcher folds unanchored proof hashes into periodic anchor transactions.
type Batcher struct {
	repo          store.Repository
	ledger        LedgerWriter
	eventProducer rabbitmq.Publisher
	now           func() time.Time
}

// NewBatcher creates an anchor batcher.
func NewBatcher(repo store.Repository, ledger LedgerWriter, producer rabbitmq.Publisher) *Batcher {
	return &Batcher{
		repo:          repo,
		ledger:        ledger,
		eventProducer: producer,
		now:           time.Now,
	}
}

// AggregateDigest computes SHA-256 over the concatenation of the included
// hashes in ascending lexicographic order. The ordering is canonical so any
// verifier can recompute the digest independently of claim order.
func AggregateDigest(hashes []string) string {
	ordered := make([]string, len(hashes))
	for i, h := range hashes {
		ordered[i] = strings.ToLower(strings.TrimSpace(h))
	}
	sort.Strings(ordered)

	hasher := sha256.New()
	for _, h := range ordered {
		hasher.Write([]byte(h))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// BatchAndAnchor claims up to `limit` eligible records (oldest first),
// commits their aggregate digest to the ledger, and persists the anchor. A
// failed ledger submission releases the claim so the records are retried on
// the next run.
func (b *Batcher) BatchAndAnchor(ctx context.Context, limit int) (*domain.AnchorResult, error) {
	if limit <= 0 {
		limit = defaultBatchLimit
	}

	claimID := uuid.New()
	claimed, err := b.repo.ClaimUnanchoredRecords(ctx, claimID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim records: %w", err)
	}
	if len(claimed) == 0 {
		return &domain.AnchorResult{RecordCount: 0, Message: "no unanchored records"}, nil
	}

	hashes := make([]string, len(claimed))
	for i, record := range claimed {
		hashes[i] = record.AuditProofHash
	}
	sort.Strings(hashes)
	digest := AggregateDigest(hashes)

	ledgerTxRef, err := b.ledger.SubmitAnchor(ctx, []byte(AnchorPayloadMarker+digest))
	if err != nil {
		if releaseErr := b.repo.ReleaseAnchorClaim(ctx, claimID); releaseErr != nil {
			log.Printf("level=error component=anchor_batcher msg=\"claim release failed; records stay claimed\" claim_id=%s err=%v", claimID, releaseErr)
		}
		return nil, fmt.Errorf("submit anchor: %w", err)
	}

	anchor := &domain.Anchor{
		ID:              uuid.New(),
		IncludedHashes:  hashes,
		AggregateDigest: digest,
		LedgerTxRef:     ledgerTxRef,
		CreatedAt:       b.now().UTC(),
	}
	if err := b.repo.CreateAnchor(ctx, anchor, claimID); err != nil {
		// The ledger write is already committed; the anchor row is the
		// local index of it. Surface the error, keep the claim so the
		// records are not re-anchored.
		return nil, fmt.Errorf("persist anchor: %w", err)
	}

	log.Printf("level=info component=anchor_batcher msg=\"anchor committed\" anchor_id=%s records=%d ledger_tx=%s", anchor.ID, len(claimed), ledgerTxRef)
	b.publishAnchorEvent(ctx, anchor, len(claimed))

	return &domain.AnchorResult{Anchor: anchor, RecordCount: len(claimed)}, nil
}

// AnchorByID retrieves an anchor by identifier.
func (b *Batcher) AnchorByID(ctx context.Context, id uuid.UUID) (*domain.Anchor, error) {
	return b.repo.GetAnchorByID(ctx, id)
}

func (b *Batcher) publishAnchorEvent(ctx context.Context, anchor *domain.Anchor, count int) {
	if b.eventProducer == nil {
		return
	}
	event := domain.AnchorCommittedEvent{
		AnchorID:        anchor.ID.String(),
		AggregateDigest: anchor.AggregateDigest,
		LedgerTxRef:     anchor.LedgerTxRef,
		RecordCount:     count,
		OccurredAt:      b.now().UTC(),
	}
	if err := b.eventProducer.PublishAnchorCommittedEvent(ctx, event); err != nil {
		log.Printf("level=warn component=anchor_batcher msg=\"anchor event publish failed\" anchor_id=%s err=%v", anchor.ID, err)
	}
}

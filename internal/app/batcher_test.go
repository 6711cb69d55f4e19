package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sponsorlink/escrow-audit-service/internal/domain"
	"github.com/sponsorlink/escrow-audit-service/internal/store"
)

type batcherRepoStub struct {
	store.Repository

	mu        sync.Mutex
	pending   []domain.EscrowRecord
	claims    map[uuid.UUID][]domain.EscrowRecord
	anchors   map[uuid.UUID]*domain.Anchor
	released  int
	claimErr  error
	createErr error
}

func newBatcherRepoStub(records ...domain.EscrowRecord) *batcherRepoStub {
	return &batcherRepoStub{
		pending: records,
		claims:  map[uuid.UUID][]domain.EscrowRecord{},
		anchors: map[uuid.UUID]*domain.Anchor{},
	}
}

func (s *batcherRepoStub) ClaimUnanchoredRecords(ctx context.Context, claimID uuid.UUID, limit int) ([]domain.EscrowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	n := limit
	if n > len(s.pending) {
		n = len(s.pending)
	}
	claimed := make([]domain.EscrowRecord, n)
	copy(claimed, s.pending[:n])
	s.pending = s.pending[n:]
	s.claims[claimID] = claimed
	return claimed, nil
}

func (s *batcherRepoStub) ReleaseAnchorClaim(ctx context.Context, claimID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	s.pending = append(s.claims[claimID], s.pending...)
	delete(s.claims, claimID)
	return nil
}

func (s *batcherRepoStub) CreateAnchor(ctx context.Context, anchor *domain.Anchor, claimID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.anchors[anchor.ID] = anchor
	delete(s.claims, claimID)
	return nil
}

func (s *batcherRepoStub) GetAnchorByID(ctx context.Context, id uuid.UUID) (*domain.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	anchor, ok := s.anchors[id]
	if !ok {
		return nil, store.ErrAnchorNotFound
	}
	return anchor, nil
}

type ledgerWriterStub struct {
	mu          sync.Mutex
	submissions [][]byte
	err         error
}

func (l *ledgerWriterStub) SubmitAnchor(ctx context.Context, payload []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	l.submissions = append(l.submissions, payload)
	return fmt.Sprintf("0xdeadbeef%03d", len(l.submissions)), nil
}

func terminalRecord(txUID, hash string) domain.EscrowRecord {
	return domain.EscrowRecord{
		TxUID:          txUID,
		Type:           domain.EscrowTypeHold,
		Status:         domain.EscrowStatusSuccess,
		RequestedAt:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		AuditProofHash: hash,
	}
}

func TestAggregateDigest_OrderIndependent(t *testing.T) {
	a := sampleHash("a")
	b := sampleHash("b")
	c := sampleHash("c")

	first := AggregateDigest([]string{c, a, b})
	second := AggregateDigest([]string{a, b, c})
	if first != second {
		t.Fatal("aggregate digest must not depend on input order")
	}
	if first != sortedConcatDigest([]string{a, b, c}) {
		t.Fatal("aggregate digest must hash the sorted concatenation")
	}
}

func sortedConcatDigest(hashes []string) string {
	ordered := append([]string(nil), hashes...)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j] < ordered[i] {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	hasher := sha256.New()
	for _, h := range ordered {
		hasher.Write([]byte(h))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

func TestAggregateDigest_NormalizesCase(t *testing.T) {
	h := sampleHash("mixed")
	if AggregateDigest([]string{strings.ToUpper(h)}) != AggregateDigest([]string{h}) {
		t.Fatal("aggregate digest must lowercase input hashes")
	}
}

func TestBatchAndAnchor_CommitsAggregateDigest(t *testing.T) {
	h1 := sampleHash("rec-1")
	h2 := sampleHash("rec-2")
	repo := newBatcherRepoStub(
		terminalRecord("tx-1", h1),
		terminalRecord("tx-2", h2),
	)
	ledger := &ledgerWriterStub{}
	batcher := NewBatcher(repo, ledger, nil)

	result, err := batcher.BatchAndAnchor(context.Background(), 10)
	if err != nil {
		t.Fatalf("anchoring run failed: %v", err)
	}
	if result.RecordCount != 2 {
		t.Fatalf("expected 2 anchored records, got %d", result.RecordCount)
	}
	if result.Anchor == nil {
		t.Fatal("expected a persisted anchor")
	}

	wantDigest := sortedConcatDigest([]string{h1, h2})
	if result.Anchor.AggregateDigest != wantDigest {
		t.Fatalf("expected digest %q, got %q", wantDigest, result.Anchor.AggregateDigest)
	}
	if len(ledger.submissions) != 1 {
		t.Fatalf("expected one ledger submission, got %d", len(ledger.submissions))
	}
	wantPayload := AnchorPayloadMarker + wantDigest
	if string(ledger.submissions[0]) != wantPayload {
		t.Fatalf("expected payload %q, got %q", wantPayload, ledger.submissions[0])
	}
	if result.Anchor.LedgerTxRef == "" {
		t.Fatal("expected ledger tx ref on the anchor")
	}

	stored, err := repo.GetAnchorByID(context.Background(), result.Anchor.ID)
	if err != nil {
		t.Fatalf("anchor lookup failed: %v", err)
	}
	if stored.AggregateDigest != wantDigest {
		t.Fatal("stored anchor digest mismatch")
	}
}

func TestBatchAndAnchor_NoRecordsIsNotAnError(t *testing.T) {
	repo := newBatcherRepoStub()
	ledger := &ledgerWriterStub{}
	batcher := NewBatcher(repo, ledger, nil)

	result, err := batcher.BatchAndAnchor(context.Background(), 10)
	if err != nil {
		t.Fatalf("empty run failed: %v", err)
	}
	if result.RecordCount != 0 || result.Anchor != nil {
		t.Fatalf("expected empty result, got %+v", result)
	}
	if len(ledger.submissions) != 0 {
		t.Fatal("empty run must not touch the ledger")
	}
}

func TestBatchAndAnchor_LedgerFailureReleasesClaim(t *testing.T) {
	repo := newBatcherRepoStub(terminalRecord("tx-1", sampleHash("rec-1")))
	ledger := &ledgerWriterStub{err: errors.New("node unavailable")}
	batcher := NewBatcher(repo, ledger, nil)

	if _, err := batcher.BatchAndAnchor(context.Background(), 10); err == nil {
		t.Fatal("expected ledger failure to surface")
	}
	if repo.released != 1 {
		t.Fatalf("expected claim release after ledger failure, got %d", repo.released)
	}
	if len(repo.pending) != 1 {
		t.Fatalf("expected record back in the pool, got %d pending", len(repo.pending))
	}

	// The released record must anchor normally on the next run.
	ledger.err = nil
	result, err := batcher.BatchAndAnchor(context.Background(), 10)
	if err != nil {
		t.Fatalf("retry run failed: %v", err)
	}
	if result.RecordCount != 1 {
		t.Fatalf("expected the retried record to anchor, got %d", result.RecordCount)
	}
}

func TestBatchAndAnchor_ConcurrentRunsAnchorEachRecordOnce(t *testing.T) {
	const total = 20
	records := make([]domain.EscrowRecord, total)
	for i := range records {
		records[i] = terminalRecord(fmt.Sprintf("tx-%02d", i), sampleHash(fmt.Sprintf("rec-%02d", i)))
	}
	repo := newBatcherRepoStub(records...)
	ledger := &ledgerWriterStub{}
	batcher := NewBatcher(repo, ledger, nil)

	const workers = 4
	var wg sync.WaitGroup
	counts := make([]int, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				result, err := batcher.BatchAndAnchor(context.Background(), 3)
				if err != nil {
					t.Errorf("worker %d: %v", w, err)
					return
				}
				if result.RecordCount == 0 {
					return
				}
				counts[w] += result.RecordCount
			}
		}(w)
	}
	wg.Wait()

	anchored := 0
	for _, c := range counts {
		anchored += c
	}
	if anchored != total {
		t.Fatalf("expected %d records anchored exactly once, got %d", total, anchored)
	}

	seen := map[string]bool{}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, anchor := range repo.anchors {
		for _, h := range anchor.IncludedHashes {
			if seen[h] {
				t.Fatalf("hash %q anchored twice", h)
			}
			seen[h] = true
		}
	}
	if len(seen) != total {
		t.Fatalf("expected %d distinct anchored hashes, got %d", total, len(seen))
	}
}

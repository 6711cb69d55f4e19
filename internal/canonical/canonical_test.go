package canonical

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sponsorlink/escrow-audit-service/internal/domain"
)

func sampleRecord() *domain.EscrowRecord {
	return &domain.EscrowRecord{
		TxUID:       "abc123",
		Type:        domain.EscrowTypeHold,
		Amount:      decimal.RequireFromString("500.00"),
		Currency:    "KES",
		Status:      domain.EscrowStatusPending,
		RequestedAt: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

func TestCanonicalize_FieldOrderAndNormalization(t *testing.T) {
	completed := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	r := sampleRecord()
	r.TxUID = "ABC123"
	r.Currency = "kes"
	r.Status = domain.EscrowStatusSuccess
	r.CompletedAt = &completed
	r.GatewayRef = "MPESA-REF-1"

	got := Canonicalize(r)
	want := strings.Join([]string{
		"abc123",
		"HOLD",
		"500.00",
		"KES",
		"SUCCESS",
		"2026-03-14T10:00:00Z",
		"mpesa-ref-1",
	}, "\n")
	if got != want {
		t.Fatalf("canonical form mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestCanonicalize_UsesRequestedAtUntilCompleted(t *testing.T) {
	r := sampleRecord()
	if !strings.Contains(Canonicalize(r), "2026-03-14T09:26:53Z") {
		t.Fatalf("expected requestedAt in canonical form, got %q", Canonicalize(r))
	}
}

func TestCanonicalize_DropsSubsecondJitter(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	b.RequestedAt = a.RequestedAt.Add(500 * time.Millisecond)
	if Canonicalize(a) != Canonicalize(b) {
		t.Fatal("sub-second timestamp difference must not change the canonical form")
	}
}

func TestCanonicalize_AmountRoundsHalfAwayFromZero(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"100", "100.00"},
		{"100.005", "100.01"},
		{"2.675", "2.68"},
		{"0.125", "0.13"},
		{"99.994", "99.99"},
	}
	for _, tc := range cases {
		r := sampleRecord()
		r.Amount = decimal.RequireFromString(tc.in)
		if got := Canonicalize(r); !strings.Contains(got, "\n"+tc.want+"\n") {
			t.Errorf("amount %s: expected canonical amount %s, canonical form was %q", tc.in, tc.want, got)
		}
	}
}

func TestDigest_StableAcrossCalls(t *testing.T) {
	r := sampleRecord()
	first := ProofHash(r)
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d (%q)", len(first), first)
	}
	for i := 0; i < 5; i++ {
		if got := ProofHash(r); got != first {
			t.Fatalf("digest not stable: %q vs %q", got, first)
		}
	}
}

func TestDigest_ChangesOnAnySingleFieldPerturbation(t *testing.T) {
	base := ProofHash(sampleRecord())

	perturbations := map[string]func(r *domain.EscrowRecord){
		"amount":     func(r *domain.EscrowRecord) { r.Amount = decimal.RequireFromString("500.01") },
		"status":     func(r *domain.EscrowRecord) { r.Status = domain.EscrowStatusSuccess },
		"currency":   func(r *domain.EscrowRecord) { r.Currency = "USD" },
		"timestamp":  func(r *domain.EscrowRecord) { r.RequestedAt = r.RequestedAt.Add(time.Second) },
		"txUid":      func(r *domain.EscrowRecord) { r.TxUID = "abc124" },
		"gatewayRef": func(r *domain.EscrowRecord) { r.GatewayRef = "ref-1" },
		"type":       func(r *domain.EscrowRecord) { r.Type = domain.EscrowTypeRelease },
	}
	for name, mutate := range perturbations {
		r := sampleRecord()
		mutate(r)
		if got := ProofHash(r); got == base {
			t.Errorf("perturbing %s did not change the digest", name)
		}
	}
}

func TestDigest_CaseNormalizationCollapses(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	a.TxUID = "ABC123"
	b.TxUID = "abc123"
	a.Currency = "kes"
	b.Currency = "KES"
	if ProofHash(a) != ProofHash(b) {
		t.Fatal("case-only differences in txUid/currency must not change the digest")
	}
}

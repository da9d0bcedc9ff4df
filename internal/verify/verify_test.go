package verify

import (
	"testing"
	"time"

	"github.com/rcourtman/slipgate/internal/evidence"
	"github.com/stretchr/testify/assert"
)

var submittedAt = time.Date(2024, 11, 14, 15, 20, 0, 0, time.UTC)

func policy() Policy {
	return Policy{
		PayeeIdentifiers: []string{"ACME Co.", "080-843-2571"},
		Tolerance:        0.5,
		HashThreshold:    8,
		RecencyMode:      RecencyOff,
		RecencyWindow:    600 * time.Second,
	}
}

func textSignals(text string) evidence.Signals {
	return evidence.Signals{ExtractedText: text, AmountCandidates: evidence.ParseAmounts(text)}
}

func TestDecide(t *testing.T) {
	order := Order{ID: "INV17316224001234", PriceAmount: 80}

	tests := []struct {
		name    string
		signals evidence.Signals
		outcome Outcome
		reason  string
	}{
		{"amount and payee", textSignals("Transfer to ACME Co. 80 THB"), Accept, "amount and payee matched"},
		{"within tolerance", textSignals("ACME Co. 79.6"), Accept, "amount and payee matched"},
		{"wallet number reformatted", textSignals("To 0808432571 amount 80.00"), Accept, "amount and payee matched"},
		{"amount without payee", textSignals("You paid 80"), Inconclusive, "amount matched, payee unclear"},
		{"outside tolerance", textSignals("ACME Co. 79.5"), Reject, "no matching signals"},
		{"payee without amount", textSignals("ACME Co."), Reject, "no matching signals"},
		{"nothing", evidence.Signals{}, Reject, "no matching signals"},
		{"reference in text", textSignals("memo INV17316224001234 amount 5"), Accept, "reference id matched"},
		{"reference in payload", evidence.Signals{DecodedPayload: "pay:INV17316224001234"}, Accept, "reference id matched"},
		{"incomplete extraction", evidence.Signals{Incomplete: true}, Inconclusive, "evidence could not be read in time"},
		{"incomplete with reference", evidence.Signals{DecodedPayload: "INV17316224001234", Incomplete: true}, Inconclusive, "evidence could not be read in time"},
		{"incomplete with amount and payee", evidence.Signals{
			ExtractedText: "Transfer to ACME Co. 80 THB", AmountCandidates: []float64{80}, Incomplete: true,
		}, Inconclusive, "evidence could not be read in time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Decide(order, tt.signals, policy(), submittedAt)
			assert.Equal(t, tt.outcome, v.Outcome)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
}

func TestDecideReferenceRegardlessOfAmount(t *testing.T) {
	order := Order{ID: "INV1699999999", PriceAmount: 80}
	v := Decide(order, textSignals("INV1699999999"), policy(), submittedAt)
	assert.Equal(t, Accept, v.Outcome)
	assert.Equal(t, RuleReference, v.Rule)

	v = Decide(order, evidence.Signals{DecodedPayload: "INV1699999999", Incomplete: true}, policy(), submittedAt)
	assert.Equal(t, Inconclusive, v.Outcome)
	assert.Equal(t, RuleIncomplete, v.Rule)
}

func TestDecideVisualMatch(t *testing.T) {
	order := Order{ID: "INV1", PriceAmount: 80}
	p := policy()
	p.ReferenceHash = "p:ffff0000ffff0000"

	near := evidence.Signals{PerceptualHash: "p:ffff0000ffff0003"} // distance 2
	v := Decide(order, near, p, submittedAt)
	assert.Equal(t, Accept, v.Outcome)
	assert.Equal(t, "visual match to reference code", v.Reason)

	far := evidence.Signals{PerceptualHash: "p:0000ffff0000ffff"}
	v = Decide(order, far, p, submittedAt)
	assert.Equal(t, Reject, v.Outcome)

	// Amount and payee outrank the visual rule.
	both := textSignals("ACME Co. 80")
	both.PerceptualHash = near.PerceptualHash
	assert.Equal(t, RuleAmountPay, Decide(order, both, p, submittedAt).Rule)
}

func TestDecideRecency(t *testing.T) {
	order := Order{ID: "INV1", PriceAmount: 80}
	stale := textSignals("ACME Co. 80")
	stale.DetectedTimestamp = submittedAt.Add(-15 * time.Minute)
	fresh := textSignals("ACME Co. 80")
	fresh.DetectedTimestamp = submittedAt.Add(-5 * time.Minute)

	p := policy()
	assert.Equal(t, Accept, Decide(order, stale, p, submittedAt).Outcome, "recency off")

	p.RecencyMode = RecencyReview
	v := Decide(order, stale, p, submittedAt)
	assert.Equal(t, Inconclusive, v.Outcome)
	assert.Equal(t, RuleRecency, v.Rule)
	assert.Equal(t, Accept, Decide(order, fresh, p, submittedAt).Outcome)

	p.RecencyMode = RecencyReject
	assert.Equal(t, Reject, Decide(order, stale, p, submittedAt).Outcome)

	// The reference rule runs before the recency check.
	ref := textSignals("INV1")
	ref.DetectedTimestamp = stale.DetectedTimestamp
	assert.Equal(t, Accept, Decide(order, ref, p, submittedAt).Outcome)
}

func TestDecideIsDeterministic(t *testing.T) {
	order := Order{ID: "INV1", PriceAmount: 80}
	s := textSignals("You paid 80")
	first := Decide(order, s, policy(), submittedAt)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Decide(order, s, policy(), submittedAt))
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "acmeco", Normalize("ACME Co."))
	assert.Equal(t, "0808432571", Normalize("080-843-2571"))
	assert.Equal(t, "บริษัทเอ", Normalize("บริษัท เอ"))
}

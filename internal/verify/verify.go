// Package verify decides whether evidence proves payment for an order.
// Decide is pure: the same inputs always produce the same verdict.
package verify

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rcourtman/slipgate/internal/evidence"
)

// Outcome is the verdict class.
type Outcome string

const (
	Accept       Outcome = "accept"
	Reject       Outcome = "reject"
	Inconclusive Outcome = "inconclusive"
)

// Rule identifies which policy step produced a verdict.
type Rule string

const (
	RuleReference  Rule = "reference"
	RuleRecency    Rule = "recency"
	RuleAmountPay  Rule = "amount_payee"
	RuleVisual     Rule = "visual"
	RuleAmountOnly Rule = "amount_only"
	RuleIncomplete Rule = "incomplete"
	RuleNoMatch    Rule = "no_match"
)

// Verdict is the engine's decision plus a reason for audit and notification.
type Verdict struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
	Rule    Rule    `json:"rule"`
}

// RecencyMode selects what happens to evidence older than the window.
type RecencyMode string

const (
	RecencyOff    RecencyMode = "off"
	RecencyReview RecencyMode = "review"
	RecencyReject RecencyMode = "reject"
)

// DefaultTolerance is the accepted absolute difference between detected and expected amounts.
const DefaultTolerance = 0.5

// Policy holds the tunable acceptance thresholds.
type Policy struct {
	PayeeIdentifiers []string
	Tolerance        float64
	// ReferenceHash is the perceptual hash of the canonical payment QR; empty disables rule 3.
	ReferenceHash string
	HashThreshold int
	RecencyMode   RecencyMode
	RecencyWindow time.Duration
}

// Order is the subset of an order the engine needs.
type Order struct {
	ID          string
	PriceAmount float64
}

// Decide applies the ordered acceptance policy; the first matching rule wins.
// Signals from an extraction that ran out of time are never accepted.
// submittedAt is only consulted by the recency check.
func Decide(order Order, s evidence.Signals, p Policy, submittedAt time.Time) Verdict {
	if s.Incomplete {
		return Verdict{Outcome: Inconclusive, Reason: "evidence could not be read in time", Rule: RuleIncomplete}
	}

	corpus := s.Corpus()

	if order.ID != "" && strings.Contains(corpus, order.ID) {
		return Verdict{Outcome: Accept, Reason: "reference id matched", Rule: RuleReference}
	}

	if v, stale := checkRecency(s, p, submittedAt); stale {
		return v
	}

	amountMatched := matchAmount(s.AmountCandidates, order.PriceAmount, p.tolerance())
	payeeMatched := matchPayee(corpus, p.PayeeIdentifiers)

	if amountMatched && payeeMatched {
		return Verdict{Outcome: Accept, Reason: "amount and payee matched", Rule: RuleAmountPay}
	}

	if p.ReferenceHash != "" && s.PerceptualHash != "" {
		if d, err := evidence.HashDistance(s.PerceptualHash, p.ReferenceHash); err == nil && d <= p.HashThreshold {
			return Verdict{Outcome: Accept, Reason: "visual match to reference code", Rule: RuleVisual}
		}
	}

	if amountMatched {
		return Verdict{Outcome: Inconclusive, Reason: "amount matched, payee unclear", Rule: RuleAmountOnly}
	}

	return Verdict{Outcome: Reject, Reason: "no matching signals", Rule: RuleNoMatch}
}

func checkRecency(s evidence.Signals, p Policy, submittedAt time.Time) (Verdict, bool) {
	if p.RecencyMode == "" || p.RecencyMode == RecencyOff || !s.HasTimestamp() || p.RecencyWindow <= 0 {
		return Verdict{}, false
	}
	age := submittedAt.Sub(s.DetectedTimestamp)
	if age <= p.RecencyWindow {
		return Verdict{}, false
	}
	reason := fmt.Sprintf("evidence timestamp is %s old, older than %s", age.Round(time.Second), p.RecencyWindow)
	if p.RecencyMode == RecencyReject {
		return Verdict{Outcome: Reject, Reason: reason, Rule: RuleRecency}, true
	}
	return Verdict{Outcome: Inconclusive, Reason: reason, Rule: RuleRecency}, true
}

func (p Policy) tolerance() float64 {
	if p.Tolerance <= 0 {
		return DefaultTolerance
	}
	return p.Tolerance
}

func matchAmount(candidates []float64, price, tolerance float64) bool {
	for _, c := range candidates {
		if math.Abs(c-price) < tolerance {
			return true
		}
	}
	return false
}

func matchPayee(corpus string, identifiers []string) bool {
	normalized := Normalize(corpus)
	for _, id := range identifiers {
		if n := Normalize(id); n != "" && strings.Contains(normalized, n) {
			return true
		}
	}
	return false
}

// Normalize lowercases s and drops whitespace, dashes and dots so that
// "080-843-2571" matches "0808432571" and "ACME Co." matches "acmeco".
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch r {
		case ' ', '\t', '\n', '\r', '-', '.', '\u00a0':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

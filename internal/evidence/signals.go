package evidence

import (
	"strings"
	"time"
)

// Signals are the normalized facts extracted from one piece of evidence.
// They are never persisted beyond the decision that consumes them.
type Signals struct {
	ExtractedText  string
	DecodedPayload string
	// PerceptualHash is a goimagehash string ("p:<hex>"); empty for non-images.
	PerceptualHash string
	// AmountCandidates holds currency-like numbers, currency-tagged ones first.
	AmountCandidates  []float64
	DetectedTimestamp time.Time
	// Incomplete is set when extraction ran out of time.
	Incomplete bool
}

// DetectedAmount returns the most likely transferred amount.
func (s Signals) DetectedAmount() (float64, bool) {
	if len(s.AmountCandidates) == 0 {
		return 0, false
	}
	return s.AmountCandidates[0], true
}

// HasTimestamp reports whether a transfer time was found.
func (s Signals) HasTimestamp() bool {
	return !s.DetectedTimestamp.IsZero()
}

// Empty reports whether nothing was extracted.
func (s Signals) Empty() bool {
	return s.ExtractedText == "" && s.DecodedPayload == "" && s.PerceptualHash == ""
}

// Corpus joins the text and payload for substring matching.
func (s Signals) Corpus() string {
	switch {
	case s.ExtractedText == "":
		return s.DecodedPayload
	case s.DecodedPayload == "":
		return s.ExtractedText
	}
	return s.ExtractedText + "\n" + s.DecodedPayload
}

// Excerpt is a short single-line summary for review prompts and the audit trail.
func (s Signals) Excerpt(n int) string {
	var parts []string
	if s.DecodedPayload != "" {
		parts = append(parts, "qr: "+s.DecodedPayload)
	}
	if s.ExtractedText != "" {
		parts = append(parts, "text: "+s.ExtractedText)
	}
	if len(parts) == 0 {
		return "(no readable content)"
	}
	return excerpt(strings.Join(parts, " | "), n)
}

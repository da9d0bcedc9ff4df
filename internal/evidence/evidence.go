// Package evidence models buyer-submitted payment proof and turns it into
// normalized signals for verification.
package evidence

import (
	"fmt"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// Kind tags which variant an Evidence value holds.
type Kind int

const (
	KindNone Kind = iota
	KindImage
	KindLink
	KindCallback
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindLink:
		return "link"
	case KindCallback:
		return "callback"
	default:
		return "none"
	}
}

// Evidence is a tagged variant: exactly one of the payload fields is
// meaningful, selected by Kind.
type Evidence struct {
	Kind Kind

	// Image
	Data        []byte
	ContentType string
	Filename    string

	// Link: free text, usually containing a payment link.
	Text string

	// Callback: an authenticated payment-provider notification.
	Reference string
	Source    string
}

// None is the absence of evidence.
func None() Evidence {
	return Evidence{Kind: KindNone}
}

// Image wraps raw attachment bytes.
func Image(data []byte, contentType, filename string) Evidence {
	return Evidence{Kind: KindImage, Data: data, ContentType: contentType, Filename: filename}
}

// Link wraps a text submission.
func Link(text string) Evidence {
	return Evidence{Kind: KindLink, Text: text}
}

// Callback wraps a provider notification carrying an order reference.
func Callback(reference, source string) Evidence {
	return Evidence{Kind: KindCallback, Reference: reference, Source: source}
}

// Describe returns a short label for logs and audit entries.
func (e Evidence) Describe() string {
	switch e.Kind {
	case KindImage:
		return fmt.Sprintf("image %s (%s, %d bytes)", e.Filename, e.ContentType, len(e.Data))
	case KindLink:
		return "text " + excerpt(e.Text, 80)
	case KindCallback:
		return fmt.Sprintf("callback from %s for %s", e.Source, e.Reference)
	default:
		return "none"
	}
}

// imageTypes are attachment content types treated as image evidence.
var imageTypes = []string{"image/png", "image/jpeg", "image/webp", "image/gif", "image/*"}

// IsImageType reports whether an attachment content type should be read as an image.
func IsImageType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, pattern := range imageTypes {
		if wildcard.Match(pattern, ct) {
			return true
		}
	}
	return false
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

package platform

import "strings"

// Interaction actions carried in component custom IDs.
const (
	ActionBuy          = "buy"
	ActionApprove      = "approve"
	ActionReject       = "reject"
	ActionRejectReason = "reject_reason"
	ActionInfo         = "info"
)

// ReasonInputID is the text input on the reject modal.
const ReasonInputID = "reason"

// CustomID builds "<action>:<id>".
func CustomID(action, id string) string {
	return action + ":" + id
}

// ParseCustomID splits "<action>:<id>". Both parts must be non-empty.
func ParseCustomID(s string) (action, id string, ok bool) {
	action, id, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found || action == "" || id == "" {
		return "", "", false
	}
	return action, id, true
}

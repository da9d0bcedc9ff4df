package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCustomIDRoundTrip(t *testing.T) {
	action, id, ok := ParseCustomID(CustomID(ActionApprove, "INV17316224001234"))
	assert.True(t, ok)
	assert.Equal(t, ActionApprove, action)
	assert.Equal(t, "INV17316224001234", id)
}

func TestParseCustomIDRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "approve", "approve:", ":INV1"} {
		_, _, ok := ParseCustomID(s)
		assert.False(t, ok, s)
	}
}

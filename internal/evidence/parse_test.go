package evidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseAmounts(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []float64
	}{
		{"plain", "Paid 80 to ACME Co.", []float64{80}},
		{"decimal", "ACME Co. 79.6", []float64{79.6}},
		{"currency tagged first", "Fee 0.00 Ref 12 Amount 1,500.00 THB", []float64{1500, 12}},
		{"baht suffix", "โอนเงินสำเร็จ 80.00 บาท", []float64{80}},
		{"price notation", "7 days 80.- only", []float64{80, 7}},
		{"order id ignored", "INV1699999999", nil},
		{"phone ignored", "wallet 080-843-2571", nil},
		{"long account ignored", "acct 123456789012 amount 40", []float64{40}},
		{"date and time ignored", "14/11/2024 22:13 ฿20", []float64{20}},
		{"named date ignored", "14 Nov 2024, 22:13 paid 150", []float64{150}},
		{"no numbers", "hello", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAmounts(tt.text))
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	bkk, err := time.LoadLocation("Asia/Bangkok")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	want := time.Date(2024, 11, 14, 22, 13, 0, 0, bkk)

	tests := map[string]string{
		"dmy":           "Transfer 14/11/2024 22:13 OK",
		"dmy buddhist":  "14/11/2567 22:13",
		"iso":           "2024-11-14 22:13",
		"english month": "14 Nov 2024, 22:13",
		"thai month":    "14 พ.ย. 67 22:13 น.",
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			got, ok := ParseTimestamp(text, bkk)
			assert.True(t, ok)
			assert.True(t, want.Equal(got), "got %s", got)
		})
	}

	_, ok := ParseTimestamp("no time here 80 baht", bkk)
	assert.False(t, ok)
	_, ok = ParseTimestamp("31/02/2024 10:00", bkk)
	assert.False(t, ok)
}

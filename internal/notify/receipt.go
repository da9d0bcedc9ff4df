package notify

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/rcourtman/slipgate/internal/registry"
)

var (
	colorPrimary   = [3]int{30, 58, 95}
	colorTextDark  = [3]int{44, 62, 80}
	colorTextMuted = [3]int{127, 140, 141}
	colorRowAlt    = [3]int{241, 245, 249}
)

// GenerateReceipt renders a one-page PDF receipt for a granted order.
func GenerateReceipt(o *registry.Order, e *registry.Entitlement, issuer string) ([]byte, error) {
	if o == nil || e == nil {
		return nil, fmt.Errorf("receipt needs an order and an entitlement")
	}
	if issuer == "" {
		issuer = "slipgate"
	}

	pdf := fpdf.New("P", "mm", "A5", "")
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()

	pageWidth, _ := pdf.GetPageSize()
	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 6, "F")

	pdf.SetY(18)
	pdf.SetFont("Arial", "B", 20)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 10, "RECEIPT", "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 5, latin(issuer), "", 1, "L", false, 0, "")
	pdf.Ln(6)

	rows := [][2]string{
		{"Order", o.ID},
		{"Buyer", o.BuyerID},
		{"Plan", fmt.Sprintf("%s (%d days)", o.PlanID, o.DurationDays)},
		{"Amount", fmt.Sprintf("%.2f", o.PriceAmount)},
		{"Paid", o.UpdatedAt.UTC().Format(time.RFC1123)},
		{"Access granted", e.GrantedAt.UTC().Format(time.RFC1123)},
		{"Access expires", e.ExpiresAt.UTC().Format(time.RFC1123)},
	}
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.SetFillColor(colorRowAlt[0], colorRowAlt[1], colorRowAlt[2])
	for i, row := range rows {
		fill := i%2 == 0
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(40, 8, row[0], "", 0, "L", fill, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 8, latin(row[1]), "", 1, "L", fill, 0, "")
	}

	pdf.Ln(8)
	pdf.SetFont("Arial", "I", 8)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.MultiCell(0, 4, "The role is removed automatically when access expires. Keep this receipt for your records.", "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

// latin replaces runes the core PDF fonts cannot draw.
func latin(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return '?'
		}
		return r
	}, s)
}

// Package notify tells buyers and overseers about order outcomes.
package notify

import (
	"context"
	"fmt"
	"time"

	internalerrors "github.com/rcourtman/slipgate/internal/errors"
	"github.com/rcourtman/slipgate/internal/gatemetrics"
	"github.com/rcourtman/slipgate/internal/platform"
	"github.com/rcourtman/slipgate/internal/registry"
	"github.com/rcourtman/slipgate/internal/verify"
	"github.com/rs/zerolog/log"
)

const (
	colorSuccess = 0x2ecc71
	colorWarning = 0xf1c40f
	colorDanger  = 0xe74c3c
	colorInfo    = 0x3498db
)

// Config configures a Dispatcher.
type Config struct {
	AdminChannelID string
	// LogChannelID receives automatic and human decisions; empty sends
	// them to AdminChannelID.
	LogChannelID string
	Timeout      time.Duration
	Receipts     bool
	Issuer       string
}

// Dispatcher sends outcome notifications through the chat platform.
// Every method is best-effort: failures are classified, logged and returned.
type Dispatcher struct {
	client platform.Client
	cfg    Config
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(client platform.Client, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{client: client, cfg: cfg}
}

// Review is what an overseer needs to decide an order.
type Review struct {
	Verdict   verify.Verdict
	Excerpt   string
	Evidence  *platform.File
	BuyerName string
}

// Granted sends the buyer a success DM, with a PDF receipt when enabled.
func (d *Dispatcher) Granted(ctx context.Context, o *registry.Order, e *registry.Entitlement) error {
	msg := platform.Message{
		Embeds: []platform.Embed{{
			Title:       "Payment confirmed",
			Description: fmt.Sprintf("Your %d-day access is active.", o.DurationDays),
			Color:       colorSuccess,
			Fields: []platform.EmbedField{
				{Name: "Order", Value: o.ID, Inline: true},
				{Name: "Amount", Value: FormatAmount(o.PriceAmount), Inline: true},
				{Name: "Expires", Value: discordTimestamp(e.ExpiresAt)},
			},
		}},
	}
	if d.cfg.Receipts {
		pdf, err := GenerateReceipt(o, e, d.cfg.Issuer)
		if err != nil {
			log.Warn().Err(err).Str("order_id", o.ID).Msg("Failed to render receipt")
		} else {
			msg.Files = append(msg.Files, platform.File{Name: "receipt-" + o.ID + ".pdf", ContentType: "application/pdf", Data: pdf})
		}
	}
	return d.direct(ctx, "notify.granted", o.BuyerID, msg)
}

// AutoAccepted posts an automatic acceptance to the log channel.
func (d *Dispatcher) AutoAccepted(ctx context.Context, o *registry.Order, v verify.Verdict) error {
	msg := platform.Message{
		Embeds: []platform.Embed{{
			Title:       "Order auto-approved",
			Description: v.Reason,
			Color:       colorSuccess,
			Fields:      orderFields(o, ""),
		}},
	}
	_, err := d.channel(ctx, "notify.auto_accepted", d.logChannel(), msg)
	return err
}

// ReviewRequested asks overseers to decide an order and returns the prompt's message ID.
func (d *Dispatcher) ReviewRequested(ctx context.Context, o *registry.Order, r Review) (string, error) {
	color := colorWarning
	if r.Verdict.Outcome == verify.Reject {
		color = colorDanger
	}
	fields := orderFields(o, r.BuyerName)
	fields = append(fields, platform.EmbedField{Name: "Verdict", Value: fmt.Sprintf("%s (%s)", r.Verdict.Outcome, r.Verdict.Reason)})
	if r.Excerpt != "" {
		fields = append(fields, platform.EmbedField{Name: "Extracted", Value: r.Excerpt})
	}

	msg := platform.Message{
		Embeds: []platform.Embed{{
			Title:       "Payment needs review",
			Description: fmt.Sprintf("<@%s> submitted evidence for order %s.", o.BuyerID, o.ID),
			Color:       color,
			Fields:      fields,
		}},
		Buttons: ReviewButtons(o.ID),
	}
	if r.Evidence != nil {
		msg.Files = []platform.File{*r.Evidence}
	}
	return d.channel(ctx, "notify.review_requested", d.cfg.AdminChannelID, msg)
}

// ReviewButtons are the overseer's choices for an order.
func ReviewButtons(orderID string) []platform.Button {
	return []platform.Button{
		{CustomID: platform.CustomID(platform.ActionApprove, orderID), Label: "Approve", Style: platform.ButtonSuccess},
		{CustomID: platform.CustomID(platform.ActionReject, orderID), Label: "Reject", Style: platform.ButtonDanger},
		{CustomID: platform.CustomID(platform.ActionInfo, orderID), Label: "Info", Style: platform.ButtonSecondary},
	}
}

// Decided records a human decision in the log channel.
func (d *Dispatcher) Decided(ctx context.Context, o *registry.Order, actor string) error {
	color := colorSuccess
	if o.Status == registry.OrderStatusRejected {
		color = colorDanger
	}
	desc := fmt.Sprintf("Order %s marked %s by <@%s>.", o.ID, o.Status, actor)
	if o.DecisionReason != "" {
		desc += "\nReason: " + o.DecisionReason
	}
	_, err := d.channel(ctx, "notify.decided", d.logChannel(), platform.Message{
		Embeds: []platform.Embed{{Title: "Order decided", Description: desc, Color: color}},
	})
	return err
}

// Rejected tells the buyer why their order was rejected.
func (d *Dispatcher) Rejected(ctx context.Context, o *registry.Order, reason string) error {
	return d.direct(ctx, "notify.rejected", o.BuyerID, platform.Message{
		Embeds: []platform.Embed{{
			Title:       "Payment not accepted",
			Description: fmt.Sprintf("Order %s was rejected.\nReason: %s", o.ID, reason),
			Color:       colorDanger,
		}},
	})
}

// UnderReview tells the buyer their evidence is waiting for staff.
func (d *Dispatcher) UnderReview(ctx context.Context, o *registry.Order) error {
	return d.direct(ctx, "notify.under_review", o.BuyerID, platform.Message{
		Content: fmt.Sprintf("Thanks! Your payment for order %s is being checked by staff.", o.ID),
	})
}

// GrantFailed alerts overseers that a paid order's role could not be applied.
func (d *Dispatcher) GrantFailed(ctx context.Context, o *registry.Order, cause error) error {
	_, err := d.channel(ctx, "notify.grant_failed", d.cfg.AdminChannelID, platform.Message{
		Embeds: []platform.Embed{{
			Title:       "Role grant failed",
			Description: fmt.Sprintf("Order %s is paid but the role could not be added: %v\nIt will be retried automatically.", o.ID, cause),
			Color:       colorDanger,
			Fields:      orderFields(o, ""),
		}},
	})
	return err
}

// Expired tells the buyer their access ended.
func (d *Dispatcher) Expired(ctx context.Context, e *registry.Entitlement) error {
	return d.direct(ctx, "notify.expired", e.BuyerID, platform.Message{
		Embeds: []platform.Embed{{
			Title:       "Access expired",
			Description: "Your access has ended. Use `!buy` to renew.",
			Color:       colorInfo,
			Fields:      []platform.EmbedField{{Name: "Order", Value: e.OrderID}},
		}},
	})
}

// Reply sends a plain message to a user, used for user-visible failures.
func (d *Dispatcher) Reply(ctx context.Context, userID, content string) error {
	return d.direct(ctx, "notify.reply", userID, platform.Message{Content: content})
}

// OrderSummary is the ephemeral info shown to overseers.
func OrderSummary(o *registry.Order) platform.Embed {
	return platform.Embed{
		Title:  "Order " + o.ID,
		Color:  colorInfo,
		Fields: append(orderFields(o, ""), platform.EmbedField{Name: "Status", Value: string(o.Status), Inline: true}),
	}
}

func (d *Dispatcher) logChannel() string {
	if d.cfg.LogChannelID != "" {
		return d.cfg.LogChannelID
	}
	return d.cfg.AdminChannelID
}

func (d *Dispatcher) direct(ctx context.Context, op, userID string, msg platform.Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	if err := d.client.SendDirectMessage(ctx, userID, msg); err != nil {
		return d.fail(op, userID, err)
	}
	return nil
}

func (d *Dispatcher) channel(ctx context.Context, op, channelID string, msg platform.Message) (string, error) {
	if channelID == "" {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	id, err := d.client.SendChannelMessage(ctx, channelID, msg)
	if err != nil {
		return "", d.fail(op, channelID, err)
	}
	return id, nil
}

func (d *Dispatcher) fail(op, subject string, err error) error {
	kind := internalerrors.Classify(err)
	gatemetrics.PlatformErrorsTotal.WithLabelValues(op, string(kind)).Inc()
	log.Warn().Err(err).Str("op", op).Str("subject", subject).Str("kind", string(kind)).Msg("Notification not delivered")
	return err
}

func orderFields(o *registry.Order, buyerName string) []platform.EmbedField {
	buyer := fmt.Sprintf("<@%s>", o.BuyerID)
	if buyerName != "" {
		buyer += " (" + buyerName + ")"
	}
	return []platform.EmbedField{
		{Name: "Order", Value: o.ID, Inline: true},
		{Name: "Buyer", Value: buyer, Inline: true},
		{Name: "Plan", Value: fmt.Sprintf("%s (%d days)", o.PlanID, o.DurationDays), Inline: true},
		{Name: "Amount", Value: FormatAmount(o.PriceAmount), Inline: true},
	}
}

// FormatAmount renders a baht amount without trailing zeros for whole values.
func FormatAmount(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d ฿", int64(v))
	}
	return fmt.Sprintf("%.2f ฿", v)
}

// discordTimestamp renders a client-localised timestamp.
func discordTimestamp(t time.Time) string {
	return fmt.Sprintf("<t:%d:F>", t.Unix())
}

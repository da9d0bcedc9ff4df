// Package bot routes chat-platform events to the purchase and review workflow.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rcourtman/slipgate/internal/config"
	internalerrors "github.com/rcourtman/slipgate/internal/errors"
	"github.com/rcourtman/slipgate/internal/evidence"
	"github.com/rcourtman/slipgate/internal/gatemetrics"
	"github.com/rcourtman/slipgate/internal/logging"
	"github.com/rcourtman/slipgate/internal/notify"
	"github.com/rcourtman/slipgate/internal/platform"
	"github.com/rcourtman/slipgate/internal/ratelimit"
	"github.com/rcourtman/slipgate/internal/registry"
	"github.com/rcourtman/slipgate/internal/workflow"
)

// ShopCommand posts the plan catalog.
const ShopCommand = "!buy"

const (
	colorShop         = 0x5865f2
	maxRejectReason   = 500
	maxHistoryEntries = 6
)

// Workflow is the subset of the workflow service the router drives.
type Workflow interface {
	Plans() []config.Plan
	StartPurchase(ctx context.Context, buyerID, planID string) (*registry.Order, bool, error)
	SubmitEvidence(ctx context.Context, buyerID string, sub workflow.Submission) (workflow.Result, error)
	Approve(ctx context.Context, orderID, actor string) (workflow.Decision, error)
	Reject(ctx context.Context, orderID, actor, reason string) (workflow.Decision, error)
	Describe(ctx context.Context, orderID string) (*registry.Order, []registry.OrderEvent, error)
}

// Config holds the channels and presentation details the router needs.
type Config struct {
	GuildID        string
	ScanChannelID  string
	AdminChannelID string
	WalletDisplay  string
	QRImageURL     string
	Timeout        time.Duration
	// EvidenceLimit submissions per buyer within EvidenceWindow.
	EvidenceLimit  int
	EvidenceWindow time.Duration
}

// Router implements platform.Handler.
type Router struct {
	cfg      Config
	flow     Workflow
	client   platform.Client
	notifier *notify.Dispatcher
	limiter  *ratelimit.Limiter
}

var _ platform.Handler = (*Router)(nil)

// NewRouter creates a router.
func NewRouter(cfg Config, flow Workflow, client platform.Client, notifier *notify.Dispatcher, limiter *ratelimit.Limiter) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if limiter == nil {
		limiter = ratelimit.New(cfg.EvidenceLimit, cfg.EvidenceWindow, nil)
	}
	return &Router{cfg: cfg, flow: flow, client: client, notifier: notifier, limiter: limiter}
}

// HandleMessage reacts to the shop command and to evidence posted in the scan channel.
func (r *Router) HandleMessage(ctx context.Context, m platform.MessageCreate) {
	ctx = withEventContext(ctx)
	defer recoverHandler(ctx, "message")

	if m.AuthorBot {
		return
	}
	if r.cfg.GuildID != "" && m.GuildID != "" && m.GuildID != r.cfg.GuildID {
		return
	}

	content := strings.TrimSpace(m.Content)
	if fields := strings.Fields(content); len(fields) > 0 && strings.EqualFold(fields[0], ShopCommand) {
		r.postShop(ctx, m.ChannelID)
		return
	}
	if m.ChannelID == r.cfg.ScanChannelID {
		r.handleEvidence(ctx, m)
	}
}

// HandleInteraction dispatches button clicks and modal submissions by custom ID.
func (r *Router) HandleInteraction(ctx context.Context, in platform.Interaction) {
	ctx = withEventContext(ctx)
	defer recoverHandler(ctx, "interaction")

	action, id, ok := platform.ParseCustomID(in.CustomID)
	if !ok {
		r.respond(ctx, in, platform.Response{Content: "This button is no longer valid.", Ephemeral: true})
		return
	}
	logger := logging.FromContext(ctx).With().Str("action", action).Str("user_id", in.UserID).Logger()
	logger.Debug().Str("target", id).Msg("Interaction received")

	switch action {
	case platform.ActionBuy:
		r.startPurchase(ctx, in, id)
	case platform.ActionApprove:
		if r.requireStaff(ctx, in) {
			r.approve(ctx, in, id)
		}
	case platform.ActionReject:
		if r.requireStaff(ctx, in) {
			r.respond(ctx, in, platform.Response{Modal: rejectModal(id)})
		}
	case platform.ActionRejectReason:
		if r.requireStaff(ctx, in) {
			r.reject(ctx, in, id)
		}
	case platform.ActionInfo:
		if r.requireStaff(ctx, in) {
			r.info(ctx, in, id)
		}
	default:
		logger.Warn().Msg("Unknown interaction action")
		r.respond(ctx, in, platform.Response{Content: "This button is no longer valid.", Ephemeral: true})
	}
}

// requireStaff limits review actions to the overseer channel.
func (r *Router) requireStaff(ctx context.Context, in platform.Interaction) bool {
	if in.ChannelID == r.cfg.AdminChannelID {
		return true
	}
	r.respond(ctx, in, platform.Response{Content: "This action is only available to staff.", Ephemeral: true})
	return false
}

func (r *Router) postShop(ctx context.Context, channelID string) {
	plans := r.flow.Plans()
	fields := make([]platform.EmbedField, 0, len(plans))
	buttons := make([]platform.Button, 0, len(plans))
	for _, p := range plans {
		fields = append(fields, platform.EmbedField{
			Name:   p.Label,
			Value:  notify.FormatAmount(p.Price),
			Inline: true,
		})
		buttons = append(buttons, platform.Button{
			CustomID: platform.CustomID(platform.ActionBuy, p.ID),
			Label:    fmt.Sprintf("%s · %s", p.Label, notify.FormatAmount(p.Price)),
			Style:    platform.ButtonPrimary,
		})
	}

	desc := "Pick a plan below, pay, then post your payment slip in " + channelMention(r.cfg.ScanChannelID) + "."
	if r.cfg.WalletDisplay != "" {
		desc += "\nWallet: **" + r.cfg.WalletDisplay + "**"
	}
	msg := platform.Message{
		Embeds: []platform.Embed{{
			Title:       "Choose a plan",
			Description: desc,
			Color:       colorShop,
			Fields:      fields,
			ImageURL:    r.cfg.QRImageURL,
		}},
		Buttons: buttons,
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	if _, err := r.client.SendChannelMessage(callCtx, channelID, msg); err != nil {
		r.platformFailure(ctx, "bot.post_shop", err)
	}
}

func (r *Router) startPurchase(ctx context.Context, in platform.Interaction, planID string) {
	o, created, err := r.flow.StartPurchase(ctx, in.UserID, planID)
	if err != nil {
		var open *registry.OpenOrderError
		if errors.As(err, &open) {
			r.respond(ctx, in, platform.Response{
				Content: fmt.Sprintf("You already have an open order %s (%s, %s). Post your payment slip in %s or wait for staff to review it.",
					open.Existing.ID, open.Existing.PlanID, open.Existing.Status, channelMention(r.cfg.ScanChannelID)),
				Ephemeral: true,
			})
			return
		}
		r.failInteraction(ctx, in, err)
		return
	}

	title := "Order created"
	if !created {
		title = "Your order is still open"
	}
	desc := fmt.Sprintf("Pay **%s** and post the slip in %s.\nInclude `%s` in the transfer note if you can.",
		notify.FormatAmount(o.PriceAmount), channelMention(r.cfg.ScanChannelID), o.ID)
	if r.cfg.WalletDisplay != "" {
		desc += "\nWallet: **" + r.cfg.WalletDisplay + "**"
	}
	r.respond(ctx, in, platform.Response{
		Ephemeral: true,
		Embeds: []platform.Embed{{
			Title:       title,
			Description: desc,
			Color:       colorShop,
			Fields:      []platform.EmbedField{{Name: "Order", Value: o.ID, Inline: true}, {Name: "Plan", Value: o.PlanID, Inline: true}},
			ImageURL:    r.cfg.QRImageURL,
		}},
	})
}

func (r *Router) approve(ctx context.Context, in platform.Interaction, orderID string) {
	if !r.respond(ctx, in, platform.Response{Deferred: true, Ephemeral: true}) {
		return
	}
	d, err := r.flow.Approve(ctx, orderID, in.UserID)
	r.finishDecision(ctx, in, d, err)
}

func (r *Router) reject(ctx context.Context, in platform.Interaction, orderID string) {
	reason := strings.TrimSpace(in.Values[platform.ReasonInputID])
	if !r.respond(ctx, in, platform.Response{Deferred: true, Ephemeral: true}) {
		return
	}
	d, err := r.flow.Reject(ctx, orderID, in.UserID, reason)
	r.finishDecision(ctx, in, d, err)
}

func (r *Router) finishDecision(ctx context.Context, in platform.Interaction, d workflow.Decision, err error) {
	resp := platform.Response{Content: d.Note, Ephemeral: true}
	if err != nil {
		logFault(ctx, err, "Decision failed")
		resp.Content = internalerrors.UserMessage(err)
	}
	r.edit(ctx, in, resp)
}

func rejectModal(orderID string) *platform.Modal {
	return &platform.Modal{
		CustomID: platform.CustomID(platform.ActionRejectReason, orderID),
		Title:    "Reject order " + orderID,
		Inputs: []platform.TextInput{{
			CustomID:    platform.ReasonInputID,
			Label:       "Reason shown to the buyer",
			Placeholder: "e.g. the amount on the slip does not match",
			Paragraph:   true,
			Required:    true,
			MinLength:   1,
			MaxLength:   maxRejectReason,
		}},
	}
}

func (r *Router) info(ctx context.Context, in platform.Interaction, orderID string) {
	o, events, err := r.flow.Describe(ctx, orderID)
	if err != nil {
		r.failInteraction(ctx, in, err)
		return
	}
	embed := notify.OrderSummary(o)
	if len(events) > 0 {
		start := max(0, len(events)-maxHistoryEntries)
		lines := make([]string, 0, len(events)-start)
		for _, e := range events[start:] {
			lines = append(lines, fmt.Sprintf("<t:%d:t> %s by %s", e.CreatedAt.Unix(), e.Kind, e.Actor))
		}
		embed.Fields = append(embed.Fields, platform.EmbedField{Name: "History", Value: strings.Join(lines, "\n")})
	}
	if o.DecisionReason != "" {
		embed.Fields = append(embed.Fields, platform.EmbedField{Name: "Reason", Value: o.DecisionReason})
	}
	r.respond(ctx, in, platform.Response{Ephemeral: true, Embeds: []platform.Embed{embed}})
}

func (r *Router) handleEvidence(ctx context.Context, m platform.MessageCreate) {
	logger := logging.FromContext(ctx).With().Str("buyer_id", m.AuthorID).Str("message_id", m.MessageID).Logger()

	var (
		ev   evidence.Evidence
		file *platform.File
	)
	if a, ok := firstImage(m.Attachments); ok {
		if !r.limiter.Allow(m.AuthorID) {
			_ = r.notifier.Reply(ctx, m.AuthorID, "You are sending payment slips too quickly. Please wait a minute and try again.")
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		data, err := r.client.FetchAttachment(callCtx, a)
		cancel()
		if err != nil {
			r.platformFailure(ctx, "bot.fetch_attachment", err)
			_ = r.notifier.Reply(ctx, m.AuthorID, "Your payment slip could not be read. "+internalerrors.UserMessage(err))
			return
		}
		ev = evidence.Image(data, a.ContentType, a.Filename)
		file = &platform.File{Name: a.Filename, ContentType: a.ContentType, Data: data}
	} else if text := strings.TrimSpace(m.Content); text != "" {
		if !r.limiter.Allow(m.AuthorID) {
			_ = r.notifier.Reply(ctx, m.AuthorID, "You are sending payment slips too quickly. Please wait a minute and try again.")
			return
		}
		ev = evidence.Link(text)
	} else {
		return
	}

	res, err := r.flow.SubmitEvidence(ctx, m.AuthorID, workflow.Submission{
		Evidence:  ev,
		BuyerName: m.AuthorName,
		File:      file,
	})
	if err != nil {
		logFault(ctx, err, "Evidence submission failed")
		msg := internalerrors.UserMessage(err)
		if errors.Is(err, internalerrors.ErrNotFound) {
			msg = fmt.Sprintf("You have no open order. Type `%s` to choose a plan first.", ShopCommand)
		}
		_ = r.notifier.Reply(ctx, m.AuthorID, msg)
		return
	}
	logger.Info().
		Str("order_id", res.Order.ID).
		Str("verdict", string(res.Verdict.Outcome)).
		Str("status", string(res.Order.Status)).
		Msg("Evidence processed")

	// The slip now lives in the audit trail and the review prompt.
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	if err := r.client.DeleteMessage(callCtx, m.ChannelID, m.MessageID); err != nil && !errors.Is(err, internalerrors.ErrMissingEntity) {
		r.platformFailure(ctx, "bot.delete_evidence", err)
	}
}

func firstImage(attachments []platform.Attachment) (platform.Attachment, bool) {
	for _, a := range attachments {
		if evidence.IsImageType(a.ContentType) {
			return a, true
		}
	}
	return platform.Attachment{}, false
}

func (r *Router) failInteraction(ctx context.Context, in platform.Interaction, err error) {
	logFault(ctx, err, "Interaction failed")
	r.respond(ctx, in, platform.Response{Content: internalerrors.UserMessage(err), Ephemeral: true})
}

// respond answers an interaction and reports whether the answer was delivered.
func (r *Router) respond(ctx context.Context, in platform.Interaction, resp platform.Response) bool {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	if err := r.client.RespondInteraction(callCtx, in, resp); err != nil {
		r.platformFailure(ctx, "bot.respond", err)
		return false
	}
	return true
}

func (r *Router) edit(ctx context.Context, in platform.Interaction, resp platform.Response) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	if err := r.client.EditInteractionResponse(callCtx, in, resp); err != nil {
		r.platformFailure(ctx, "bot.edit_response", err)
	}
}

func (r *Router) platformFailure(ctx context.Context, op string, err error) {
	kind := internalerrors.Classify(err)
	gatemetrics.PlatformErrorsTotal.WithLabelValues(op, string(kind)).Inc()
	logFault(ctx, err, op+" failed")
}

// logFault logs err at the level its kind calls for.
func logFault(ctx context.Context, err error, msg string) {
	logger := logging.FromContext(ctx)
	kind := internalerrors.Classify(err)
	switch kind {
	case internalerrors.KindInvalidTransition, internalerrors.KindNotFound, internalerrors.KindValidation, internalerrors.KindConfiguration:
		logger.Info().Err(err).Str("kind", string(kind)).Msg(msg)
	case internalerrors.KindMissingEntity, internalerrors.KindTransient:
		logger.Warn().Err(err).Str("kind", string(kind)).Msg(msg)
	default:
		logger.Error().Err(err).Str("kind", string(kind)).Msg(msg)
	}
}

func withEventContext(ctx context.Context) context.Context {
	if logging.CorrelationID(ctx) != "" {
		return ctx
	}
	ctx, _ = logging.WithCorrelationID(ctx, "")
	return ctx
}

func recoverHandler(ctx context.Context, kind string) {
	if rec := recover(); rec != nil {
		logging.FromContext(ctx).Error().
			Interface("panic", rec).
			Str("event", kind).
			Bytes("stack", debug.Stack()).
			Msg("Recovered from panic in event handler")
	}
}

func channelMention(id string) string {
	if id == "" {
		return "the payments channel"
	}
	return "<#" + id + ">"
}

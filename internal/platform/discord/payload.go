package discord

import (
	"github.com/rcourtman/slipgate/internal/platform"
)

// Component types.
const (
	componentActionRow = 1
	componentButton    = 2
	componentTextInput = 4
	componentLabel     = 18
)

// Interaction types and callback types.
const (
	interactionPing           = 1
	interactionComponent      = 3
	interactionModalSubmit    = 5
	callbackChannelMessage    = 4
	callbackDeferredMessage   = 5
	callbackModal             = 9
	messageFlagEphemeral      = 1 << 6
	maxButtonsPerRow          = 5
	maxActionRows             = 5
	textInputShort            = 1
	textInputParagraph        = 2
	maxEmbedDescriptionLength = 4096
)

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedImage struct {
	URL string `json:"url"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embedPayload struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Image       *embedImage  `json:"image,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type componentPayload struct {
	Type        int                `json:"type"`
	Components  []componentPayload `json:"components,omitempty"`
	Style       int                `json:"style,omitempty"`
	Label       string             `json:"label,omitempty"`
	CustomID    string             `json:"custom_id,omitempty"`
	URL         string             `json:"url,omitempty"`
	Disabled    bool               `json:"disabled,omitempty"`
	Placeholder string             `json:"placeholder,omitempty"`
	Required    *bool              `json:"required,omitempty"`
	MinLength   int                `json:"min_length,omitempty"`
	MaxLength   int                `json:"max_length,omitempty"`
}

type attachmentRef struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

type messagePayload struct {
	Content         string             `json:"content,omitempty"`
	Embeds          []embedPayload     `json:"embeds,omitempty"`
	Components      []componentPayload `json:"components,omitempty"`
	Attachments     []attachmentRef    `json:"attachments,omitempty"`
	Flags           int                `json:"flags,omitempty"`
	AllowedMentions *allowedMentions   `json:"allowed_mentions,omitempty"`
}

type modalPayload struct {
	CustomID   string             `json:"custom_id"`
	Title      string             `json:"title"`
	Components []componentPayload `json:"components"`
}

type callbackPayload struct {
	Type int `json:"type"`
	Data any `json:"data,omitempty"`
}

type apiError struct {
	Code       int     `json:"code"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
}

func toEmbeds(in []platform.Embed) []embedPayload {
	if len(in) == 0 {
		return nil
	}
	out := make([]embedPayload, 0, len(in))
	for _, e := range in {
		p := embedPayload{
			Title:       e.Title,
			Description: truncateRunes(e.Description, maxEmbedDescriptionLength),
			Color:       e.Color,
		}
		for _, f := range e.Fields {
			p.Fields = append(p.Fields, embedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
		}
		if e.ImageURL != "" {
			p.Image = &embedImage{URL: e.ImageURL}
		}
		if e.Footer != "" {
			p.Footer = &embedFooter{Text: e.Footer}
		}
		out = append(out, p)
	}
	return out
}

// toComponents packs buttons into action rows of at most five.
func toComponents(buttons []platform.Button) []componentPayload {
	var rows []componentPayload
	for start := 0; start < len(buttons) && len(rows) < maxActionRows; start += maxButtonsPerRow {
		end := min(start+maxButtonsPerRow, len(buttons))
		row := componentPayload{Type: componentActionRow}
		for _, b := range buttons[start:end] {
			c := componentPayload{
				Type:     componentButton,
				Style:    int(b.Style),
				Label:    b.Label,
				Disabled: b.Disabled,
			}
			if b.Style == platform.ButtonLink {
				c.URL = b.URL
			} else {
				c.CustomID = b.CustomID
			}
			row.Components = append(row.Components, c)
		}
		rows = append(rows, row)
	}
	return rows
}

func toMessage(msg platform.Message) messagePayload {
	p := messagePayload{
		Content:         msg.Content,
		Embeds:          toEmbeds(msg.Embeds),
		Components:      toComponents(msg.Buttons),
		AllowedMentions: &allowedMentions{Parse: []string{"users"}},
	}
	for i, f := range msg.Files {
		p.Attachments = append(p.Attachments, attachmentRef{ID: i, Filename: f.Name})
	}
	return p
}

func toModal(m *platform.Modal) modalPayload {
	out := modalPayload{CustomID: m.CustomID, Title: m.Title}
	for _, in := range m.Inputs {
		style := textInputShort
		if in.Paragraph {
			style = textInputParagraph
		}
		required := in.Required
		out.Components = append(out.Components, componentPayload{
			Type: componentActionRow,
			Components: []componentPayload{{
				Type:        componentTextInput,
				CustomID:    in.CustomID,
				Label:       in.Label,
				Style:       style,
				Placeholder: in.Placeholder,
				Required:    &required,
				MinLength:   in.MinLength,
				MaxLength:   in.MaxLength,
			}},
		})
	}
	return out
}

func toCallback(resp platform.Response) callbackPayload {
	if resp.Modal != nil {
		return callbackPayload{Type: callbackModal, Data: toModal(resp.Modal)}
	}
	if resp.Deferred {
		data := messagePayload{}
		if resp.Ephemeral {
			data.Flags = messageFlagEphemeral
		}
		return callbackPayload{Type: callbackDeferredMessage, Data: data}
	}
	return callbackPayload{Type: callbackChannelMessage, Data: toResponseMessage(resp)}
}

// toResponseMessage renders the message body of an interaction reply.
func toResponseMessage(resp platform.Response) messagePayload {
	data := messagePayload{
		Content:         resp.Content,
		Embeds:          toEmbeds(resp.Embeds),
		Components:      toComponents(resp.Buttons),
		AllowedMentions: &allowedMentions{Parse: []string{}},
	}
	if resp.Ephemeral {
		data.Flags = messageFlagEphemeral
	}
	return data
}

// Inbound gateway payloads.

type wireUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Bot        bool   `json:"bot"`
}

func (u wireUser) displayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

type wireAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	URL         string `json:"url"`
}

type wireMessage struct {
	ID          string           `json:"id"`
	ChannelID   string           `json:"channel_id"`
	GuildID     string           `json:"guild_id"`
	Content     string           `json:"content"`
	Author      wireUser         `json:"author"`
	Attachments []wireAttachment `json:"attachments"`
}

func (m wireMessage) toPlatform() platform.MessageCreate {
	out := platform.MessageCreate{
		MessageID:  m.ID,
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.displayName(),
		AuthorBot:  m.Author.Bot,
		Content:    m.Content,
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, platform.Attachment{
			ID:          a.ID,
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	return out
}

type wireInputComponent struct {
	Type       int                  `json:"type"`
	CustomID   string               `json:"custom_id"`
	Value      string               `json:"value"`
	Components []wireInputComponent `json:"components"`
	Component  *wireInputComponent  `json:"component"`
}

type wireInteraction struct {
	ID            string `json:"id"`
	ApplicationID string `json:"application_id"`
	Token         string `json:"token"`
	Type          int    `json:"type"`
	ChannelID     string `json:"channel_id"`
	GuildID       string `json:"guild_id"`
	Member        *struct {
		User wireUser `json:"user"`
	} `json:"member"`
	User *wireUser `json:"user"`
	Data struct {
		CustomID   string               `json:"custom_id"`
		Components []wireInputComponent `json:"components"`
	} `json:"data"`
}

// toPlatform converts a component or modal interaction. Other kinds report false.
func (in wireInteraction) toPlatform() (platform.Interaction, bool) {
	var kind platform.InteractionKind
	switch in.Type {
	case interactionComponent:
		kind = platform.InteractionButton
	case interactionModalSubmit:
		kind = platform.InteractionModalSubmit
	default:
		return platform.Interaction{}, false
	}

	var user wireUser
	switch {
	case in.Member != nil:
		user = in.Member.User
	case in.User != nil:
		user = *in.User
	}

	out := platform.Interaction{
		ID:            in.ID,
		ApplicationID: in.ApplicationID,
		Token:         in.Token,
		Kind:          kind,
		CustomID:      in.Data.CustomID,
		ChannelID:     in.ChannelID,
		GuildID:       in.GuildID,
		UserID:        user.ID,
		UserName:      user.displayName(),
	}
	if kind == platform.InteractionModalSubmit {
		out.Values = make(map[string]string)
		collectInputs(in.Data.Components, out.Values)
	}
	return out, true
}

// collectInputs walks action rows and label wrappers for text inputs.
func collectInputs(components []wireInputComponent, into map[string]string) {
	for _, c := range components {
		if c.Type == componentTextInput && c.CustomID != "" {
			into[c.CustomID] = c.Value
		}
		collectInputs(c.Components, into)
		if c.Component != nil {
			collectInputs([]wireInputComponent{*c.Component}, into)
		}
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

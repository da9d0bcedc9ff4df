// Package platform defines the chat-platform collaborator: inbound events
// and the outbound primitives the engine relies on.
package platform

import "context"

// Client is the outbound surface of the chat platform. Implementations
// return internal/errors faults: Transient for retryable I/O failures and
// MissingEntity when the member, role, channel or message no longer exists.
type Client interface {
	SendChannelMessage(ctx context.Context, channelID string, msg Message) (string, error)
	SendDirectMessage(ctx context.Context, userID string, msg Message) error
	AddRole(ctx context.Context, userID, roleID string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
	HasRole(ctx context.Context, userID, roleID string) (bool, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	FetchAttachment(ctx context.Context, a Attachment) ([]byte, error)
	RespondInteraction(ctx context.Context, in Interaction, resp Response) error
	// EditInteractionResponse replaces the reply to an interaction that was
	// answered with a deferred response.
	EditInteractionResponse(ctx context.Context, in Interaction, resp Response) error
}

// Handler consumes inbound events.
type Handler interface {
	HandleMessage(ctx context.Context, m MessageCreate)
	HandleInteraction(ctx context.Context, in Interaction)
}

// ButtonStyle mirrors the platform's button colours.
type ButtonStyle int

const (
	ButtonPrimary   ButtonStyle = 1
	ButtonSecondary ButtonStyle = 2
	ButtonSuccess   ButtonStyle = 3
	ButtonDanger    ButtonStyle = 4
	ButtonLink      ButtonStyle = 5
)

// Button is an interactive component. CustomID carries "<action>:<id>";
// link buttons carry a URL instead.
type Button struct {
	CustomID string
	Label    string
	Style    ButtonStyle
	URL      string
	Disabled bool
}

// EmbedField is one name/value row of an embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Embed is a rich message card.
type Embed struct {
	Title       string
	Description string
	Color       int
	Fields      []EmbedField
	ImageURL    string
	Footer      string
}

// File is an uploaded attachment.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is an outbound message.
type Message struct {
	Content string
	Embeds  []Embed
	Buttons []Button
	Files   []File
}

// Attachment is an inbound file reference.
type Attachment struct {
	ID          string
	URL         string
	Filename    string
	ContentType string
	Size        int
}

// MessageCreate is a message posted in a channel or DM.
type MessageCreate struct {
	MessageID   string
	ChannelID   string
	GuildID     string
	AuthorID    string
	AuthorName  string
	AuthorBot   bool
	Content     string
	Attachments []Attachment
}

// InteractionKind distinguishes component clicks from modal submissions.
type InteractionKind int

const (
	InteractionButton InteractionKind = iota + 1
	InteractionModalSubmit
)

// Interaction is a button click or modal submission.
type Interaction struct {
	ID            string
	ApplicationID string
	Token         string
	Kind          InteractionKind
	CustomID      string
	ChannelID     string
	GuildID       string
	UserID        string
	UserName      string
	// Values holds modal text inputs keyed by input custom ID.
	Values map[string]string
}

// TextInput is a modal text field.
type TextInput struct {
	CustomID    string
	Label       string
	Placeholder string
	Paragraph   bool
	Required    bool
	MinLength   int
	MaxLength   int
}

// Modal is a form opened in response to an interaction.
type Modal struct {
	CustomID string
	Title    string
	Inputs   []TextInput
}

// Response answers an interaction with either a message or a modal.
// A Deferred response acknowledges the interaction and is completed later
// through EditInteractionResponse.
type Response struct {
	Content   string
	Ephemeral bool
	Deferred  bool
	Embeds    []Embed
	Buttons   []Button
	Modal     *Modal
}

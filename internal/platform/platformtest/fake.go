// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	internalerrors "github.com/rcourtman/slipgate/internal/errors"
	"github.com/rcourtman/slipgate/internal/platform"
)

// SentMessage records a channel message.
type SentMessage struct {
	ID        string
	ChannelID string
	Message   platform.Message
}

// DirectMessage records a DM.
type DirectMessage struct {
	UserID  string
	Message platform.Message
}

// InteractionResponse records an interaction reply.
type InteractionResponse struct {
	Interaction platform.Interaction
	Response    platform.Response
}

// Fake records every call and keeps a member -> roles view.
// Error fields, when set, are returned by the matching method.
type Fake struct {
	mu sync.Mutex

	Channel      []SentMessage
	Direct       []DirectMessage
	Deleted      []string
	Responses    []InteractionResponse
	Edits        []InteractionResponse
	RoleAdds     int
	RoleRemovals int

	roles       map[string]map[string]bool
	missing     map[string]bool
	attachments map[string][]byte
	nextID      int

	AddRoleErr    error
	RemoveRoleErr error
	HasRoleErr    error
	DirectErr     error
	ChannelErr    error
	DeleteErr     error
	FetchErr      error
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		roles:       make(map[string]map[string]bool),
		missing:     make(map[string]bool),
		attachments: make(map[string][]byte),
	}
}

// SetMissing makes the member unknown: role calls fail with MissingEntity.
func (f *Fake) SetMissing(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[userID] = true
}

// SetAttachment serves data for the given attachment URL.
func (f *Fake) SetAttachment(url string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments[url] = data
}

// GiveRole sets a role directly, bypassing AddRole accounting.
func (f *Fake) GiveRole(userID, roleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.member(userID)[roleID] = true
}

// TakeRole removes a role directly.
func (f *Fake) TakeRole(userID, roleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.member(userID), roleID)
}

// MemberHasRole reports the fake's current view.
func (f *Fake) MemberHasRole(userID, roleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[userID][roleID]
}

// DirectTo returns the DMs sent to userID.
func (f *Fake) DirectTo(userID string) []DirectMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []DirectMessage
	for _, dm := range f.Direct {
		if dm.UserID == userID {
			out = append(out, dm)
		}
	}
	return out
}

// ChannelMessages returns the messages posted to channelID.
func (f *Fake) ChannelMessages(channelID string) []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SentMessage
	for _, m := range f.Channel {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	return out
}

// LastResponse returns the most recent interaction response.
func (f *Fake) LastResponse() (InteractionResponse, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Responses) == 0 {
		return InteractionResponse{}, false
	}
	return f.Responses[len(f.Responses)-1], true
}

func (f *Fake) member(userID string) map[string]bool {
	m, ok := f.roles[userID]
	if !ok {
		m = make(map[string]bool)
		f.roles[userID] = m
	}
	return m
}

func (f *Fake) SendChannelMessage(_ context.Context, channelID string, msg platform.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ChannelErr != nil {
		return "", f.ChannelErr
	}
	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	f.Channel = append(f.Channel, SentMessage{ID: id, ChannelID: channelID, Message: msg})
	return id, nil
}

func (f *Fake) SendDirectMessage(_ context.Context, userID string, msg platform.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DirectErr != nil {
		return f.DirectErr
	}
	f.Direct = append(f.Direct, DirectMessage{UserID: userID, Message: msg})
	return nil
}

func (f *Fake) AddRole(_ context.Context, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AddRoleErr != nil {
		return f.AddRoleErr
	}
	if f.missing[userID] {
		return internalerrors.MissingEntity("platform.add_role", userID, nil)
	}
	f.RoleAdds++
	f.member(userID)[roleID] = true
	return nil
}

func (f *Fake) RemoveRole(_ context.Context, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveRoleErr != nil {
		return f.RemoveRoleErr
	}
	if f.missing[userID] {
		return internalerrors.MissingEntity("platform.remove_role", userID, nil)
	}
	f.RoleRemovals++
	delete(f.member(userID), roleID)
	return nil
}

func (f *Fake) HasRole(_ context.Context, userID, roleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HasRoleErr != nil {
		return false, f.HasRoleErr
	}
	if f.missing[userID] {
		return false, internalerrors.MissingEntity("platform.has_role", userID, nil)
	}
	return f.roles[userID][roleID], nil
}

func (f *Fake) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.Deleted = append(f.Deleted, channelID+"/"+messageID)
	return nil
}

func (f *Fake) FetchAttachment(_ context.Context, a platform.Attachment) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	data, ok := f.attachments[a.URL]
	if !ok {
		return nil, internalerrors.MissingEntity("platform.fetch_attachment", a.URL, nil)
	}
	return data, nil
}

func (f *Fake) RespondInteraction(_ context.Context, in platform.Interaction, resp platform.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses = append(f.Responses, InteractionResponse{Interaction: in, Response: resp})
	return nil
}

func (f *Fake) EditInteractionResponse(_ context.Context, in platform.Interaction, resp platform.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Edits = append(f.Edits, InteractionResponse{Interaction: in, Response: resp})
	return nil
}

// LastReply returns the final visible reply to interactions: the latest edit
// when the response was deferred, otherwise the latest response.
func (f *Fake) LastReply() (platform.Response, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Responses) == 0 {
		return platform.Response{}, false
	}
	last := f.Responses[len(f.Responses)-1]
	if last.Response.Deferred && len(f.Edits) > 0 {
		return f.Edits[len(f.Edits)-1].Response, true
	}
	return last.Response, true
}

var _ platform.Client = (*Fake)(nil)

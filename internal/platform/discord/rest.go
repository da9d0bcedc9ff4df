// Package discord implements platform.Client over the Discord REST API and
// delivers gateway events to a platform.Handler.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	internalerrors "github.com/rcourtman/slipgate/internal/errors"
	"github.com/rcourtman/slipgate/internal/platform"
)

const (
	DefaultAPIBase = "https://discord.com/api/v10"
	userAgent      = "DiscordBot (https://github.com/rcourtman/slipgate, 1.0)"

	maxAttachmentBytes = 16 << 20
	maxRetryAfter      = 5 * time.Second

	// JSON error codes that mean the target is gone rather than forbidden.
	codeUnknownMember   = 10007
	codeUnknownRole     = 10011
	codeUnknownUser     = 10013
	codeCannotMessageDM = 50007
)

// Config configures the REST client.
type Config struct {
	Token   string
	GuildID string
	APIBase string
	Timeout time.Duration
	// Resolver, when set, provides the dialer for outbound connections.
	Resolver *Resolver
}

// Client is a platform.Client backed by the Discord REST API.
type Client struct {
	token   string
	guildID string
	base    string
	http    *http.Client

	dmMu       sync.Mutex
	dmChannels map[string]string
}

var _ platform.Client = (*Client)(nil)

// NewClient creates a REST client.
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = DefaultAPIBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if cfg.Resolver != nil {
		httpClient.Transport = cfg.Resolver.Transport()
	}
	return &Client{
		token:      cfg.Token,
		guildID:    cfg.GuildID,
		base:       base,
		http:       httpClient,
		dmChannels: make(map[string]string),
	}
}

type createdMessage struct {
	ID string `json:"id"`
}

// SendChannelMessage posts msg to a channel and returns the new message ID.
func (c *Client) SendChannelMessage(ctx context.Context, channelID string, msg platform.Message) (string, error) {
	var created createdMessage
	if err := c.postMessage(ctx, "send_channel_message", channelID, channelID, msg, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// SendDirectMessage opens (or reuses) a DM channel with the user and posts msg.
func (c *Client) SendDirectMessage(ctx context.Context, userID string, msg platform.Message) error {
	channelID, err := c.dmChannel(ctx, userID)
	if err != nil {
		return err
	}
	return c.postMessage(ctx, "send_direct_message", userID, channelID, msg, nil)
}

func (c *Client) dmChannel(ctx context.Context, userID string) (string, error) {
	c.dmMu.Lock()
	id, ok := c.dmChannels[userID]
	c.dmMu.Unlock()
	if ok {
		return id, nil
	}

	var ch struct {
		ID string `json:"id"`
	}
	body := map[string]string{"recipient_id": userID}
	if err := c.doJSON(ctx, "open_dm", userID, http.MethodPost, "/users/@me/channels", body, &ch); err != nil {
		return "", err
	}

	c.dmMu.Lock()
	c.dmChannels[userID] = ch.ID
	c.dmMu.Unlock()
	return ch.ID, nil
}

// postMessage sends msg to channelID, uploading files as multipart parts.
func (c *Client) postMessage(ctx context.Context, op, subject, channelID string, msg platform.Message, out any) error {
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	payload := toMessage(msg)
	if len(msg.Files) == 0 {
		return c.doJSON(ctx, op, subject, http.MethodPost, path, payload, out)
	}

	body, contentType, err := multipartMessage(payload, msg.Files)
	if err != nil {
		return internalerrors.Validation(op, subject, err)
	}
	return c.do(ctx, op, subject, http.MethodPost, path, contentType, body, out, nil)
}

func multipartMessage(payload messagePayload, files []platform.File) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="payload_json"`)
	header.Set("Content-Type", "application/json")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(encoded); err != nil {
		return nil, "", err
	}

	for i, f := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[%d]"; filename=%q`, i, f.Name))
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (c *Client) memberRolePath(userID, roleID string) string {
	return fmt.Sprintf("/guilds/%s/members/%s/roles/%s",
		url.PathEscape(c.guildID), url.PathEscape(userID), url.PathEscape(roleID))
}

// AddRole grants roleID to the member. Adding a role the member already has succeeds.
func (c *Client) AddRole(ctx context.Context, userID, roleID string) error {
	return c.do(ctx, "add_role", userID, http.MethodPut, c.memberRolePath(userID, roleID), "", nil, nil,
		http.Header{"X-Audit-Log-Reason": {"entitlement granted"}})
}

// RemoveRole removes roleID from the member. Removing an absent role succeeds.
func (c *Client) RemoveRole(ctx context.Context, userID, roleID string) error {
	return c.do(ctx, "remove_role", userID, http.MethodDelete, c.memberRolePath(userID, roleID), "", nil, nil,
		http.Header{"X-Audit-Log-Reason": {"entitlement expired"}})
}

// HasRole reports whether the member currently holds roleID.
func (c *Client) HasRole(ctx context.Context, userID, roleID string) (bool, error) {
	var member struct {
		Roles []string `json:"roles"`
	}
	path := fmt.Sprintf("/guilds/%s/members/%s", url.PathEscape(c.guildID), url.PathEscape(userID))
	if err := c.doJSON(ctx, "get_member", userID, http.MethodGet, path, nil, &member); err != nil {
		return false, err
	}
	for _, r := range member.Roles {
		if r == roleID {
			return true, nil
		}
	}
	return false, nil
}

// DeleteMessage removes a message from a channel.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", url.PathEscape(channelID), url.PathEscape(messageID))
	return c.do(ctx, "delete_message", messageID, http.MethodDelete, path, "", nil, nil, nil)
}

// FetchAttachment downloads an attachment from the CDN.
func (c *Client) FetchAttachment(ctx context.Context, a platform.Attachment) ([]byte, error) {
	const op = "fetch_attachment"
	if a.Size > maxAttachmentBytes {
		return nil, internalerrors.Validation(op, a.Filename, fmt.Errorf("attachment is larger than %d MB", maxAttachmentBytes>>20))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, internalerrors.Validation(op, a.Filename, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, internalerrors.Transient(op, a.Filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, a.Filename, resp.StatusCode, nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, internalerrors.Transient(op, a.Filename, err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, internalerrors.Validation(op, a.Filename, fmt.Errorf("attachment is larger than %d MB", maxAttachmentBytes>>20))
	}
	return data, nil
}

// RespondInteraction answers an interaction with a message or a modal.
func (c *Client) RespondInteraction(ctx context.Context, in platform.Interaction, resp platform.Response) error {
	path := fmt.Sprintf("/interactions/%s/%s/callback", url.PathEscape(in.ID), url.PathEscape(in.Token))
	return c.doJSON(ctx, "respond_interaction", in.ID, http.MethodPost, path, toCallback(resp), nil)
}

// EditInteractionResponse completes a deferred interaction response.
func (c *Client) EditInteractionResponse(ctx context.Context, in platform.Interaction, resp platform.Response) error {
	path := fmt.Sprintf("/webhooks/%s/%s/messages/@original", url.PathEscape(in.ApplicationID), url.PathEscape(in.Token))
	return c.doJSON(ctx, "edit_interaction_response", in.ID, http.MethodPatch, path, toResponseMessage(resp), nil)
}

func (c *Client) doJSON(ctx context.Context, op, subject, method, path string, body, out any) error {
	var raw []byte
	contentType := ""
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return internalerrors.Validation(op, subject, err)
		}
		raw = encoded
		contentType = "application/json"
	}
	return c.do(ctx, op, subject, method, path, contentType, raw, out, nil)
}

// do performs one API call, retrying once when rate limited for a short period.
func (c *Client) do(ctx context.Context, op, subject, method, path, contentType string, body []byte, out any, extra http.Header) error {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
		if err != nil {
			return internalerrors.Validation(op, subject, err)
		}
		req.Header.Set("Authorization", "Bot "+c.token)
		req.Header.Set("User-Agent", userAgent)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for k, vs := range extra {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return internalerrors.Transient(op, subject, err)
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			return internalerrors.Transient(op, subject, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return internalerrors.Transient(op, subject, fmt.Errorf("decode response: %w", err))
			}
			return nil
		}

		var apiErr apiError
		_ = json.Unmarshal(respBody, &apiErr)
		if resp.StatusCode == http.StatusTooManyRequests && attempt == 0 {
			wait := retryAfter(resp.Header, apiErr)
			if wait <= maxRetryAfter {
				select {
				case <-ctx.Done():
					return internalerrors.Transient(op, subject, ctx.Err())
				case <-time.After(wait):
				}
				continue
			}
		}
		return statusError(op, subject, resp.StatusCode, &apiErr)
	}
}

func retryAfter(h http.Header, apiErr apiError) time.Duration {
	if apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter * float64(time.Second))
	}
	if secs, err := strconv.ParseFloat(h.Get("Retry-After"), 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return time.Second
}

// statusError maps an HTTP failure onto the fault taxonomy.
func statusError(op, subject string, status int, apiErr *apiError) error {
	detail := fmt.Errorf("discord returned HTTP %d", status)
	if apiErr != nil && apiErr.Message != "" {
		detail = fmt.Errorf("discord returned HTTP %d: %s (code %d)", status, apiErr.Message, apiErr.Code)
	}

	code := 0
	if apiErr != nil {
		code = apiErr.Code
	}
	switch {
	case status == http.StatusNotFound,
		code == codeUnknownMember, code == codeUnknownRole, code == codeUnknownUser,
		code == codeCannotMessageDM:
		return internalerrors.MissingEntity(op, subject, detail)
	case status == http.StatusTooManyRequests, status >= 500:
		return internalerrors.Transient(op, subject, detail)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return internalerrors.Configuration(op, subject, detail)
	default:
		return internalerrors.Validation(op, subject, detail)
	}
}

// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

// webhookPayload is the body of an incoming webhook request.
type webhookPayload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`
}

// maxWebhookErrorBody bounds how much of an error response is read.
const maxWebhookErrorBody = 4 << 10

// CreateWebhook creates an incoming webhook locked to a channel.
func (mc *MattermostConnector) CreateWebhook(ctx context.Context, id relay.ChannelID, name string) (string, error) {
	hook, resp, err := mc.client.CreateIncomingWebhook(ctx, &model.IncomingWebhook{
		ChannelId:     string(id),
		DisplayName:   name,
		Description:   "Created by " + mc.username,
		ChannelLocked: true,
	})
	if err != nil {
		return "", channelGone(resp, fmt.Errorf("failed to create incoming webhook: %w", err))
	}
	return hook.Id, nil
}

// SendViaWebhook posts through an incoming webhook with the post's identity.
func (mc *MattermostConnector) SendViaWebhook(ctx context.Context, webhookID string, post relay.Post) error {
	body, err := json.Marshal(webhookPayload{
		Text:     post.Text,
		Username: post.DisplayName,
		IconURL:  post.AvatarURL,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	url := mc.Config.ServerURL + "/hooks/" + webhookID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := mc.client.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookErrorBody))
	if webhookGone(resp.StatusCode, string(errBody)) {
		return fmt.Errorf("webhook %s: %w", webhookID, relay.ErrWebhookGone)
	}
	return fmt.Errorf("webhook request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
}

// webhookGone reports whether an error response means the hook was deleted.
// Mattermost answers unknown hook ids with 404 or a 400 naming the hook.
func webhookGone(status int, body string) bool {
	switch status {
	case http.StatusNotFound:
		return true
	case http.StatusBadRequest:
		return strings.Contains(body, "incoming_webhook") || strings.Contains(body, "webhook.invalid")
	}
	return false
}

// SendDirect posts text as the bot account.
func (mc *MattermostConnector) SendDirect(ctx context.Context, id relay.ChannelID, text string) error {
	_, resp, err := mc.client.CreatePost(ctx, &model.Post{
		ChannelId: string(id),
		Message:   text,
	})
	if err != nil {
		return channelGone(resp, fmt.Errorf("failed to create post: %w", err))
	}
	return nil
}

// SendEmbed posts as the bot account with the original author shown in a
// message attachment.
func (mc *MattermostConnector) SendEmbed(ctx context.Context, id relay.ChannelID, post relay.Post) error {
	mmPost := &model.Post{
		ChannelId: string(id),
		Message:   post.Text,
	}
	mmPost.AddProp("attachments", []map[string]any{{
		"fallback":    post.Text,
		"author_name": post.DisplayName,
		"author_icon": post.AvatarURL,
	}})
	_, resp, err := mc.client.CreatePost(ctx, mmPost)
	if err != nil {
		return channelGone(resp, fmt.Errorf("failed to create degraded post: %w", err))
	}
	return nil
}

// DeleteMessage deletes a post. A post that no longer exists is reported as
// relay.ErrMessageGone.
func (mc *MattermostConnector) DeleteMessage(ctx context.Context, handle string) error {
	resp, err := mc.client.DeletePost(ctx, handle)
	if err != nil {
		if statusCode(resp) == http.StatusNotFound {
			return fmt.Errorf("post %s: %w", handle, relay.ErrMessageGone)
		}
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}

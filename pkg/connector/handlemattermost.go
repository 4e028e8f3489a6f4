// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

// handleEvent dispatches a Mattermost WebSocket event.
func (mc *MattermostConnector) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		mc.handlePosted(ctx, evt)
	default:
		mc.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

func (mc *MattermostConnector) handlePosted(ctx context.Context, evt *model.WebSocketEvent) {
	observed, err := mc.parsePostedEvent(evt)
	if err != nil {
		mc.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	if observed == nil {
		return
	}
	obs := mc.getObserver()
	if obs == nil {
		return
	}
	obs.HandleObserved(ctx, *observed)
}

// parsePostedEvent extracts a post from a WebSocket event, applying echo
// prevention. Returns (nil, nil) to skip silently, (nil, err) to log an
// error, or (post, nil) to proceed.
//
// Webhook posts are always kept, including those made through our own
// webhooks, since duplicate detection needs them.
func (mc *MattermostConnector) parsePostedEvent(evt *model.WebSocketEvent) (*relay.ObservedPost, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Echo prevention: skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	fromWebhook := isWebhookPost(&post)
	// Echo prevention: skip own direct posts (command replies, degraded posts).
	if !fromWebhook && post.UserId == mc.userID {
		return nil, nil
	}

	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	// Echo prevention: bridge-managed bots never issue commands.
	if !fromWebhook && senderName != "" && isBridgeUsername(senderName, mc.Config.BotPrefix) {
		mc.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Skipping bridge username post (echo prevention)")
		return nil, nil
	}

	observed := toObserved(&post)
	if !fromWebhook {
		observed.AuthorName = senderName
	}
	return observed, nil
}

// isBridgeUsername reports whether a username belongs to a bridge-managed bot.
func isBridgeUsername(username, prefix string) bool {
	return prefix != "" && strings.HasPrefix(username, prefix)
}

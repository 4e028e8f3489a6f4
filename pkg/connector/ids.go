// Copyright 2024-2026 Aiku AI

package connector

import (
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

const (
	propFromWebhook      = "from_webhook"
	propOverrideUsername = "override_username"
)

// isWebhookPost reports whether a post was made through an incoming webhook.
func isWebhookPost(post *model.Post) bool {
	v, _ := post.GetProp(propFromWebhook).(string)
	return v == "true"
}

// webhookAuthor returns the username a webhook post was shown under.
func webhookAuthor(post *model.Post) string {
	v, _ := post.GetProp(propOverrideUsername).(string)
	return v
}

// toObserved converts a post. AuthorName is only filled for webhook posts.
func toObserved(post *model.Post) *relay.ObservedPost {
	observed := &relay.ObservedPost{
		Handle:      post.Id,
		ChannelID:   relay.ChannelID(post.ChannelId),
		UserID:      post.UserId,
		FromWebhook: isWebhookPost(post),
		Body:        post.Message,
		Timestamp:   time.UnixMilli(post.CreateAt),
	}
	if observed.FromWebhook {
		observed.AuthorName = webhookAuthor(post)
	}
	return observed
}

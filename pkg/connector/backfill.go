// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sort"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

const maxPerPage = 200

// RecentWebhookPosts fetches the latest posts of each channel and returns
// the webhook posts among them, oldest first. Channels that fail are
// logged and skipped.
func (mc *MattermostConnector) RecentWebhookPosts(ctx context.Context, channels []relay.ChannelID, perChannel int) []relay.ObservedPost {
	if perChannel <= 0 {
		return nil
	}
	perPage := min(perChannel, maxPerPage)

	var out []relay.ObservedPost
	for _, id := range channels {
		posts, err := mc.recentPosts(ctx, id, perPage)
		if err != nil {
			mc.log.Warn().Err(err).Str("channel_id", string(id)).Msg("Failed to fetch recent posts")
			continue
		}
		for _, post := range posts {
			if post.Type != "" && post.Type != model.PostTypeDefault {
				continue
			}
			if !isWebhookPost(post) {
				continue
			}
			out = append(out, *toObserved(post))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (mc *MattermostConnector) recentPosts(ctx context.Context, id relay.ChannelID, perPage int) ([]*model.Post, error) {
	postList, _, err := mc.client.GetPostsForChannel(ctx, string(id), 0, perPage, "", false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch posts: %w", err)
	}
	return postList.ToSlice(), nil
}

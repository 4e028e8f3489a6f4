// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

// Either permission lets the bot create its own incoming webhooks.
const (
	permManageIncomingWebhooks    = "manage_incoming_webhooks"
	permManageOwnIncomingWebhooks = "manage_own_incoming_webhooks"
)

// CanManageWebhooks reports whether the bot may create incoming webhooks in
// a channel. The effective permission is the union of the bot's system,
// team and channel roles.
func (mc *MattermostConnector) CanManageWebhooks(ctx context.Context, id relay.ChannelID) (bool, error) {
	ch, resp, err := mc.client.GetChannel(ctx, string(id), "")
	if err != nil {
		return false, channelGone(resp, fmt.Errorf("failed to get channel: %w", err))
	}
	teamID := ch.TeamId
	if teamID == "" {
		teamID = mc.teamID
	}

	roles := strings.Fields(mc.userRoles)
	member, resp, err := mc.client.GetChannelMember(ctx, ch.Id, mc.userID, "")
	if err != nil {
		return false, channelGone(resp, fmt.Errorf("failed to get channel membership: %w", err))
	}
	roles = append(roles, strings.Fields(member.Roles)...)

	if teamID != "" {
		tm, resp, err := mc.client.GetTeamMember(ctx, teamID, mc.userID, "")
		switch {
		case err == nil:
			roles = append(roles, strings.Fields(tm.Roles)...)
		case statusCode(resp) == http.StatusNotFound:
			mc.log.Debug().Str("team_id", teamID).Msg("Bot is not a team member")
		default:
			return false, fmt.Errorf("failed to get team membership: %w", err)
		}
	}

	slices.Sort(roles)
	roles = slices.Compact(roles)
	if len(roles) == 0 {
		return false, nil
	}
	resolved, _, err := mc.client.GetRolesByNames(ctx, roles)
	if err != nil {
		return false, fmt.Errorf("failed to resolve roles: %w", err)
	}
	for _, role := range resolved {
		if slices.Contains(role.Permissions, permManageIncomingWebhooks) ||
			slices.Contains(role.Permissions, permManageOwnIncomingWebhooks) {
			return true, nil
		}
	}
	return false, nil
}

// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrChannelNotFound means the channel was deleted or is no longer
	// accessible to the bot.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrWebhookGone means a cached webhook id was rejected by the platform.
	ErrWebhookGone = errors.New("webhook no longer exists")
)

// DegradedMarker prefixes posts made without a webhook.
const DegradedMarker = ":warning: `degraded`"

// RemoteChannel is the subset of channel information delivery needs.
type RemoteChannel struct {
	ID ChannelID
	// Direct is true for one-to-one private message channels.
	Direct bool
	TeamID string
	Name   string
}

// Post is an outbound post with the identity it should be shown under.
type Post struct {
	Text        string
	DisplayName string
	AvatarURL   string
}

// RemoteClient is the messaging platform as seen by the pipeline.
type RemoteClient interface {
	Retractor
	GetChannel(ctx context.Context, id ChannelID) (*RemoteChannel, error)
	CanManageWebhooks(ctx context.Context, id ChannelID) (bool, error)
	CreateWebhook(ctx context.Context, id ChannelID, name string) (string, error)
	SendViaWebhook(ctx context.Context, webhookID string, post Post) error
	// SendDirect posts text as the bot account.
	SendDirect(ctx context.Context, id ChannelID, text string) error
	// SendEmbed posts as the bot account with the author shown in an
	// attachment, used for degraded delivery.
	SendEmbed(ctx context.Context, id ChannelID, post Post) error
}

// Outcome is the result of a successful Deliver call.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeSentDegraded
	OutcomeChannelGone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSentDegraded:
		return "sent_degraded"
	case OutcomeChannelGone:
		return "channel_gone"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DeliveryStrategy picks webhook, direct or degraded posting per channel.
type DeliveryStrategy struct {
	remote      RemoteClient
	routing     *RoutingTable
	persist     func()
	limiter     *rate.Limiter
	webhookName string
	log         zerolog.Logger
}

// NewDeliveryStrategy creates a strategy. persist is called after a webhook
// id was cached or cleared and may be nil. A nil limiter disables rate
// limiting.
func NewDeliveryStrategy(remote RemoteClient, routing *RoutingTable, persist func(), limiter *rate.Limiter, webhookName string, log zerolog.Logger) *DeliveryStrategy {
	if persist == nil {
		persist = func() {}
	}
	if webhookName == "" {
		webhookName = "chatrelay"
	}
	return &DeliveryStrategy{
		remote:      remote,
		routing:     routing,
		persist:     persist,
		limiter:     limiter,
		webhookName: webhookName,
		log:         log.With().Str("component", "delivery").Logger(),
	}
}

func (d *DeliveryStrategy) wait(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// Deliver sends one post to one channel.
//
// OutcomeChannelGone is returned with a nil error when the channel no longer
// exists; the caller should stop routing to it. Any error is a transient
// failure for this post only.
func (d *DeliveryStrategy) Deliver(ctx context.Context, channelID ChannelID, post Post) (Outcome, error) {
	ch, err := d.remote.GetChannel(ctx, channelID)
	if errors.Is(err, ErrChannelNotFound) {
		return OutcomeChannelGone, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to resolve channel: %w", err)
	}

	if ch.Direct {
		if err := d.wait(ctx); err != nil {
			return 0, err
		}
		if err := d.remote.SendDirect(ctx, channelID, formatDirect(post)); err != nil {
			return d.sendFailure(err, "failed to send direct message")
		}
		return OutcomeSent, nil
	}

	canManage, err := d.remote.CanManageWebhooks(ctx, channelID)
	if err != nil {
		return d.sendFailure(err, "failed to check webhook permission")
	}
	if !canManage {
		d.log.Debug().Str("channel_id", string(channelID)).Msg("Missing webhook permission, using degraded delivery")
		return d.deliverDegraded(ctx, channelID, post)
	}

	webhookID, err := d.obtainWebhook(ctx, channelID)
	if err != nil {
		d.log.Warn().Err(err).Str("channel_id", string(channelID)).Msg("Failed to create webhook, using degraded delivery")
		return d.deliverDegraded(ctx, channelID, post)
	}

	err = d.sendWebhook(ctx, webhookID, post)
	if errors.Is(err, ErrWebhookGone) {
		d.log.Info().
			Str("channel_id", string(channelID)).
			Str("webhook_id", webhookID).
			Msg("Cached webhook was deleted, creating a new one")
		d.routing.SetWebhook(channelID, "")
		d.persist()
		webhookID, err = d.obtainWebhook(ctx, channelID)
		if err != nil {
			d.log.Warn().Err(err).Str("channel_id", string(channelID)).Msg("Failed to recreate webhook, using degraded delivery")
			return d.deliverDegraded(ctx, channelID, post)
		}
		err = d.sendWebhook(ctx, webhookID, post)
	}
	if err != nil {
		return d.sendFailure(err, "failed to send via webhook")
	}
	return OutcomeSent, nil
}

func (d *DeliveryStrategy) sendWebhook(ctx context.Context, webhookID string, post Post) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	return d.remote.SendViaWebhook(ctx, webhookID, post)
}

func (d *DeliveryStrategy) sendFailure(err error, msg string) (Outcome, error) {
	if errors.Is(err, ErrChannelNotFound) {
		return OutcomeChannelGone, nil
	}
	return 0, fmt.Errorf("%s: %w", msg, err)
}

// obtainWebhook returns the cached webhook of a channel or creates one.
func (d *DeliveryStrategy) obtainWebhook(ctx context.Context, channelID ChannelID) (string, error) {
	if id := d.routing.Webhook(channelID); id != "" {
		return id, nil
	}
	if err := d.wait(ctx); err != nil {
		return "", err
	}
	id, err := d.remote.CreateWebhook(ctx, channelID, d.webhookName)
	if err != nil {
		return "", fmt.Errorf("failed to create webhook: %w", err)
	}
	d.routing.SetWebhook(channelID, id)
	d.persist()
	d.log.Info().Str("channel_id", string(channelID)).Str("webhook_id", id).Msg("Created webhook")
	return id, nil
}

func (d *DeliveryStrategy) deliverDegraded(ctx context.Context, channelID ChannelID, post Post) (Outcome, error) {
	if err := d.wait(ctx); err != nil {
		return 0, err
	}
	degraded := post
	degraded.Text = DegradedMarker + " " + formatDirect(post)
	if err := d.remote.SendEmbed(ctx, channelID, degraded); err != nil {
		return d.sendFailure(err, "failed to send degraded post")
	}
	return OutcomeSentDegraded, nil
}

// formatDirect renders a post for delivery under the bot's own identity.
func formatDirect(post Post) string {
	if post.DisplayName == "" {
		return post.Text
	}
	return "**" + post.DisplayName + "**: " + post.Text
}

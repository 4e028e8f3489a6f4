// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aiku/mattermost-chatrelay/pkg/relayfmt"
)

const (
	DefaultSendTimeout         = 10 * time.Second
	DefaultSweepSpec           = "@every 1m"
	DefaultDisplayNameTemplate = "{{.Name}}＠{{.Origin}}"
)

// ErrStopped is returned by the Submit functions after Stop.
var ErrStopped = errors.New("relay stopped")

// Options configure a Relay. Remote is required.
type Options struct {
	Remote RemoteClient
	Lookup CharacterLookup
	// Store persists the routing document after every mutation. May be nil.
	Store    ConfigStore
	Document *Document
	Log      zerolog.Logger

	DefaultAvatar   string
	DuplicateWindow time.Duration
	SendTimeout     time.Duration
	// RatePerSecond limits outbound requests. Zero disables limiting.
	RatePerSecond float64
	RateBurst     int

	// DisplayNameTemplate renders webhook usernames from .Name and .Origin.
	DisplayNameTemplate *template.Template
	WebhookName         string
	SweepSpec           string
	// ImageBaseURL is the icon server used for availability images.
	ImageBaseURL string

	CommandPrefix string
	Admins        []string
}

// Relay is the event dispatch pipeline.
type Relay struct {
	log         zerolog.Logger
	remote      RemoteClient
	store       ConfigStore
	routing     *RoutingTable
	identity    *IdentityCache
	delivery    *DeliveryStrategy
	dedup       *DuplicateFilter
	queue       *DispatchQueue
	commands    *Commander
	cron        *cron.Cron
	sendTimeout time.Duration
	nameTmpl    *template.Template
	imageBase   string

	saveLock sync.Mutex
}

// New wires the pipeline components. The relay does nothing until Start.
func New(opts Options) (*Relay, error) {
	if opts.Remote == nil {
		return nil, errors.New("relay: remote client is required")
	}
	log := opts.Log.With().Str("component", "relay").Logger()
	r := &Relay{
		log:         log,
		remote:      opts.Remote,
		store:       opts.Store,
		routing:     NewRoutingTable(opts.Document, opts.DefaultAvatar),
		identity:    NewIdentityCache(opts.Lookup, opts.Log),
		dedup:       NewDuplicateFilter(opts.Remote, opts.DuplicateWindow, opts.Log),
		sendTimeout: opts.SendTimeout,
		nameTmpl:    opts.DisplayNameTemplate,
		imageBase:   strings.TrimSuffix(opts.ImageBaseURL, "/"),
	}
	if r.sendTimeout <= 0 {
		r.sendTimeout = DefaultSendTimeout
	}
	if r.nameTmpl == nil {
		r.nameTmpl = template.Must(template.New("displayname").Parse(DefaultDisplayNameTemplate))
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	r.delivery = NewDeliveryStrategy(opts.Remote, r.routing, r.persist, limiter, opts.WebhookName, opts.Log)
	r.queue = NewDispatchQueue(r.process, opts.Log)
	r.commands = NewCommander(opts.CommandPrefix, opts.Admins, r.routing, opts.Remote, r.persist, opts.Log)

	sweepSpec := opts.SweepSpec
	if sweepSpec == "" {
		sweepSpec = DefaultSweepSpec
	}
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(sweepSpec, r.dedup.Sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", sweepSpec, err)
	}
	return r, nil
}

// Routing returns the shared routing table.
func (r *Relay) Routing() *RoutingTable { return r.routing }

// Duplicates returns the duplicate filter.
func (r *Relay) Duplicates() *DuplicateFilter { return r.dedup }

// Start launches the dispatch worker and the periodic sweep.
func (r *Relay) Start(ctx context.Context) {
	r.queue.Start(ctx)
	r.cron.Start()
	r.log.Info().Int("channels", len(r.routing.ChannelIDs())).Msg("Relay started")
}

// Stop discards queued events after the in-flight one and stops the sweep.
func (r *Relay) Stop(ctx context.Context) {
	r.queue.Stop(ctx)
	cronCtx := r.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	r.log.Info().Msg("Relay stopped")
}

// QueueLen returns the number of events waiting to be dispatched.
func (r *Relay) QueueLen() int { return r.queue.Len() }

func (r *Relay) submit(evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if !r.queue.Submit(evt) {
		return ErrStopped
	}
	return nil
}

// SubmitChat enqueues a chat line. Only validation errors are returned.
func (r *Relay) SubmitChat(evt ChatEvent) error {
	return r.submit(evt)
}

// SubmitSale enqueues a retainer sale. An empty kind means KindRetainerSale.
func (r *Relay) SubmitSale(evt SaleEvent) error {
	if evt.Kind == "" {
		evt.Kind = KindRetainerSale
	}
	return r.submit(evt)
}

// SubmitExternal enqueues a message from a trusted third party.
func (r *Relay) SubmitExternal(evt ExternalEvent) error {
	return r.submit(evt)
}

// SubmitAvailability enqueues an activity-ready notification.
func (r *Relay) SubmitAvailability(evt AvailabilityEvent) error {
	return r.submit(evt)
}

// HandleObserved is called for every post seen on the remote platform.
// Webhook posts feed the duplicate filter, admin commands are executed.
func (r *Relay) HandleObserved(ctx context.Context, post ObservedPost) {
	if post.FromWebhook {
		if err := r.dedup.Observe(ctx, post); err != nil {
			r.log.Err(err).Str("post_id", post.Handle).Msg("Duplicate retraction failed")
		}
		return
	}
	r.commands.Handle(ctx, post)
}

// Prime seeds the duplicate filter with recently fetched posts.
func (r *Relay) Prime(posts []ObservedPost) {
	n := r.dedup.Prime(posts)
	r.log.Debug().Int("primed", n).Msg("Primed duplicate filter")
}

// ReloadDocument replaces the routing configuration, e.g. after the backing
// file was edited.
func (r *Relay) ReloadDocument(doc *Document) {
	r.routing.Replace(doc)
	r.log.Info().Int("channels", len(r.routing.ChannelIDs())).Msg("Reloaded routing configuration")
}

func (r *Relay) persist() {
	if r.store == nil {
		return
	}
	r.saveLock.Lock()
	defer r.saveLock.Unlock()
	if err := r.store.Save(r.routing.Snapshot()); err != nil {
		r.log.Err(err).Msg("Failed to save routing configuration")
	}
}

// outbound is one rendered post and its destinations.
type outbound struct {
	kind    Kind
	post    Post
	targets []ChannelID
}

func (r *Relay) process(ctx context.Context, item QueuedEvent) {
	log := r.log.With().Str("event_id", item.ID.String()).Logger()
	out, err := r.build(ctx, item.Event)
	if err != nil {
		log.Err(err).Msg("Failed to build post")
		return
	}
	if len(out.targets) == 0 {
		log.Debug().Str("kind", string(out.kind)).Msg("No destinations for event")
		return
	}
	parsed := relayfmt.Parse(out.post.Text)
	for _, channelID := range out.targets {
		chLog := log.With().Str("channel_id", string(channelID)).Logger()
		if r.dedup.CheckAlreadySent(channelID, parsed.Label, out.post.DisplayName, parsed.Text) {
			chLog.Debug().Msg("Suppressed post already delivered by a peer")
			continue
		}
		r.deliverOne(ctx, chLog, channelID, out.post)
	}
}

func (r *Relay) deliverOne(ctx context.Context, log zerolog.Logger, channelID ChannelID, post Post) {
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	start := time.Now()
	outcome, err := r.delivery.Deliver(sendCtx, channelID, post)
	if err != nil {
		log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("Failed to deliver post")
		return
	}
	switch outcome {
	case OutcomeChannelGone:
		if r.routing.RemoveChannel(channelID) {
			log.Info().Msg("Channel is gone, removed from routing")
			r.persist()
		}
	default:
		log.Debug().Stringer("outcome", outcome).Dur("elapsed", time.Since(start)).Msg("Delivered post")
	}
}

func (r *Relay) build(ctx context.Context, evt Event) (*outbound, error) {
	switch e := evt.(type) {
	case ChatEvent:
		o := r.routing.OverridesFor(e.Kind)
		avatar := e.ExplicitAvatar
		if avatar == "" {
			avatar = r.identity.Resolve(ctx, e.SenderName, e.SenderOrigin, o.Avatar)
		}
		name, err := r.displayName(e.SenderName, e.SenderOrigin)
		if err != nil {
			return nil, err
		}
		return &outbound{
			kind:    e.Kind,
			post:    Post{Text: relayfmt.Render(o.Prefix, o.Label, e.Text), DisplayName: name, AvatarURL: avatar},
			targets: r.routing.DestinationsFor(e.Kind),
		}, nil
	case SaleEvent:
		o := r.routing.OverridesFor(e.Kind)
		avatar := e.IconURL
		if avatar == "" {
			avatar = o.Avatar
		}
		return &outbound{
			kind:    e.Kind,
			post:    Post{Text: relayfmt.Render(o.Prefix, o.Label, "Sold "+e.ItemName), DisplayName: o.Label, AvatarURL: avatar},
			targets: r.routing.DestinationsFor(e.Kind),
		}, nil
	case ExternalEvent:
		o := r.routing.OverridesFor(KindExternal)
		avatar := e.AvatarURL
		if avatar == "" {
			avatar = o.Avatar
		}
		return &outbound{
			kind:    KindExternal,
			post:    Post{Text: relayfmt.RenderExternal(o.Prefix, e.Text), DisplayName: e.Source, AvatarURL: avatar},
			targets: r.routing.DestinationsFor(KindExternal),
		}, nil
	case AvailabilityEvent:
		o := r.routing.OverridesFor(KindDuty)
		avatar := r.activityImage(e.ImageID)
		if avatar == "" {
			avatar = o.Avatar
		}
		return &outbound{
			kind:    KindDuty,
			post:    Post{Text: relayfmt.Render(o.Prefix, o.Label, e.ActivityName+" is ready"), DisplayName: o.Label, AvatarURL: avatar},
			targets: r.routing.AvailabilityDestinations(),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported event type %T", evt)
	}
}

func (r *Relay) displayName(name, origin string) (string, error) {
	if origin == "" {
		return name, nil
	}
	var sb strings.Builder
	err := r.nameTmpl.Execute(&sb, struct{ Name, Origin string }{name, origin})
	if err != nil {
		return "", fmt.Errorf("failed to render display name: %w", err)
	}
	return sb.String(), nil
}

// activityImage returns the icon URL of an activity image, grouped in
// folders of a thousand ids.
func (r *Relay) activityImage(id uint32) string {
	if id == 0 || r.imageBase == "" {
		return ""
	}
	return fmt.Sprintf("%s/%06d/%06d.png", r.imageBase, id-id%1000, id)
}

// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-chatrelay/pkg/relayfmt"
)

// DefaultCommandPrefix starts every administrative command.
const DefaultCommandPrefix = "!relay"

// Replier posts a command reply as the bot account.
type Replier interface {
	SendDirect(ctx context.Context, id ChannelID, text string) error
}

type commandCall struct {
	channelID ChannelID
	args      []string
}

// commandHandler returns the reply text and whether the routing table changed.
type commandHandler struct {
	usage string
	help  string
	run   func(c *Commander, call commandCall) (reply string, changed bool)
}

// Commander executes administrative commands posted by admins in a
// destination channel. Mutations go straight to the routing table and are
// saved afterwards.
type Commander struct {
	prefix   string
	admins   map[string]struct{}
	routing  *RoutingTable
	replier  Replier
	persist  func()
	log      zerolog.Logger
	commands map[string]commandHandler
}

// NewCommander creates a command interpreter. With no admins every command
// is ignored.
func NewCommander(prefix string, admins []string, routing *RoutingTable, replier Replier, persist func(), log zerolog.Logger) *Commander {
	if prefix == "" {
		prefix = DefaultCommandPrefix
	}
	if persist == nil {
		persist = func() {}
	}
	c := &Commander{
		prefix:  prefix,
		admins:  make(map[string]struct{}, len(admins)),
		routing: routing,
		replier: replier,
		persist: persist,
		log:     log.With().Str("component", "commands").Logger(),
	}
	for _, id := range admins {
		c.admins[id] = struct{}{}
	}
	c.commands = map[string]commandHandler{
		"help":         {"help", "Show this message", (*Commander).cmdHelp},
		"list":         {"list", "Show the configuration of this channel", (*Commander).cmdList},
		"subscribe":    {"subscribe <kind|all>...", "Relay the given kinds into this channel", (*Commander).cmdSubscribe},
		"unsubscribe":  {"unsubscribe <kind|all>...", "Stop relaying the given kinds", (*Commander).cmdUnsubscribe},
		"availability": {"availability on|off", "Toggle activity-ready notifications", (*Commander).cmdAvailability},
		"prefix":       {"prefix <kind> <text>", "Set the text rendered before the label", (*Commander).cmdPrefix},
		"label":        {"label <kind> <text>", "Set the bracketed label", (*Commander).cmdLabel},
		"avatar":       {"avatar <kind> <url>", "Set the fallback avatar", (*Commander).cmdAvatar},
		"reset":        {"reset <kind>", "Clear all overrides of a kind", (*Commander).cmdReset},
		"forget":       {"forget", "Remove this channel from the relay", (*Commander).cmdForget},
	}
	return c
}

// Handle runs the command in post if it is one. Non-commands and posts by
// non-admins are ignored.
func (c *Commander) Handle(ctx context.Context, post ObservedPost) bool {
	body := strings.TrimSpace(post.Body)
	rest, ok := strings.CutPrefix(body, c.prefix)
	if !ok || (rest != "" && rest[0] != ' ') {
		return false
	}
	if _, admin := c.admins[post.UserID]; !admin {
		c.log.Debug().Str("user_id", post.UserID).Msg("Ignoring command from non-admin")
		return false
	}
	fields := strings.Fields(rest)
	name := "help"
	if len(fields) > 0 {
		name = strings.ToLower(fields[0])
		fields = fields[1:]
	}

	var reply string
	handler, ok := c.commands[name]
	if !ok {
		reply = fmt.Sprintf("Unknown command `%s`. Try `%s help`.", name, c.prefix)
	} else {
		var changed bool
		reply, changed = handler.run(c, commandCall{channelID: post.ChannelID, args: fields})
		if changed {
			c.persist()
		}
		c.log.Info().
			Str("command", name).
			Str("user_id", post.UserID).
			Str("channel_id", string(post.ChannelID)).
			Bool("changed", changed).
			Msg("Executed command")
	}
	if reply != "" && c.replier != nil {
		if err := c.replier.SendDirect(ctx, post.ChannelID, reply); err != nil {
			c.log.Warn().Err(err).Str("command", name).Msg("Failed to send command reply")
		}
	}
	return true
}

func (c *Commander) usage(name string) string {
	return fmt.Sprintf("Usage: `%s %s`", c.prefix, c.commands[name].usage)
}

func parseKinds(args []string, chatOnly bool) ([]Kind, string) {
	var kinds []Kind
	for _, arg := range args {
		if strings.EqualFold(arg, "all") {
			for _, k := range AllKinds() {
				if !chatOnly || k.IsChat() {
					kinds = append(kinds, k)
				}
			}
			continue
		}
		k, ok := ParseKind(arg)
		if !ok {
			return nil, arg
		}
		kinds = append(kinds, k)
	}
	return kinds, ""
}

func kindNames(kinds []Kind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func (c *Commander) cmdHelp(commandCall) (string, bool) {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "* `%s %s` - %s\n", c.prefix, c.commands[name].usage, c.commands[name].help)
	}
	sb.WriteString("Kinds: ")
	sb.WriteString(kindNames(AllKinds()))
	return sb.String(), false
}

func (c *Commander) cmdList(call commandCall) (string, bool) {
	cfg, ok := c.routing.Channel(call.channelID)
	if !ok {
		return "This channel is not configured.", false
	}
	var sb strings.Builder
	if len(cfg.Kinds) == 0 {
		sb.WriteString("Subscribed kinds: none\n")
	} else {
		fmt.Fprintf(&sb, "Subscribed kinds: %s\n", kindNames(cfg.Kinds))
	}
	fmt.Fprintf(&sb, "Availability notifications: %t\n", cfg.Availability)
	fmt.Fprintf(&sb, "Webhook: %t", cfg.WebhookID != "")
	return sb.String(), false
}

func (c *Commander) cmdSubscribe(call commandCall) (string, bool) {
	if len(call.args) == 0 {
		return c.usage("subscribe"), false
	}
	kinds, bad := parseKinds(call.args, true)
	if bad != "" {
		return fmt.Sprintf("Unknown kind `%s`.", bad), false
	}
	added := c.routing.Subscribe(call.channelID, kinds...)
	return fmt.Sprintf("Subscribed to %d new kind(s).", added), true
}

func (c *Commander) cmdUnsubscribe(call commandCall) (string, bool) {
	if len(call.args) == 0 {
		return c.usage("unsubscribe"), false
	}
	kinds, bad := parseKinds(call.args, false)
	if bad != "" {
		return fmt.Sprintf("Unknown kind `%s`.", bad), false
	}
	removed := c.routing.Unsubscribe(call.channelID, kinds...)
	return fmt.Sprintf("Unsubscribed from %d kind(s).", removed), removed > 0
}

func (c *Commander) cmdAvailability(call commandCall) (string, bool) {
	if len(call.args) != 1 {
		return c.usage("availability"), false
	}
	var enabled bool
	switch strings.ToLower(call.args[0]) {
	case "on", "true", "yes":
		enabled = true
	case "off", "false", "no":
	default:
		return c.usage("availability"), false
	}
	c.routing.SetAvailability(call.channelID, enabled)
	if enabled {
		return "Availability notifications enabled.", true
	}
	return "Availability notifications disabled.", true
}

// overrideCommand parses "<kind> <value...>" and applies set to the
// overrides of that kind.
func (c *Commander) overrideCommand(name string, call commandCall, set func(o *KindOverrides, value string)) (string, bool) {
	if len(call.args) < 2 {
		return c.usage(name), false
	}
	kind, ok := ParseKind(call.args[0])
	if !ok {
		return fmt.Sprintf("Unknown kind `%s`.", call.args[0]), false
	}
	value := strings.Join(call.args[1:], " ")
	if err := c.routing.UpdateOverride(kind, func(o *KindOverrides) { set(o, value) }); err != nil {
		return fmt.Sprintf("Rejected %s: %v.", name, err), false
	}
	return fmt.Sprintf("Updated %s of %s.", name, kind), true
}

func (c *Commander) cmdPrefix(call commandCall) (string, bool) {
	return c.overrideCommand("prefix", call, func(o *KindOverrides, v string) { o.Prefix = v })
}

func (c *Commander) cmdLabel(call commandCall) (string, bool) {
	return c.overrideCommand("label", call, func(o *KindOverrides, v string) { o.Label = relayfmt.SanitizeLabel(v) })
}

func (c *Commander) cmdAvatar(call commandCall) (string, bool) {
	return c.overrideCommand("avatar", call, func(o *KindOverrides, v string) { o.Avatar = v })
}

func (c *Commander) cmdReset(call commandCall) (string, bool) {
	if len(call.args) != 1 {
		return c.usage("reset"), false
	}
	kind, ok := ParseKind(call.args[0])
	if !ok {
		return fmt.Sprintf("Unknown kind `%s`.", call.args[0]), false
	}
	c.routing.ClearOverride(kind)
	return fmt.Sprintf("Reset overrides of %s.", kind), true
}

func (c *Commander) cmdForget(call commandCall) (string, bool) {
	if !c.routing.RemoveChannel(call.channelID) {
		return "This channel is not configured.", false
	}
	return "This channel was removed from the relay.", true
}

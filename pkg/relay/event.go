// Copyright 2024-2026 Aiku AI

package relay

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidEvent is returned by the Submit functions when an event is
// rejected before it enters the queue.
var ErrInvalidEvent = errors.New("invalid event")

// Kind identifies the category of a relayed event, usually a game chat channel.
type Kind string

const (
	KindSay           Kind = "Say"
	KindShout         Kind = "Shout"
	KindYell          Kind = "Yell"
	KindParty         Kind = "Party"
	KindAlliance      Kind = "Alliance"
	KindFreeCompany   Kind = "FreeCompany"
	KindNoviceNetwork Kind = "NoviceNetwork"
	KindTell          Kind = "Tell"
	KindEmote         Kind = "Emote"
	KindPvPTeam       Kind = "PvPTeam"
	KindEcho          Kind = "Echo"

	KindRetainerSale Kind = "RetainerSale"
	KindExternal     Kind = "External"
	KindDuty         Kind = "Duty"
)

const (
	linkshellCount = 8
	linkshellKind  = "Linkshell"
	crossworldKind = "CrossworldLinkshell"
)

// KindLinkshell returns the kind for linkshell n (1-8).
func KindLinkshell(n int) Kind { return Kind(linkshellKind + strconv.Itoa(n)) }

// KindCrossworldLinkshell returns the kind for cross-world linkshell n (1-8).
func KindCrossworldLinkshell(n int) Kind { return Kind(crossworldKind + strconv.Itoa(n)) }

var fixedLabels = map[Kind]string{
	KindSay:           "Say",
	KindShout:         "Shout",
	KindYell:          "Yell",
	KindParty:         "Party",
	KindAlliance:      "Alliance",
	KindFreeCompany:   "FC",
	KindNoviceNetwork: "NN",
	KindTell:          "Tell",
	KindEmote:         "Emote",
	KindPvPTeam:       "PvP",
	KindEcho:          "Echo",
	KindRetainerSale:  "Retainer",
	KindExternal:      "External",
	KindDuty:          "Duty Finder",
}

// AllKinds lists every known kind in a stable order.
func AllKinds() []Kind {
	kinds := make([]Kind, 0, len(fixedLabels)+2*linkshellCount)
	for k := range fixedLabels {
		kinds = append(kinds, k)
	}
	for i := 1; i <= linkshellCount; i++ {
		kinds = append(kinds, KindLinkshell(i), KindCrossworldLinkshell(i))
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// linkshellIndex returns n for "<base>n" kinds, or 0.
func (k Kind) linkshellIndex(base string) int {
	rest, ok := strings.CutPrefix(string(k), base)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 || n > linkshellCount {
		return 0
	}
	return n
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	if _, ok := fixedLabels[k]; ok {
		return true
	}
	return k.linkshellIndex(crossworldKind) > 0 || k.linkshellIndex(linkshellKind) > 0
}

// DefaultLabel returns the label rendered in brackets when no override is set.
func (k Kind) DefaultLabel() string {
	if label, ok := fixedLabels[k]; ok {
		return label
	}
	if n := k.linkshellIndex(crossworldKind); n > 0 {
		return "CWLS" + strconv.Itoa(n)
	}
	if n := k.linkshellIndex(linkshellKind); n > 0 {
		return "LS" + strconv.Itoa(n)
	}
	return string(k)
}

// IsChat reports whether k is a chat channel kind carried by ChatEvent.
func (k Kind) IsChat() bool {
	switch k {
	case KindRetainerSale, KindExternal, KindDuty:
		return false
	}
	return k.Valid()
}

// ParseKind resolves a kind by name or default label, case-insensitively.
func ParseKind(s string) (Kind, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, k := range AllKinds() {
		if strings.EqualFold(s, string(k)) || strings.EqualFold(s, k.DefaultLabel()) {
			return k, true
		}
	}
	return "", false
}

// Event is one of ChatEvent, SaleEvent, ExternalEvent or AvailabilityEvent.
type Event interface {
	// Validate reports why the event cannot be relayed.
	Validate() error
	isEvent()
}

// ChatEvent is a chat line observed in the game client.
type ChatEvent struct {
	Kind         Kind
	SenderName   string
	SenderOrigin string
	Text         string
	// ExplicitAvatar skips identity resolution when set.
	ExplicitAvatar string
}

// SaleEvent reports that a retainer sold an item.
type SaleEvent struct {
	ItemName string
	IconURL  string
	Kind     Kind
}

// ExternalEvent is submitted by a trusted third party and is never enriched.
type ExternalEvent struct {
	Source    string
	AvatarURL string
	Text      string
}

// AvailabilityEvent announces that a queued activity is ready.
type AvailabilityEvent struct {
	ActivityID   uint32
	ActivityName string
	ImageID      uint32
}

func (ChatEvent) isEvent()         {}
func (SaleEvent) isEvent()         {}
func (ExternalEvent) isEvent()     {}
func (AvailabilityEvent) isEvent() {}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

func (e ChatEvent) Validate() error {
	switch {
	case !e.Kind.IsChat():
		return invalid("unknown chat kind %q", e.Kind)
	case strings.TrimSpace(e.SenderName) == "":
		return invalid("sender name is empty")
	case strings.TrimSpace(e.Text) == "":
		return invalid("text is empty")
	}
	return nil
}

func (e SaleEvent) Validate() error {
	if !e.Kind.Valid() {
		return invalid("unknown sale kind %q", e.Kind)
	}
	if strings.TrimSpace(e.ItemName) == "" {
		return invalid("item name is empty")
	}
	return nil
}

func (e ExternalEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.Source) == "":
		return invalid("source is empty")
	case strings.TrimSpace(e.Text) == "":
		return invalid("text is empty")
	}
	return nil
}

func (e AvailabilityEvent) Validate() error {
	if strings.TrimSpace(e.ActivityName) == "" {
		return invalid("activity name is empty")
	}
	return nil
}

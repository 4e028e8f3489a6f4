// Copyright 2024-2026 Aiku AI

package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

// Frame types accepted on the source stream.
const (
	FrameChat         = "chat"
	FrameSale         = "sale"
	FrameAvailability = "availability"
	FrameExternal     = "external"
)

// frame is one JSON message from the game-side producer. Only the fields of
// the given type are read.
type frame struct {
	Type string `json:"type"`
	// Seq is echoed in the ack so producers can match replies.
	Seq uint64 `json:"seq,omitempty"`

	// chat
	Kind         string `json:"kind,omitempty"`
	SenderName   string `json:"sender_name,omitempty"`
	SenderOrigin string `json:"sender_origin,omitempty"`
	Text         string `json:"text,omitempty"`
	Avatar       string `json:"avatar,omitempty"`

	// sale
	ItemName string `json:"item_name,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`

	// availability
	ActivityID   uint32 `json:"activity_id,omitempty"`
	ActivityName string `json:"activity_name,omitempty"`
	ImageID      uint32 `json:"image_id,omitempty"`

	// external
	Source string `json:"source,omitempty"`
}

// ack answers one frame.
type ack struct {
	Seq   uint64 `json:"seq,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// externalRequest is the body of POST /api/external.
type externalRequest struct {
	Source    string `json:"source"`
	AvatarURL string `json:"avatar_url"`
	Text      string `json:"text"`
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("invalid frame: %w", err)
	}
	return f, nil
}

// submit forwards a frame to the relay.
func (f frame) submit(sub Submitter) error {
	switch f.Type {
	case FrameChat:
		kind, ok := relay.ParseKind(f.Kind)
		if !ok {
			return fmt.Errorf("%w: unknown kind %q", relay.ErrInvalidEvent, f.Kind)
		}
		return sub.SubmitChat(relay.ChatEvent{
			Kind:           kind,
			SenderName:     f.SenderName,
			SenderOrigin:   f.SenderOrigin,
			Text:           f.Text,
			ExplicitAvatar: f.Avatar,
		})
	case FrameSale:
		var kind relay.Kind
		if f.Kind != "" {
			k, ok := relay.ParseKind(f.Kind)
			if !ok {
				return fmt.Errorf("%w: unknown kind %q", relay.ErrInvalidEvent, f.Kind)
			}
			kind = k
		}
		return sub.SubmitSale(relay.SaleEvent{ItemName: f.ItemName, IconURL: f.IconURL, Kind: kind})
	case FrameAvailability:
		return sub.SubmitAvailability(relay.AvailabilityEvent{
			ActivityID:   f.ActivityID,
			ActivityName: f.ActivityName,
			ImageID:      f.ImageID,
		})
	case FrameExternal:
		return sub.SubmitExternal(relay.ExternalEvent{Source: f.Source, AvatarURL: f.Avatar, Text: f.Text})
	default:
		return fmt.Errorf("%w: unknown frame type %q", relay.ErrInvalidEvent, f.Type)
	}
}

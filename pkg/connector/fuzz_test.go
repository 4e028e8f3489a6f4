// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
)

// FuzzParsePostedEvent feeds arbitrary post payloads through the websocket
// parser. No input should cause a panic, and an accepted post must keep
// the event's identity fields.
func FuzzParsePostedEvent(f *testing.F) {
	f.Add(`{"id":"p1","channel_id":"c","user_id":"u","message":"hi"}`, "@alice")
	f.Add(`{"id":"p1","user_id":"my-user-id","props":{"from_webhook":"true","override_username":"A"}}`, "@bot")
	f.Add(`{"type":"system_join_channel"}`, "")
	f.Add(`{"props":{"from_webhook":1}}`, "")
	f.Add(`not json`, "")
	f.Add(``, "@")

	mc := testHandlerConnector("relay_")
	f.Fuzz(func(t *testing.T, postJSON, sender string) {
		evt := newWebSocketEvent(model.WebsocketEventPosted, "c", map[string]any{
			"post":        postJSON,
			"sender_name": sender,
		})
		got, err := mc.parsePostedEvent(evt)
		if err != nil {
			if got != nil {
				t.Errorf("error %v returned with a post", err)
			}
			return
		}
		if got == nil {
			return
		}
		if !got.FromWebhook && got.UserID == "my-user-id" {
			t.Errorf("own direct post was not filtered: %+v", got)
		}
	})
}

func FuzzWebhookGone(f *testing.F) {
	f.Add(404, "")
	f.Add(400, "web.incoming_webhook.invalid.app_error")
	f.Add(400, "")
	f.Add(200, "incoming_webhook")

	f.Fuzz(func(t *testing.T, status int, body string) {
		got := webhookGone(status, body)
		if status == 404 && !got {
			t.Error("404 must always mean gone")
		}
		if status != 404 && status != 400 && got {
			t.Errorf("status %d must not mean gone", status)
		}
	})
}

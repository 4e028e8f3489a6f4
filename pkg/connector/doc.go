// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements the relay's remote messaging client on top
// of the Mattermost REST API and WebSocket event stream.
//
// # Core Types
//
// [MattermostConnector] authenticates one bot account, resolves channels,
// introspects webhook permissions, creates incoming webhooks and performs
// all sends and deletions. It satisfies [relay.RemoteClient].
//
// # Observation
//
// Every "posted" WebSocket event is converted to a [relay.ObservedPost] and
// handed to the registered [Observer]. Webhook posts, including those made
// through the relay's own webhooks, are always delivered so duplicate
// detection sees them. Echo prevention drops system messages, the bot's
// own direct posts, and posts by usernames matching the configured bot
// prefix.
//
// # Delivery
//
// Webhook sends go to {server_url}/hooks/{id} with per-post username and
// icon overrides; the server must allow both. Degraded posts are plain bot
// posts carrying the original author in a message attachment.
package connector

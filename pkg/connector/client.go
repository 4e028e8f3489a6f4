// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
)

const maxReconnectDelay = time.Minute

// Connect opens the websocket and starts delivering observed posts. Login
// must have succeeded first. The connection is re-established until
// Disconnect is called or ctx is done.
func (mc *MattermostConnector) Connect(ctx context.Context) error {
	if mc.userID == "" {
		return fmt.Errorf("not logged in")
	}
	ws, err := mc.connectWebSocket()
	if err != nil {
		return err
	}
	go mc.run(ctx, ws)
	return nil
}

func (mc *MattermostConnector) connectWebSocket() (*model.WebSocketClient, error) {
	wsURL := httpToWS(mc.Config.ServerURL)
	ws, err := model.NewWebSocketClient4(wsURL, mc.client.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()

	mc.wsMu.Lock()
	mc.wsClient = ws
	mc.wsMu.Unlock()

	mc.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return ws, nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (mc *MattermostConnector) run(ctx context.Context, ws *model.WebSocketClient) {
	defer close(mc.doneChan)
	for {
		mc.listenWebSocket(ctx, ws)
		select {
		case <-mc.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}
		mc.log.Warn().Msg("WebSocket event channel closed, reconnecting")
		var ok bool
		ws, ok = mc.reconnect(ctx)
		if !ok {
			return
		}
	}
}

// reconnect retries with exponential backoff until it succeeds or the
// connector is stopped.
func (mc *MattermostConnector) reconnect(ctx context.Context) (*model.WebSocketClient, bool) {
	delay := mc.Config.GetReconnectDelay()
	for {
		select {
		case <-mc.stopChan:
			return nil, false
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}
		ws, err := mc.connectWebSocket()
		if err == nil {
			return ws, true
		}
		mc.log.Error().Err(err).Dur("retry_in", delay).Msg("Failed to reconnect WebSocket")
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (mc *MattermostConnector) listenWebSocket(ctx context.Context, ws *model.WebSocketClient) {
	for {
		select {
		case <-mc.stopChan:
			return
		case <-ctx.Done():
			return
		case event, ok := <-ws.EventChannel:
			if !ok {
				return
			}
			if event == nil {
				continue
			}
			mc.handleEvent(ctx, event)
		}
	}
}

// Disconnect closes the websocket and stops reconnecting.
func (mc *MattermostConnector) Disconnect() {
	mc.stopOnce.Do(func() {
		close(mc.stopChan)
	})
	mc.wsMu.Lock()
	if mc.wsClient != nil {
		mc.wsClient.Close()
		mc.wsClient = nil
	}
	mc.wsMu.Unlock()
}

// Done is closed once the websocket loop exited.
func (mc *MattermostConnector) Done() <-chan struct{} {
	return mc.doneChan
}

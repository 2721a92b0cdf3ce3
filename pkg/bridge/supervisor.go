// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// protocolCloseDelay is the fixed wait after a stream-level close error.
	protocolCloseDelay = 5 * time.Second
	backoffBase        = 1 * time.Second
	backoffCap         = 60 * time.Second
)

// StartRemote launches the supervising task that owns the gateway
// subscription. Starting while a task is still running is a no-op; starting
// after the previous task finished creates a new one.
func (br *Bridge) StartRemote(ctx context.Context) {
	br.taskMu.Lock()
	defer br.taskMu.Unlock()
	if br.taskDone != nil {
		select {
		case <-br.taskDone:
			// Previous task finished, start a fresh one.
		default:
			br.log.Debug().Msg("Supervisor already running")
			return
		}
	}
	taskCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	br.taskCancel = cancel
	br.taskDone = done
	go func() {
		defer close(done)
		br.superviseLoop(taskCtx)
	}()
}

// superviseLoop keeps the gateway subscription alive forever. Nothing but
// cancellation terminates it: per-connection errors are classified and the
// loop retries after the appropriate delay.
func (br *Bridge) superviseLoop(ctx context.Context) {
	log := br.log.With().Str("component", "supervisor").Logger()
	bo := newBackoff(backoffBase, backoffCap)
	for {
		err := br.runConnection(ctx, bo)
		if ctx.Err() != nil {
			log.Info().Msg("Supervisor stopped")
			return
		}

		var delay time.Duration
		var closeErr *websocket.CloseError
		switch {
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			// Transient network blip: reconnect immediately.
			log.Warn().Msg("Gateway stream closed, reconnecting")
			delay = 0
		case errors.As(err, &closeErr):
			log.Warn().Int("close_code", closeErr.Code).Msg("Gateway stream closed with error, reconnecting shortly")
			delay = protocolCloseDelay
		default:
			delay = bo.Next()
			log.Error().Err(err).Dur("delay", delay).Msg("Gateway connection error, backing off")
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				log.Info().Msg("Supervisor stopped")
				return
			case <-time.After(delay):
			}
		}
	}
}

// runConnection dials the gateway and reads frames until the stream breaks.
// The backoff is reset once a frame has been read, marking the cycle as
// successful.
func (br *Bridge) runConnection(ctx context.Context, bo *backoff) error {
	endpoint, err := url.Parse(br.cfg.GatewayWebsocketURL)
	if err != nil {
		return err
	}
	query := endpoint.Query()
	query.Set("secret", br.cfg.BridgeSecret)
	endpoint.RawQuery = query.Encode()

	conn, _, err := br.dialer.DialContext(ctx, endpoint.String(), http.Header{
		"User-Agent": []string{"mautrix-discordrelay"},
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	gen := br.generation.Add(1)
	br.log.Info().Uint64("generation", gen).Msg("Connected to gateway")

	// Unblock the read promptly on cancellation.
	watchdog := make(chan struct{})
	defer close(watchdog)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchdog:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		bo.Reset()
		br.handleFrame(ctx, gen, data)
	}
}

// handleFrame decodes and processes a single gateway frame. Heartbeats are
// skipped without touching relay state; malformed frames are dropped; all
// per-message errors are contained here so the read loop continues.
func (br *Bridge) handleFrame(ctx context.Context, gen uint64, data []byte) {
	payload, err := decodeFrame(data)
	if err != nil {
		br.log.Error().Err(err).Msg("Dropping malformed gateway frame")
		return
	}
	if payload == nil {
		br.log.Trace().Msg("Got ping from gateway")
		return
	}
	if current := br.generation.Load(); current != gen {
		br.log.Warn().
			Uint64("frame_generation", gen).
			Uint64("current_generation", current).
			Msg("Dropping frame from stale connection")
		return
	}
	if err := br.processPayload(ctx, payload); err != nil {
		br.log.Error().Err(err).
			Int64("message_id", payload.MessageID).
			Str("event_type", string(payload.EventType)).
			Msg("Failed to process gateway message")
	}
}

// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-discordrelay/pkg/bridge/matrixfmt"
	"github.com/aiku/mautrix-discordrelay/pkg/bridge/store"
)

const (
	reactionPrinter = "\U0001f5a8️"
	reactionFailed  = "❌"

	maxRedactionReasonLength = 1900
)

// HandleMatrixMessage relays a Matrix room message outbound. It is wired as
// the syncer's m.room.message callback.
func (br *Bridge) HandleMatrixMessage(ctx context.Context, evt *event.Event) {
	if !br.wantMatrixEvent(evt) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}
	log := br.log.With().Stringer("event_id", evt.ID).Stringer("sender", evt.Sender).Logger()

	if content.NewContent != nil && content.RelatesTo.GetReplaceID() != "" {
		br.handleMatrixEdit(ctx, evt, content)
		return
	}
	if br.cfg.IsCommand(content.Body) {
		br.handleCommand(ctx, evt, content.Body)
		return
	}

	body := br.outboundBody(content)
	if body == "" {
		log.Debug().Str("msgtype", string(content.MsgType)).Msg("Nothing to relay for event")
		return
	}
	identity := br.identities.Resolve(ctx, evt.Sender)

	br.sendMu.Lock()
	defer br.sendMu.Unlock()

	remoteID, viaPrimary, err := br.dispatcher.Send(ctx, OutboundMessage{
		Content:  body,
		Sender:   identity.DisplayName,
		Identity: identity,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to relay message")
		br.reactToFailure(ctx, evt.ID, err)
		return
	}
	// Without webhook_wait the webhook returns no message id, and a zero id
	// would correlate later edits against a message that doesn't exist.
	if viaPrimary && remoteID != 0 {
		err = br.store.Record(ctx, store.Mapping{
			MatrixEventID: evt.ID,
			DiscordID:     remoteID,
			Kind:          store.KindContent,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to record mapping")
		}
	}
	br.markRelayed(identity.DisplayName, time.Now())
}

// HandleMatrixRedaction propagates a Matrix redaction outbound. A redaction
// with a reason becomes a tombstone edit so the reason stays visible; one
// without a reason deletes the remote message outright.
func (br *Bridge) HandleMatrixRedaction(ctx context.Context, evt *event.Event) {
	if !br.wantMatrixEvent(evt) {
		return
	}
	target := evt.Redacts
	if target == "" {
		if redaction := evt.Content.AsRedaction(); redaction != nil {
			target = redaction.Redacts
		}
	}
	if target == "" {
		return
	}
	remoteID, found, err := br.store.ResolveRemote(ctx, target)
	if err != nil {
		br.log.Error().Err(err).Stringer("target", target).Msg("Failed to resolve redaction target")
		return
	}
	if !found {
		return
	}
	if !br.dispatcher.CanEdit() {
		br.log.Warn().Int64("remote_id", remoteID).Msg("No primary path, cannot propagate redaction")
		return
	}

	reason := ""
	if redaction := evt.Content.AsRedaction(); redaction != nil {
		reason = redaction.Reason
	}
	if reason != "" {
		tombstone := fmt.Sprintf("*Message was redacted: %s*", truncate(reason, maxRedactionReasonLength))
		err = br.dispatcher.Edit(ctx, remoteID, tombstone)
	} else {
		err = br.dispatcher.Delete(ctx, remoteID)
	}
	if err != nil {
		br.log.Error().Err(err).Int64("remote_id", remoteID).Msg("Failed to propagate redaction")
		return
	}
	if err = br.store.ForgetLocal(ctx, target); err != nil {
		br.log.Error().Err(err).Stringer("target", target).Msg("Failed to forget mapping")
	}
}

// handleMatrixEdit propagates an m.replace edit to the remote counterpart.
func (br *Bridge) handleMatrixEdit(ctx context.Context, evt *event.Event, content *event.MessageEventContent) {
	target := content.RelatesTo.GetReplaceID()
	log := br.log.With().Stringer("event_id", evt.ID).Stringer("target", target).Logger()
	remoteID, found, err := br.store.ResolveRemote(ctx, target)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve edit target")
		return
	}
	if !found {
		log.Warn().Msg("Edit of untracked message, dropping")
		return
	}
	if !br.dispatcher.CanEdit() {
		log.Warn().Msg("No primary path, cannot propagate edit")
		return
	}
	body := br.outboundBody(content.NewContent)
	if body == "" {
		return
	}
	if err = br.dispatcher.Edit(ctx, remoteID, body); err != nil {
		log.Error().Err(err).Msg("Failed to propagate edit")
		br.reactToFailure(ctx, evt.ID, err)
		return
	}
	// Track the edit event too, so redacting it later still resolves.
	err = br.store.Record(ctx, store.Mapping{
		MatrixEventID: evt.ID,
		DiscordID:     remoteID,
		Kind:          store.KindContent,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to record edit mapping")
	}
}

// handleCommand intercepts bridge commands instead of relaying them.
func (br *Bridge) handleCommand(ctx context.Context, evt *event.Event, body string) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return
	}
	command := strings.ToLower(fields[0][1:])
	switch command {
	case "bind":
		result, err := br.identities.BeginBind(ctx, evt.Sender)
		if err != nil {
			br.log.Error().Err(err).Stringer("sender", evt.Sender).Msg("Bind request failed")
			br.notice(ctx, "Failed to start binding, try again later.")
			return
		}
		if result.URL != "" {
			br.notice(ctx, fmt.Sprintf("Visit %s to link your account.", result.URL))
		} else {
			br.notice(ctx, result.Status)
		}
	case "unbind":
		result, err := br.identities.Unbind(ctx, evt.Sender)
		if err != nil {
			br.log.Error().Err(err).Stringer("sender", evt.Sender).Msg("Unbind request failed")
			br.notice(ctx, "Failed to remove binding, try again later.")
			return
		}
		br.notice(ctx, result.Status)
	default:
		br.log.Debug().Str("command", command).Msg("Ignoring unknown command")
	}
}

// wantMatrixEvent filters out events the bridge must never relay: other
// rooms, its own sends, and history replayed by the initial sync.
func (br *Bridge) wantMatrixEvent(evt *event.Event) bool {
	if evt.RoomID != br.cfg.RoomID {
		return false
	}
	if evt.Sender == br.cfg.UserID {
		return false
	}
	return !time.UnixMilli(evt.Timestamp).Before(br.startTime)
}

// outboundBody converts Matrix message content into the markdown sent
// outbound. Media messages become a named link to the homeserver download
// URL, with videos routed through the embed proxy so they preview inline.
func (br *Bridge) outboundBody(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	switch content.MsgType {
	case event.MsgImage, event.MsgFile, event.MsgVideo, event.MsgAudio:
		if content.File != nil {
			// Encrypted media has no usable public URL.
			return ""
		}
		httpURL := br.matrix.MXCToHTTP(content.URL)
		if httpURL == "" {
			return ""
		}
		if content.MsgType == event.MsgVideo {
			httpURL = br.cfg.VideoEmbedPrefix + httpURL
		}
		return fmt.Sprintf("[%s](%s)", content.Body, httpURL)
	case event.MsgText, event.MsgEmote, event.MsgNotice:
		body := matrixfmt.Parse(content)
		if content.MsgType == event.MsgEmote {
			body = "*" + body + "*"
		}
		return body
	default:
		return ""
	}
}

// reactToFailure surfaces a relay failure in-room: a printer for messages the
// remote rejected as too long, a cross for everything else.
func (br *Bridge) reactToFailure(ctx context.Context, target id.EventID, sendErr error) {
	key := reactionFailed
	if errors.Is(sendErr, ErrTooLong) {
		key = reactionPrinter
	}
	if err := br.matrix.React(ctx, target, key); err != nil {
		br.log.Warn().Err(err).Stringer("target", target).Msg("Failed to send failure reaction")
	}
}

func (br *Bridge) notice(ctx context.Context, text string) {
	if err := br.matrix.SendNotice(ctx, text); err != nil {
		br.log.Warn().Err(err).Msg("Failed to send notice")
	}
}

// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-discordrelay/pkg/bridge/store"
)

// authorAnnotationKey is the custom content field that records whether the
// relayed event embedded the author header, so edits can reproduce the
// decision after the timing state has moved on.
const authorAnnotationKey = "dev.aiku.relay.author_included"

// processPayload routes a validated gateway message to the right handler.
func (br *Bridge) processPayload(ctx context.Context, payload *MessagePayload) error {
	switch payload.EventType {
	case EventEdit:
		return br.handleRemoteEdit(ctx, payload)
	case EventRedact:
		return br.handleRemoteRedact(ctx, payload)
	default:
		return br.handleRemoteMessage(ctx, payload)
	}
}

// handleRemoteMessage relays a new gateway message into the Matrix room.
func (br *Bridge) handleRemoteMessage(ctx context.Context, payload *MessagePayload) error {
	// Loop prevention: skip the bridge's own account and automated senders.
	if br.cfg.RemoteSelfAuthor != "" && payload.Author == br.cfg.RemoteSelfAuthor {
		br.log.Debug().Msg("Ignoring gateway message from own account")
		return nil
	}
	if payload.IsAutomated {
		br.log.Debug().Str("author", payload.Author).Msg("Ignoring automated gateway message")
		return nil
	}

	var replyTo id.EventID
	if payload.ReplyTo != nil {
		mappings, err := br.store.ResolveLocal(ctx, payload.ReplyTo.MessageID)
		if err != nil {
			br.log.Warn().Err(err).Msg("Failed to resolve reply target")
		} else if len(mappings) > 0 {
			replyTo = mappings[0].MatrixEventID
		} else {
			br.log.Warn().Int64("reply_to", payload.ReplyTo.MessageID).Msg("Unknown reply target")
		}
	}

	br.sendMu.Lock()
	defer br.sendMu.Unlock()

	rendered := br.renderer.Render(ctx, payload, br.lastRelayed, nil)
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          rendered.Body,
		Format:        event.FormatHTML,
		FormattedBody: rendered.RichBody,
	}
	if replyTo != "" {
		content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: replyTo}}
	}

	root, err := br.matrix.SendMessage(ctx, content, map[string]any{
		authorAnnotationKey: rendered.IncludedAuthor,
	})
	if err != nil {
		return fmt.Errorf("failed to send bridged message: %w", err)
	}

	err = br.store.Record(ctx, store.Mapping{
		MatrixEventID:  root,
		DiscordID:      payload.MessageID,
		Kind:           store.KindContent,
		AuthorIncluded: rendered.IncludedAuthor,
	})
	if err != nil {
		br.log.Error().Err(err).Stringer("event_id", root).Msg("Failed to record mapping")
	}
	br.markRelayed(payload.Author, payload.Timestamp())

	br.attachments.relayAll(ctx, payload, root)
	return nil
}

// handleRemoteEdit edits the previously relayed counterpart of a gateway
// message. Edits for untracked messages are dropped with a warning: across a
// reconnect boundary the target may simply not exist downstream yet.
func (br *Bridge) handleRemoteEdit(ctx context.Context, payload *MessagePayload) error {
	included, found, err := br.store.AuthorIncluded(ctx, payload.MessageID)
	if err != nil {
		return err
	}
	if !found {
		br.log.Warn().Int64("message_id", payload.MessageID).Msg("Edit for untracked message, dropping")
		return nil
	}
	mappings, err := br.store.ResolveLocal(ctx, payload.MessageID)
	if err != nil {
		return err
	}
	var target id.EventID
	for _, m := range mappings {
		if m.Kind == store.KindContent {
			target = m.MatrixEventID
			break
		}
	}
	if target == "" {
		br.log.Warn().Int64("message_id", payload.MessageID).Msg("Edit target has no content mapping, dropping")
		return nil
	}

	br.sendMu.Lock()
	defer br.sendMu.Unlock()

	rendered := br.renderer.Render(ctx, payload, br.lastRelayed, &included)
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          rendered.Body,
		Format:        event.FormatHTML,
		FormattedBody: rendered.RichBody,
	}
	_, err = br.matrix.EditMessage(ctx, target, content, map[string]any{
		authorAnnotationKey: rendered.IncludedAuthor,
	})
	if err != nil {
		return fmt.Errorf("failed to edit bridged message: %w", err)
	}
	return nil
}

// handleRemoteRedact deletes every Matrix event relayed for a gateway
// message and clears the correlation.
func (br *Bridge) handleRemoteRedact(ctx context.Context, payload *MessagePayload) error {
	mappings, err := br.store.ResolveLocal(ctx, payload.MessageID)
	if err != nil {
		return err
	}
	if len(mappings) == 0 {
		br.log.Warn().Int64("message_id", payload.MessageID).Msg("Redaction for untracked message, dropping")
		return nil
	}
	for _, m := range mappings {
		if err := br.matrix.RedactMessage(ctx, m.MatrixEventID, ""); err != nil {
			br.log.Error().Err(err).Stringer("event_id", m.MatrixEventID).Msg("Failed to redact bridged event")
		}
	}
	return br.store.ForgetRemote(ctx, payload.MessageID)
}

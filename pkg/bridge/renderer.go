// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/aiku/mautrix-discordrelay/pkg/bridge/discordfmt"
)

// relayedStamp remembers who sent the last successfully relayed message and
// when, for the author-grouping heuristic. Both relay directions update it.
type relayedStamp struct {
	Author string
	At     time.Time
}

// Rendered is the transient output of rendering one inbound message.
type Rendered struct {
	// Body is the plain-text fallback, always in author-quoted form.
	Body string
	// RichBody is the Matrix HTML representation.
	RichBody string
	// IncludedAuthor records whether the author header was embedded, so a
	// later edit can reproduce the decision.
	IncludedAuthor bool
}

// AvatarResolver turns a remote avatar URL into an uploaded Matrix handle.
// A miss returns ok=false and the render proceeds without the image.
type AvatarResolver interface {
	AvatarMXC(ctx context.Context, httpURL string) (mxc string, ok bool)
}

// Renderer converts gateway messages into Matrix message content.
type Renderer struct {
	avatars AvatarResolver
	window  time.Duration
}

// NewRenderer creates a renderer with the given grouping window.
func NewRenderer(avatars AvatarResolver, window time.Duration) *Renderer {
	return &Renderer{avatars: avatars, window: window}
}

// ShouldPrependAuthor decides whether the author header goes on this message.
// Consecutive messages from the same author inside the grouping window are
// visually grouped; attachment-only messages and author switches always get
// a fresh header.
func (r *Renderer) ShouldPrependAuthor(msg *MessagePayload, last *relayedStamp) bool {
	if last == nil {
		return true
	}
	if msg.Timestamp().Sub(last.At) >= r.window {
		return true
	}
	if msg.Author != last.Author {
		return true
	}
	return msg.Content == ""
}

// Render produces the rich and plain representations of a gateway message.
// forceAuthor, when non-nil, replays a previously persisted header decision
// instead of consulting the grouping heuristic (used for edits, where the
// timing state has moved on).
func (r *Renderer) Render(ctx context.Context, msg *MessagePayload, last *relayedStamp, forceAuthor *bool) Rendered {
	if msg.Content == "" {
		var placeholder string
		if len(msg.Attachments) > 0 {
			placeholder = fmt.Sprintf("@%s sent %d attachments.", msg.Author, len(msg.Attachments))
		} else {
			placeholder = fmt.Sprintf("@%s sent no content.", msg.Author)
		}
		return Rendered{Body: placeholder, RichBody: placeholder}
	}

	includeAuthor := r.ShouldPrependAuthor(msg, last)
	if forceAuthor != nil {
		includeAuthor = *forceAuthor
	}

	parsed := discordfmt.Parse(msg.CleanContent)
	rich := parsed.FormattedBody
	if rich == "" {
		rich = html.EscapeString(parsed.Body)
	}
	if includeAuthor {
		rich = r.authorHeader(ctx, msg) + rich
	}

	return Rendered{
		// The fallback body is a structural quote field, not the display
		// field, so it always carries the author regardless of grouping.
		Body:           fmt.Sprintf("**%s:**\n%s", msg.Author, msg.CleanContent),
		RichBody:       rich,
		IncludedAuthor: includeAuthor,
	}
}

// authorHeader builds the bolded author line, with an inline 16px avatar
// when one can be resolved.
func (r *Renderer) authorHeader(ctx context.Context, msg *MessagePayload) string {
	avatar := ""
	if msg.Avatar != "" && r.avatars != nil {
		if mxc, ok := r.avatars.AvatarMXC(ctx, msg.Avatar); ok {
			avatar = fmt.Sprintf(`<img src="%s" width="16px" height="16px" alt="[`+"\U0001f464"+`]"> `, mxc)
		}
	}
	return fmt.Sprintf("<strong>%s%s:</strong><br/>", avatar, html.EscapeString(msg.Author))
}

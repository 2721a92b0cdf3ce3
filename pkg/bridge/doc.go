// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge implements a Matrix-Discord relay built around a
// community-run gateway service rather than a privileged Discord bot.
//
// Inbound, the bridge holds a durable websocket subscription to the gateway
// and mirrors Discord messages into one Matrix room: markdown is converted to
// Matrix HTML, consecutive messages from one author are visually grouped, and
// attachments are fetched, transcoded, and re-uploaded to the homeserver.
//
// Outbound, Matrix messages are delivered over a webhook "impersonation"
// path that posts under the sender's display name and avatar, falling back
// to the gateway's plain relay endpoint when the webhook fails. Edits and
// redactions propagate in both directions through a persistent message-id
// correlation store.
//
// # Core Types
//
// [Bridge] owns one room-to-channel pairing: the supervised websocket task,
// the send-serializing lock, and the last-relayed grouping stamp.
//
// [Dispatcher] delivers outbound messages over the primary webhook path with
// gateway fallback.
//
// [IdentityResolver] maps Matrix senders to the identity used for
// impersonation, preferring a bound Discord account when the user has linked
// one.
//
// # Echo Prevention
//
// The bridge never relays its own output back: it ignores Matrix events from
// its own user ID, gateway messages from its configured remote author, and
// anything timestamped before the process started. These layers must not be
// simplified or removed.
//
// # Sub-packages
//
//   - discordfmt converts Discord markdown to Matrix HTML.
//   - matrixfmt converts Matrix HTML to Discord markdown.
//   - store persists message correlations and the asset re-upload cache.
package bridge

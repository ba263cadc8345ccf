// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a bridge between Threema groups, reached
// through the Threema gateway in end-to-end mode, and Matrix rooms joined
// by a bot account.
//
// # Core Types
//
// [ThreematrixConnector] owns the lifecycle: it serves the gateway callback
// through [Webhook] and runs the Matrix sync loop of [MatrixClient].
//
// [Router] translates in both directions. Threema group messages are posted
// to the bound room as "<sender>: <text>"; Matrix messages are sent to every
// known member of the bound group as "<display name>: <text>". Files and
// images are re-uploaded on the other side.
//
// [BindingStore] keeps the group a room is bound to in a room state event,
// so bindings survive restarts without a database. Groups are bound from
// inside Threema with "!threematrix bind <room id>".
//
// # Echo Prevention
//
// Messages sent by the bot account itself are never relayed to Threema, and
// the gateway identity is never stored as a group member, so neither side
// sees its own messages come back.
//
// # Sub-packages
//
//   - matrixfmt converts Matrix HTML to Threema markup.
//   - threemafmt converts Threema markup to Matrix HTML.
package connector

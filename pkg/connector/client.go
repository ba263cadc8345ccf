// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/threematrix/pkg/retry"
)

// ErrNoRoomState is returned by MatrixAPI.RoomState when the room has no
// state event of the requested type and key.
var ErrNoRoomState = errors.New("room state not found")

// MatrixAPI is the subset of the Matrix client-server API used by the
// bridge. It allows tests to inject a fake instead of a homeserver.
type MatrixAPI interface {
	UserID() id.UserID
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	RoomState(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, out any) error
	SetRoomState(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error
	Member(ctx context.Context, roomID id.RoomID, userID id.UserID) (*event.MemberEventContent, error)
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error)
	DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error)
	JoinRoom(ctx context.Context, roomID id.RoomID) error
}

// MatrixClient is the production MatrixAPI backed by a mautrix client.
type MatrixClient struct {
	client *mautrix.Client
	log    zerolog.Logger
}

var _ MatrixAPI = (*MatrixClient)(nil)

// Auto-join backoff, doubling from joinRetryStart until it exceeds joinRetryLimit.
const (
	joinRetryStart = 2 * time.Second
	joinRetryLimit = time.Hour
)

// NewMatrixClient creates a client for the bot account. When no access token
// is configured it logs in with the password.
func NewMatrixClient(ctx context.Context, cfg HomeserverConfig, log zerolog.Logger) (*MatrixClient, error) {
	userID := id.UserID(cfg.UserID)
	client, err := mautrix.NewClient(cfg.URL, userID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	log = log.With().Str("component", "matrix").Logger()
	client.Log = log

	if cfg.AccessToken == "" {
		localpart, _, err := userID.Parse()
		if err != nil {
			return nil, fmt.Errorf("invalid homeserver.user_id %q: %w", cfg.UserID, err)
		}
		resp, err := client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: localpart,
			},
			Password:                 cfg.Password,
			InitialDeviceDisplayName: "threematrix",
			StoreCredentials:         true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to log in to Matrix: %w", err)
		}
		log.Info().
			Str("user_id", resp.UserID.String()).
			Str("device_id", string(resp.DeviceID)).
			Msg("Logged in to Matrix")
	}
	return &MatrixClient{client: client, log: log}, nil
}

func (m *MatrixClient) UserID() id.UserID {
	return m.client.UserID
}

func (m *MatrixClient) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := m.client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list joined rooms: %w", err)
	}
	return resp.JoinedRooms, nil
}

func (m *MatrixClient) RoomState(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, out any) error {
	err := m.client.StateEvent(ctx, roomID, evtType, stateKey, out)
	if errors.Is(err, mautrix.MNotFound) {
		return fmt.Errorf("%w: %w", ErrNoRoomState, err)
	} else if err != nil {
		return fmt.Errorf("failed to get %s state in %s: %w", evtType.Type, roomID, err)
	}
	return nil
}

func (m *MatrixClient) SetRoomState(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error {
	_, err := m.client.SendStateEvent(ctx, roomID, evtType, stateKey, content)
	if err != nil {
		return fmt.Errorf("failed to set %s state in %s: %w", evtType.Type, roomID, err)
	}
	return nil
}

func (m *MatrixClient) Member(ctx context.Context, roomID id.RoomID, userID id.UserID) (*event.MemberEventContent, error) {
	var member event.MemberEventContent
	if err := m.client.StateEvent(ctx, roomID, event.StateMember, userID.String(), &member); err != nil {
		return nil, fmt.Errorf("failed to get member %s of %s: %w", userID, roomID, err)
	}
	return &member, nil
}

func (m *MatrixClient) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := m.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", roomID, err)
	}
	return resp.EventID, nil
}

func (m *MatrixClient) UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error) {
	resp, err := m.client.UploadBytesWithName(ctx, data, mimeType, fileName)
	if err != nil {
		return "", fmt.Errorf("failed to upload media: %w", err)
	}
	return resp.ContentURI.CUString(), nil
}

func (m *MatrixClient) DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error) {
	parsed, err := uri.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid content URI %q: %w", uri, err)
	}
	data, err := m.client.DownloadBytes(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", uri, err)
	}
	return data, nil
}

func (m *MatrixClient) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := m.client.JoinRoomByID(ctx, roomID); err != nil {
		return fmt.Errorf("failed to join %s: %w", roomID, err)
	}
	return nil
}

// Sync runs the sync loop until ctx is cancelled. Events from the initial
// sync are skipped so restarts do not replay history. Message events are
// passed to onMessage in the order the homeserver delivers them.
func (m *MatrixClient) Sync(ctx context.Context, onMessage func(ctx context.Context, evt *event.Event), autoJoin bool) error {
	syncer, ok := m.client.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return fmt.Errorf("matrix syncer %T does not support event handlers", m.client.Syncer)
	}
	syncer.OnSync(m.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		onMessage(m.log.WithContext(ctx), evt)
	})
	if autoJoin {
		syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
			m.handleMember(ctx, evt)
		})
	}
	return m.client.SyncWithContext(ctx)
}

func (m *MatrixClient) handleMember(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != m.client.UserID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite {
		return
	}
	// Joins may back off for up to an hour; keep them off the sync loop.
	go acceptInvite(m.log.WithContext(ctx), m, evt.RoomID)
}

// acceptInvite joins an invited room with exponential backoff.
func acceptInvite(ctx context.Context, api MatrixAPI, roomID id.RoomID) {
	log := zerolog.Ctx(ctx).With().Str("room_id", roomID.String()).Logger()
	log.Debug().Msg("Auto-joining room")
	err := retry.Backoff(log.WithContext(ctx), joinRetryStart, joinRetryLimit, func(ctx context.Context) error {
		return api.JoinRoom(ctx, roomID)
	})
	if err != nil {
		log.Error().Err(err).Msg("Giving up on joining room")
		return
	}
	log.Info().Msg("Joined room")
}

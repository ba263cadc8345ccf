// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/threematrix/pkg/retry"
	"github.com/aiku/threematrix/pkg/threema"
)

var (
	// ErrBindingNotFound means no joined room is bound to the group, or the
	// room has no binding state at all.
	ErrBindingNotFound = errors.New("no binding found")
	// ErrMalformedBinding means the room has binding state, but its group id
	// cannot be parsed.
	ErrMalformedBinding = errors.New("room state does not contain a valid Threema group id")
	ErrRoomNotFound     = errors.New("Matrix room not found. Maybe the bot is not invited or the room id has wrong format!")
	ErrAlreadyBound     = errors.New("group is already bound to another Matrix room")
)

// BindingContent is the content of the binding state event.
type BindingContent struct {
	GroupID string `json:"threema_group_id,omitempty"`
	// LegacyGroupID is only read, never written.
	LegacyGroupID string `json:"threematrix_threema_group_id,omitempty"`
}

func (c *BindingContent) groupID() string {
	if c.GroupID != "" {
		return c.GroupID
	}
	return c.LegacyGroupID
}

// BindingStore maps Threema groups to Matrix rooms. The binding lives in a
// state event (empty state key) of the room; the store only keeps an index
// of bindings it has already seen, which is verified before use.
type BindingStore struct {
	matrix    MatrixAPI
	eventType event.Type
	retry     retry.Policy

	bindMu sync.Mutex

	indexMu sync.Mutex
	index   map[threema.GroupID]id.RoomID
}

// NewBindingStore creates a binding store using the given state event type.
func NewBindingStore(matrix MatrixAPI, eventType event.Type, policy retry.Policy) *BindingStore {
	return &BindingStore{
		matrix:    matrix,
		eventType: eventType,
		retry:     policy,
		index:     make(map[threema.GroupID]id.RoomID),
	}
}

// GroupForRoom reads the group bound to a room. It returns
// ErrBindingNotFound when the room has no binding and ErrMalformedBinding
// when the stored group id is invalid.
func (s *BindingStore) GroupForRoom(ctx context.Context, roomID id.RoomID) (threema.GroupID, error) {
	var content BindingContent
	err := retry.DoErr(ctx, s.retry, func(ctx context.Context) error {
		content = BindingContent{}
		err := s.matrix.RoomState(ctx, roomID, s.eventType, "", &content)
		if errors.Is(err, ErrNoRoomState) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, ErrNoRoomState) {
		return threema.GroupID{}, ErrBindingNotFound
	} else if err != nil {
		return threema.GroupID{}, err
	}
	raw := content.groupID()
	if raw == "" {
		return threema.GroupID{}, ErrBindingNotFound
	}
	gid, err := threema.ParseGroupID(raw)
	if err != nil {
		return threema.GroupID{}, fmt.Errorf("%w: %w", ErrMalformedBinding, err)
	}
	return gid, nil
}

// FindRoomForGroup returns the joined room bound to gid. An index entry is
// only used while its room is still joined; otherwise every joined room is
// inspected and the first match wins.
func (s *BindingStore) FindRoomForGroup(ctx context.Context, gid threema.GroupID) (id.RoomID, error) {
	log := zerolog.Ctx(ctx)

	rooms, err := retry.Do(ctx, s.retry, s.matrix.JoinedRooms)
	if err != nil {
		return "", err
	}

	s.indexMu.Lock()
	cached, ok := s.index[gid]
	s.indexMu.Unlock()
	if ok {
		// A left room keeps serving its old state, so membership is checked first.
		if slices.Contains(rooms, cached) {
			bound, err := s.GroupForRoom(ctx, cached)
			if err == nil && bound == gid {
				return cached, nil
			}
		}
		s.forget(gid, cached)
	}

	var lastErr error
	for _, roomID := range rooms {
		bound, err := s.GroupForRoom(ctx, roomID)
		if errors.Is(err, ErrBindingNotFound) {
			continue
		} else if errors.Is(err, ErrMalformedBinding) {
			log.Debug().Err(err).Str("room_id", roomID.String()).Msg("Skipping room with malformed binding")
			continue
		} else if err != nil {
			log.Warn().Err(err).Str("room_id", roomID.String()).Msg("Failed to read room binding")
			lastErr = err
			continue
		}
		s.remember(bound, roomID)
		if bound == gid {
			return roomID, nil
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("failed to inspect every joined room: %w", lastErr)
	}
	return "", ErrBindingNotFound
}

// Bind stores gid in the state of roomID. The room must be joined, and the
// group must not already be bound to a different joined room.
func (s *BindingStore) Bind(ctx context.Context, gid threema.GroupID, roomID id.RoomID) error {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	rooms, err := retry.Do(ctx, s.retry, s.matrix.JoinedRooms)
	if err != nil {
		return err
	}
	if !slices.Contains(rooms, roomID) {
		return ErrRoomNotFound
	}
	existing, err := s.FindRoomForGroup(ctx, gid)
	if err != nil && !errors.Is(err, ErrBindingNotFound) {
		return err
	} else if err == nil && existing != roomID {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, existing)
	}

	content := &BindingContent{GroupID: gid.String()}
	err = retry.DoErr(ctx, s.retry, func(ctx context.Context) error {
		return s.matrix.SetRoomState(ctx, roomID, s.eventType, "", content)
	})
	if err != nil {
		return err
	}
	s.indexMu.Lock()
	s.index[gid] = roomID
	s.indexMu.Unlock()
	return nil
}

func (s *BindingStore) remember(gid threema.GroupID, roomID id.RoomID) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if _, ok := s.index[gid]; !ok {
		s.index[gid] = roomID
	}
}

func (s *BindingStore) forget(gid threema.GroupID, roomID id.RoomID) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if s.index[gid] == roomID {
		delete(s.index, gid)
	}
}

// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exmime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/threematrix/pkg/retry"
	"github.com/aiku/threematrix/pkg/threema"
)

// HandleThreema processes a decoded inbound Threema message.
func (r *Router) HandleThreema(ctx context.Context, msg threema.Message) {
	env := msg.GetEnvelope()
	log := r.logContext(ctx).
		Str("threema_sender", env.From).
		Str("threema_message_id", env.MessageID).
		Logger()
	ctx = log.WithContext(ctx)

	switch m := msg.(type) {
	case *threema.GroupTextMessage:
		if !r.ensureGroupKnown(ctx, m.Creator, m.GroupID) {
			return
		}
		if r.isCommand(m.Text) {
			r.handleCommand(ctx, m)
			return
		}
		r.relayGroupText(ctx, m)
	case *threema.GroupFileMessage:
		if !r.ensureGroupKnown(ctx, m.Creator, m.GroupID) {
			return
		}
		r.relayGroupFile(ctx, m)
	case *threema.GroupRosterMessage:
		if r.threema.Directory().UpsertRoster(m.GroupID, m.From, m.Members) {
			log.Info().
				Stringer("group_id", m.GroupID).
				Strs("members", m.Members).
				Msg("Updated group members")
		} else {
			log.Info().Stringer("group_id", m.GroupID).Msg("Bridge is no longer a group member, forgetting group")
		}
	case *threema.GroupRenameMessage:
		if r.threema.Directory().UpsertRename(m.GroupID, m.From, m.Name) {
			log.Info().Stringer("group_id", m.GroupID).Str("name", m.Name).Msg("Group renamed")
		} else {
			r.requestSync(ctx, m.From, m.GroupID)
		}
	default:
		log.Debug().Uint8("message_type", uint8(msg.Type())).Msg("Ignoring unsupported Threema message")
	}
}

// ensureGroupKnown reports whether the group is in the directory. For an
// unknown group it asks the creator for the roster; the triggering message
// is dropped.
func (r *Router) ensureGroupKnown(ctx context.Context, creator string, gid threema.GroupID) bool {
	if _, ok := r.threema.Directory().Lookup(gid); ok {
		return true
	}
	r.requestSync(ctx, creator, gid)
	return false
}

func (r *Router) requestSync(ctx context.Context, creator string, gid threema.GroupID) {
	log := zerolog.Ctx(ctx).With().Stringer("group_id", gid).Str("creator", creator).Logger()
	log.Debug().Msg("Group members unknown, requesting group sync")
	if err := r.threema.RequestGroupSync(ctx, creator, gid); err != nil {
		log.Error().Err(err).Msg("Failed to request group sync")
	}
}

// replyThreema sends a bridge message into a group. Errors are logged.
func (r *Router) replyThreema(ctx context.Context, gid threema.GroupID, text string) {
	if err := r.threema.SendGroupText(ctx, gid, text); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Stringer("group_id", gid).
			Str("text", text).
			Msg("Failed to send message to Threema group")
	}
}

// replyThreemaError logs text at warn (or error) level and sends it into the group.
func (r *Router) replyThreemaError(ctx context.Context, gid threema.GroupID, text string, isError bool) {
	evt := zerolog.Ctx(ctx).Warn()
	if isError {
		evt = zerolog.Ctx(ctx).Error()
	}
	evt.Stringer("group_id", gid).Msg(text)
	r.replyThreema(ctx, gid, text)
}

// findRoom looks up the room bound to a group. It returns false if the
// group is not bound or the lookup failed; failures are reported into the group.
func (r *Router) findRoom(ctx context.Context, gid threema.GroupID) (id.RoomID, bool) {
	roomID, err := r.bindings.FindRoomForGroup(ctx, gid)
	if errors.Is(err, ErrBindingNotFound) {
		zerolog.Ctx(ctx).Debug().Stringer("group_id", gid).Msg("No Matrix room bound to Threema group")
		return "", false
	} else if err != nil {
		r.replyThreemaError(ctx, gid, fmt.Sprintf("Could not send message to Matrix room: %v", err), true)
		return "", false
	}
	return roomID, true
}

func (r *Router) sendMatrix(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) error {
	_, err := retry.Do(ctx, r.retry, func(ctx context.Context) (id.EventID, error) {
		return r.matrix.SendMessage(ctx, roomID, content)
	})
	return err
}

func (r *Router) relayGroupText(ctx context.Context, msg *threema.GroupTextMessage) {
	roomID, ok := r.findRoom(ctx, msg.GroupID)
	if !ok {
		return
	}
	content := threemaToMatrix(msg.SenderName(), msg.Text)
	if err := r.sendMatrix(ctx, roomID, content); err != nil {
		r.replyThreemaError(ctx, msg.GroupID, fmt.Sprintf("Could not send message to Matrix room: %v", err), true)
		return
	}
	zerolog.Ctx(ctx).Debug().Str("room_id", roomID.String()).Msg("Relayed Threema message to Matrix")
}

func (r *Router) relayGroupFile(ctx context.Context, msg *threema.GroupFileMessage) {
	roomID, ok := r.findRoom(ctx, msg.GroupID)
	if !ok {
		return
	}
	file := msg.File
	if file.Description != "" {
		if err := r.sendMatrix(ctx, roomID, threemaToMatrix(msg.SenderName(), file.Description)); err != nil {
			r.replyThreemaError(ctx, msg.GroupID, fmt.Sprintf("Could not send file description to Matrix room: %v", err), true)
		}
	}

	data, err := r.threema.DownloadFile(ctx, file)
	if err != nil {
		r.replyThreemaError(ctx, msg.GroupID, fmt.Sprintf("Could not download file from Threema: %v", err), true)
		return
	}
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	fileName := file.FileName
	if fileName == "" {
		fileName = "file" + exmime.ExtensionFromMimetype(mimeType)
	}
	uri, err := retry.Do(ctx, r.retry, func(ctx context.Context) (id.ContentURIString, error) {
		return r.matrix.UploadMedia(ctx, data, mimeType, fileName)
	})
	if err != nil {
		r.replyThreemaError(ctx, msg.GroupID, fmt.Sprintf("Could not upload file to Matrix: %v", err), true)
		return
	}
	content := &event.MessageEventContent{
		MsgType: msgTypeForMime(mimeType),
		Body:    fileName,
		URL:     uri,
		Info: &event.FileInfo{
			MimeType: mimeType,
			Size:     len(data),
		},
	}
	if err = r.sendMatrix(ctx, roomID, content); err != nil {
		r.replyThreemaError(ctx, msg.GroupID, fmt.Sprintf("Could not send file to Matrix room: %v", err), true)
		return
	}
	zerolog.Ctx(ctx).Debug().
		Str("room_id", roomID.String()).
		Str("file_name", fileName).
		Int("size", len(data)).
		Msg("Relayed Threema file to Matrix")
}

func msgTypeForMime(mimeType string) event.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mimeType, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

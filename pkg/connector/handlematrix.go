// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/threematrix/pkg/retry"
	"github.com/aiku/threematrix/pkg/threema"
)

// HandleMatrix processes a message event from a Matrix room.
func (r *Router) HandleMatrix(ctx context.Context, evt *event.Event) {
	// Echo prevention: never relay the bridge's own messages.
	if evt.Sender == "" || evt.Sender == r.matrix.UserID() {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType == "" {
		return
	}
	log := r.logContext(ctx).
		Str("room_id", evt.RoomID.String()).
		Str("sender", evt.Sender.String()).
		Str("event_id", evt.ID.String()).
		Logger()
	ctx = log.WithContext(ctx)

	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		log.Debug().Msg("Ignoring edit")
		return
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote,
		event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
	default:
		log.Debug().Str("msgtype", string(content.MsgType)).Msg("Ignoring unsupported message type")
		return
	}

	senderName, err := r.senderName(ctx, evt.RoomID, evt.Sender)
	if err != nil {
		log.Error().Err(err).Msg("Could not resolve room member")
		return
	}

	gid, err := r.bindings.GroupForRoom(ctx, evt.RoomID)
	switch {
	case errors.Is(err, ErrBindingNotFound):
		r.replyMatrixError(ctx, evt.RoomID, fmt.Sprintf("Room %s does not have proper room state. Have you bound the room to a Threema group?", evt.RoomID), zerolog.InfoLevel)
		return
	case errors.Is(err, ErrMalformedBinding):
		r.replyMatrixError(ctx, evt.RoomID, fmt.Sprintf("Room %s has an invalid Threema group binding: %v", evt.RoomID, err), zerolog.WarnLevel)
		return
	case err != nil:
		r.replyMatrixError(ctx, evt.RoomID, fmt.Sprintf("Could not retrieve room state: %v", err), zerolog.ErrorLevel)
		return
	}

	switch content.MsgType {
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		err = r.relayMatrixMedia(ctx, gid, senderName, content)
	default:
		err = r.threema.SendGroupText(ctx, gid, matrixToThreema(senderName, content))
	}
	if err != nil {
		level := zerolog.ErrorLevel
		if errors.Is(err, threema.ErrGroupNotCached) {
			// Expected until the first roster arrives.
			level = zerolog.WarnLevel
		}
		r.replyMatrixError(ctx, evt.RoomID, fmt.Sprintf("Couldn't send message to Threema group: %v", err), level)
	} else {
		log.Debug().Stringer("group_id", gid).Msg("Relayed Matrix message to Threema")
	}
}

// senderName returns the display name of a room member, or the user id if
// the member has none.
func (r *Router) senderName(ctx context.Context, roomID id.RoomID, userID id.UserID) (string, error) {
	member, err := retry.Do(ctx, r.retry, func(ctx context.Context) (*event.MemberEventContent, error) {
		return r.matrix.Member(ctx, roomID, userID)
	})
	if err != nil {
		return "", err
	}
	if member.Displayname != "" {
		return member.Displayname, nil
	}
	return userID.String(), nil
}

// replyMatrixError logs text at the given level and posts it into the room.
func (r *Router) replyMatrixError(ctx context.Context, roomID id.RoomID, text string, level zerolog.Level) {
	zerolog.Ctx(ctx).WithLevel(level).Str("room_id", roomID.String()).Msg(text)
	if err := r.sendMatrix(ctx, roomID, noticeContent(text)); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("text", text).Msg("Could not send error message to Matrix room")
	}
}

// relayMatrixMedia downloads a Matrix attachment and sends it to the group
// as a Threema file message.
func (r *Router) relayMatrixMedia(ctx context.Context, gid threema.GroupID, senderName string, content *event.MessageEventContent) error {
	if _, ok := r.threema.Directory().Lookup(gid); !ok {
		return threema.ErrGroupNotCached
	}
	if content.URL == "" {
		return fmt.Errorf("encrypted attachments are not supported")
	}
	data, err := retry.Do(ctx, r.retry, func(ctx context.Context) ([]byte, error) {
		return r.matrix.DownloadMedia(ctx, content.URL)
	})
	if err != nil {
		return err
	}

	meta := threema.FileMessage{
		MimeType:      "application/octet-stream",
		FileName:      content.GetFileName(),
		RenderingType: threema.RenderingFile,
	}
	if content.Info != nil && content.Info.MimeType != "" {
		meta.MimeType = content.Info.MimeType
	}
	if content.MsgType == event.MsgImage || content.MsgType == event.MsgVideo {
		meta.RenderingType = threema.RenderingMedia
	}
	caption := senderName
	if content.FileName != "" && content.Body != "" && content.Body != content.FileName {
		caption = senderName + ": " + content.Body
	}
	meta.Description = caption

	var thumbnail []byte
	if content.Info != nil && content.Info.ThumbnailURL != "" {
		thumbnail, err = retry.Do(ctx, r.retry, func(ctx context.Context) ([]byte, error) {
			return r.matrix.DownloadMedia(ctx, content.Info.ThumbnailURL)
		})
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to download thumbnail, sending file without it")
			thumbnail = nil
		} else {
			meta.ThumbnailMimeType = "image/jpeg"
			if content.Info.ThumbnailInfo != nil && content.Info.ThumbnailInfo.MimeType != "" {
				meta.ThumbnailMimeType = content.Info.ThumbnailInfo.MimeType
			}
		}
	}

	meta, err = r.threema.UploadFile(ctx, data, thumbnail, meta)
	if err != nil {
		return err
	}
	return r.threema.SendGroupFile(ctx, gid, meta)
}

// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/threematrix/pkg/threema"
)

const helpText = `To bind this Threema Group to a Matrix Room, please use the command "%s bind !abc123:homeserver.org".
You can find the required room id in your Matrix client. Attention: This is NOT a "human readable" room alias, but an "internal" room id, which consists of random characters.`

// isCommand reports whether the first word of text is the command prefix.
func (r *Router) isCommand(text string) bool {
	fields := strings.Fields(text)
	return len(fields) > 0 && fields[0] == r.commandPrefix
}

func (r *Router) handleCommand(ctx context.Context, msg *threema.GroupTextMessage) {
	args := strings.Fields(msg.Text)[1:]
	var cmd string
	if len(args) > 0 {
		cmd = strings.ToLower(args[0])
		args = args[1:]
	}
	switch cmd {
	case "bind":
		r.cmdBind(ctx, msg.GroupID, args)
	case "help":
		r.replyThreema(ctx, msg.GroupID, fmt.Sprintf(helpText, r.commandPrefix))
	default:
		r.replyThreemaError(ctx, msg.GroupID, fmt.Sprintf("Command not found! Use *%s help* for more information", r.commandPrefix), false)
	}
}

func (r *Router) cmdBind(ctx context.Context, gid threema.GroupID, args []string) {
	if len(args) == 0 {
		r.replyThreemaError(ctx, gid, "Missing Matrix room id!", false)
		return
	}
	roomID := id.RoomID(args[0])
	if !strings.HasPrefix(roomID.String(), "!") {
		r.replyThreemaError(ctx, gid, ErrRoomNotFound.Error(), false)
		return
	}
	err := r.bindings.Bind(ctx, gid, roomID)
	switch {
	case err == nil:
		r.replyThreema(ctx, gid, fmt.Sprintf("Group has been successfully bound to Matrix room: %s", roomID))
	case errors.Is(err, ErrRoomNotFound):
		r.replyThreemaError(ctx, gid, ErrRoomNotFound.Error(), false)
	case errors.Is(err, ErrAlreadyBound):
		r.replyThreemaError(ctx, gid, fmt.Sprintf("Could not bind group: %v", err), false)
	default:
		r.replyThreemaError(ctx, gid, fmt.Sprintf("Could not set Matrix room state: %v", err), true)
	}
}

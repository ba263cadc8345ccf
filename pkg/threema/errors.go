// Copyright 2024-2026 Aiku AI

package threema

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMessageType is returned by Decode for a type tag it does not understand.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrMalformedMessage is returned by Decode when a payload is too short or
	// otherwise violates the layout of its type.
	ErrMalformedMessage = errors.New("malformed message")

	ErrEmptyGroupID   = errors.New("group id is empty")
	ErrInvalidGroupID = errors.New("group id should consist of 8 numbers between 0 and 255, separated by single spaces")

	// ErrGroupNotCached means the members of a group are not known yet because
	// no roster message has been received for it.
	ErrGroupNotCached = errors.New("members of the group are unknown, because no group update has been received yet; try sending a Threema message in the group first")

	ErrBadMAC      = errors.New("callback MAC mismatch")
	ErrDecrypt     = errors.New("failed to decrypt message")
	ErrBadPadding  = errors.New("invalid message padding")
	ErrInvalidKey  = errors.New("invalid key")
	ErrInvalidFrom = errors.New("invalid gateway identity")
)

// APIError is returned for non-successful responses from the gateway HTTP API.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if reason := statusReason(e.Status); reason != "" {
		return fmt.Sprintf("gateway %s failed with status %d: %s", e.Op, e.Status, reason)
	}
	return fmt.Sprintf("gateway %s failed with status %d", e.Op, e.Status)
}

// Temporary reports whether the request may succeed when repeated. Only
// rate limiting and server-side failures qualify.
func (e *APIError) Temporary() bool {
	return e.Status == 429 || e.Status >= 500
}

func statusReason(status int) string {
	switch status {
	case 400:
		return "invalid recipient or request"
	case 401:
		return "invalid gateway identity or secret"
	case 402:
		return "no credits remaining"
	case 404:
		return "identity or blob not found"
	case 413:
		return "message or blob too large"
	case 500:
		return "temporary internal server error"
	default:
		return ""
	}
}

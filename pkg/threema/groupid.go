// Copyright 2024-2026 Aiku AI

package threema

import (
	"fmt"
	"strconv"
	"strings"
)

// GroupIDLen is the length of a binary group identifier.
const GroupIDLen = 8

// IdentityLen is the length of a Threema identity such as "ECHOECHO" or "*GATEWAY".
const IdentityLen = 8

// GroupID is the binary identifier of a Threema group.
type GroupID [GroupIDLen]byte

// String renders the group id in its human-typable form, the decimal value
// of every byte separated by single spaces ("8 77 12 ...").
func (g GroupID) String() string {
	s, _ := FormatGroupID(g[:])
	return s
}

// FormatGroupID renders a raw group id slice. An empty slice is an error,
// as is any length other than GroupIDLen.
func FormatGroupID(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", ErrEmptyGroupID
	}
	if len(raw) != GroupIDLen {
		return "", fmt.Errorf("%w: got %d bytes", ErrInvalidGroupID, len(raw))
	}
	var sb strings.Builder
	for i, b := range raw {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.Itoa(int(b)))
	}
	return sb.String(), nil
}

// ParseGroupID parses the human-typable form produced by GroupID.String.
// It never panics; any malformed input yields an error wrapping
// ErrInvalidGroupID.
func ParseGroupID(s string) (GroupID, error) {
	var gid GroupID
	parts := strings.Split(s, " ")
	if len(parts) != GroupIDLen {
		return gid, fmt.Errorf("%w: got %d parts", ErrInvalidGroupID, len(parts))
	}
	for i, part := range parts {
		val, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return gid, fmt.Errorf("%w: part %d: %w", ErrInvalidGroupID, i+1, err)
		}
		gid[i] = byte(val)
	}
	return gid, nil
}

// ValidIdentity reports whether s looks like a Threema identity.
func ValidIdentity(s string) bool {
	if len(s) != IdentityLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '*') {
			return false
		}
	}
	return true
}

// Copyright 2024-2026 Aiku AI

package threema

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"unicode/utf8"
)

// Decode parses a decrypted, unpadded message payload. The envelope is
// copied into the returned message. Unknown type tags yield an error
// wrapping ErrUnknownMessageType; truncated or inconsistent payloads yield
// ErrMalformedMessage. Decode never panics on untrusted input.
func Decode(env Envelope, data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}
	body := data[1:]
	switch MessageType(data[0]) {
	case TypeText:
		text, err := decodeText(body)
		if err != nil {
			return nil, err
		}
		return &TextMessage{Envelope: env, Text: text}, nil
	case TypeGroupText:
		creator, gid, rest, err := decodeGroupPrefix(body)
		if err != nil {
			return nil, err
		}
		text, err := decodeText(rest)
		if err != nil {
			return nil, err
		}
		return &GroupTextMessage{Envelope: env, Creator: creator, GroupID: gid, Text: text}, nil
	case TypeGroupFile:
		creator, gid, rest, err := decodeGroupPrefix(body)
		if err != nil {
			return nil, err
		}
		var file FileMessage
		if err = json.Unmarshal(rest, &file); err != nil {
			return nil, fmt.Errorf("%w: file metadata: %w", ErrMalformedMessage, err)
		}
		return &GroupFileMessage{Envelope: env, Creator: creator, GroupID: gid, File: file}, nil
	case TypeGroupCreate:
		if len(body) < GroupIDLen {
			return nil, fmt.Errorf("%w: group create message shorter than group id", ErrMalformedMessage)
		}
		rest := body[GroupIDLen:]
		if len(rest)%IdentityLen != 0 {
			return nil, fmt.Errorf("%w: member list length %d is not a multiple of %d", ErrMalformedMessage, len(rest), IdentityLen)
		}
		msg := &GroupRosterMessage{Envelope: env, GroupID: GroupID(body[:GroupIDLen])}
		msg.Members = make([]string, 0, len(rest)/IdentityLen)
		for i := 0; i < len(rest); i += IdentityLen {
			msg.Members = append(msg.Members, string(rest[i:i+IdentityLen]))
		}
		return msg, nil
	case TypeGroupRename:
		if len(body) < GroupIDLen {
			return nil, fmt.Errorf("%w: group rename message shorter than group id", ErrMalformedMessage)
		}
		name, err := decodeText(body[GroupIDLen:])
		if err != nil {
			return nil, err
		}
		return &GroupRenameMessage{Envelope: env, GroupID: GroupID(body[:GroupIDLen]), Name: name}, nil
	default:
		return nil, fmt.Errorf("%w: %#02x", ErrUnknownMessageType, data[0])
	}
}

func decodeGroupPrefix(body []byte) (creator string, gid GroupID, rest []byte, err error) {
	if len(body) < groupPrefixLen {
		err = fmt.Errorf("%w: group message shorter than %d bytes", ErrMalformedMessage, groupPrefixLen+1)
		return
	}
	creator = string(body[:IdentityLen])
	gid = GroupID(body[IdentityLen:groupPrefixLen])
	rest = body[groupPrefixLen:]
	return
}

func decodeText(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: text is not valid UTF-8", ErrMalformedMessage)
	}
	return string(b), nil
}

// Encode serializes an outbound message without padding.
func Encode(msg OutboundMessage) ([]byte, error) {
	return msg.appendPayload([]byte{byte(msg.Type())})
}

func (m *OutgoingText) appendPayload(buf []byte) ([]byte, error) {
	return append(buf, m.Text...), nil
}

func (m *OutgoingGroupText) appendPayload(buf []byte) ([]byte, error) {
	buf, err := appendGroupPrefix(buf, m.Creator, m.GroupID)
	if err != nil {
		return nil, err
	}
	return append(buf, m.Text...), nil
}

func (m *OutgoingGroupFile) appendPayload(buf []byte) ([]byte, error) {
	buf, err := appendGroupPrefix(buf, m.Creator, m.GroupID)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(&m.File)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file metadata: %w", err)
	}
	return append(buf, meta...), nil
}

func (m *OutgoingGroupSyncRequest) appendPayload(buf []byte) ([]byte, error) {
	return append(buf, m.GroupID[:]...), nil
}

func appendGroupPrefix(buf []byte, creator string, gid GroupID) ([]byte, error) {
	if len(creator) != IdentityLen {
		return nil, fmt.Errorf("group creator %q is not a %d character identity", creator, IdentityLen)
	}
	buf = append(buf, creator...)
	return append(buf, gid[:]...), nil
}

// Pad appends between 1 and 254 bytes of PKCS#7-style padding: n copies of
// the byte n, with n chosen uniformly at random.
func Pad(payload []byte) ([]byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(254))
	if err != nil {
		return nil, fmt.Errorf("failed to pick padding length: %w", err)
	}
	return padWith(payload, byte(n.Int64()+1)), nil
}

func padWith(payload []byte, n byte) []byte {
	out := make([]byte, len(payload), len(payload)+int(n))
	copy(out, payload)
	for i := 0; i < int(n); i++ {
		out = append(out, n)
	}
	return out
}

// Unpad strips the padding added by Pad.
func Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > len(data) {
		return nil, ErrBadPadding
	}
	return data[:len(data)-n], nil
}

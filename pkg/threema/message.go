// Copyright 2024-2026 Aiku AI

package threema

import "time"

// MessageType is the first byte of every decrypted message payload.
type MessageType byte

const (
	TypeText             MessageType = 0x01
	TypeGroupText        MessageType = 0x41
	TypeGroupFile        MessageType = 0x46
	TypeGroupCreate      MessageType = 0x4a
	TypeGroupRename      MessageType = 0x4b
	TypeGroupRequestSync MessageType = 0x51
)

// groupPrefixLen is the size of the creator identity plus group id that
// precedes the body of group text and group file messages.
const groupPrefixLen = IdentityLen + GroupIDLen

// Envelope holds the metadata shared by all inbound messages. It comes from
// the gateway callback, not from the encrypted payload.
type Envelope struct {
	From      string
	To        string
	MessageID string
	// Nickname is the push name of the sender, if any.
	Nickname string
	Date     time.Time
}

// GetEnvelope returns the envelope of a message.
func (e *Envelope) GetEnvelope() *Envelope {
	return e
}

// SenderName returns the nickname or, if it is empty, the sender identity.
func (e *Envelope) SenderName() string {
	if e.Nickname != "" {
		return e.Nickname
	}
	return e.From
}

// Message is a decoded inbound message. The concrete type is one of
// *TextMessage, *GroupTextMessage, *GroupFileMessage, *GroupRosterMessage
// or *GroupRenameMessage.
type Message interface {
	GetEnvelope() *Envelope
	Type() MessageType
}

type TextMessage struct {
	Envelope
	Text string
}

type GroupTextMessage struct {
	Envelope
	Creator string
	GroupID GroupID
	Text    string
}

type GroupFileMessage struct {
	Envelope
	Creator string
	GroupID GroupID
	File    FileMessage
}

// GroupRosterMessage is the "group create" message a creator broadcasts
// whenever the member list changes. The creator is the sender.
type GroupRosterMessage struct {
	Envelope
	GroupID GroupID
	Members []string
}

type GroupRenameMessage struct {
	Envelope
	GroupID GroupID
	Name    string
}

func (*TextMessage) Type() MessageType        { return TypeText }
func (*GroupTextMessage) Type() MessageType   { return TypeGroupText }
func (*GroupFileMessage) Type() MessageType   { return TypeGroupFile }
func (*GroupRosterMessage) Type() MessageType { return TypeGroupCreate }
func (*GroupRenameMessage) Type() MessageType { return TypeGroupRename }

// Rendering types of a file message.
const (
	RenderingFile    = 0
	RenderingMedia   = 1
	RenderingSticker = 2
)

// FileMessage is the JSON body of a file message. Blob ids and the key are
// lowercase hex.
type FileMessage struct {
	BlobID            string `json:"b"`
	ThumbnailBlobID   string `json:"t,omitempty"`
	Key               string `json:"k"`
	MimeType          string `json:"m"`
	ThumbnailMimeType string `json:"p,omitempty"`
	FileName          string `json:"n,omitempty"`
	Size              int    `json:"s"`
	Description       string `json:"d,omitempty"`
	RenderingType     int    `json:"j"`
	// LegacyRendering mirrors RenderingType for old clients (1 = media).
	LegacyRendering int `json:"i"`
}

// OutboundMessage is a message that can be encoded for sending.
type OutboundMessage interface {
	Type() MessageType
	appendPayload(buf []byte) ([]byte, error)
}

type OutgoingText struct {
	Text string
}

type OutgoingGroupText struct {
	Creator string
	GroupID GroupID
	Text    string
}

type OutgoingGroupFile struct {
	Creator string
	GroupID GroupID
	File    FileMessage
}

// OutgoingGroupSyncRequest asks the creator of a group to resend the roster.
type OutgoingGroupSyncRequest struct {
	GroupID GroupID
}

func (*OutgoingText) Type() MessageType             { return TypeText }
func (*OutgoingGroupText) Type() MessageType        { return TypeGroupText }
func (*OutgoingGroupFile) Type() MessageType        { return TypeGroupFile }
func (*OutgoingGroupSyncRequest) Type() MessageType { return TypeGroupRequestSync }

// Copyright 2024-2026 Aiku AI

package threema

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// IncomingMessage is the payload of an inbound gateway callback.
type IncomingMessage struct {
	From      string
	To        string
	MessageID string
	Date      time.Time
	Nonce     []byte
	Box       []byte
	Nickname  string
}

// Envelope returns the message metadata of the callback.
func (in *IncomingMessage) Envelope() Envelope {
	return Envelope{
		From:      in.From,
		To:        in.To,
		MessageID: in.MessageID,
		Nickname:  in.Nickname,
		Date:      in.Date,
	}
}

// ParseIncoming validates the MAC of a callback form and decodes its fields.
// The MAC is HMAC-SHA256 keyed with the API secret over the concatenation of
// from, to, messageId, date, nonce and box as they appear in the form.
func ParseIncoming(form url.Values, secret string) (*IncomingMessage, error) {
	from := form.Get("from")
	to := form.Get("to")
	messageID := form.Get("messageId")
	date := form.Get("date")
	nonceHex := form.Get("nonce")
	boxHex := form.Get("box")

	mac, err := hex.DecodeString(form.Get("mac"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadMAC, err)
	}
	if !hmac.Equal(mac, CallbackMAC(secret, from, to, messageID, date, nonceHex, boxHex)) {
		return nil, ErrBadMAC
	}

	in := &IncomingMessage{
		From:      from,
		To:        to,
		MessageID: messageID,
		Nickname:  form.Get("nickname"),
	}
	if !ValidIdentity(from) {
		return nil, fmt.Errorf("%w: sender %q is not a valid identity", ErrMalformedMessage, from)
	}
	unix, err := strconv.ParseInt(date, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %q", ErrMalformedMessage, date)
	}
	in.Date = time.Unix(unix, 0)
	if in.Nonce, err = hex.DecodeString(nonceHex); err != nil || len(in.Nonce) != NonceLen {
		return nil, fmt.Errorf("%w: invalid nonce", ErrMalformedMessage)
	}
	if in.Box, err = hex.DecodeString(boxHex); err != nil {
		return nil, fmt.Errorf("%w: invalid box: %w", ErrMalformedMessage, err)
	}
	return in, nil
}

// CallbackMAC computes the MAC the gateway attaches to callbacks.
func CallbackMAC(secret, from, to, messageID, date, nonceHex, boxHex string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	for _, part := range []string{from, to, messageID, date, nonceHex, boxHex} {
		h.Write([]byte(part))
	}
	return h.Sum(nil)
}

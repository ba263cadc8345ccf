// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/threematrix/pkg/threema"
)

// maxCallbackBodySize limits the size of a gateway callback. Callbacks only
// carry a message box; files are transferred as blobs.
const maxCallbackBodySize = 1 << 20

// Webhook receives the gateway's inbound message callbacks. Every POST is
// answered with 200; failures are only logged.
type Webhook struct {
	secret string
	ownID  string
	handle func(ctx context.Context, in *threema.IncomingMessage)
	log    zerolog.Logger
}

// NewWebhook creates a callback handler. handle is called for every
// callback with a valid MAC addressed to ownID. It must not block for long.
func NewWebhook(secret, ownID string, handle func(ctx context.Context, in *threema.IncomingMessage), log zerolog.Logger) *Webhook {
	return &Webhook{
		secret: secret,
		ownID:  ownID,
		handle: handle,
		log:    log.With().Str("component", "webhook").Logger(),
	}
}

var _ http.Handler = (*Webhook)(nil)

func (wh *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := wh.log.With().
		Str("request_id", uuid.NewString()).
		Str("remote_addr", r.RemoteAddr).
		Logger()

	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBodySize)
	if err := r.ParseForm(); err != nil {
		log.Warn().Err(err).Msg("Failed to parse callback form")
		respondOK(w)
		return
	}
	in, err := threema.ParseIncoming(r.PostForm, wh.secret)
	if errors.Is(err, threema.ErrBadMAC) {
		log.Warn().Str("from", r.PostForm.Get("from")).Msg("Dropping callback with invalid MAC")
		respondOK(w)
		return
	} else if err != nil {
		log.Warn().Err(err).Msg("Dropping malformed callback")
		respondOK(w)
		return
	}
	log = log.With().
		Str("from", in.From).
		Str("message_id", in.MessageID).
		Logger()
	if in.To != wh.ownID {
		log.Warn().Str("to", in.To).Msg("Dropping callback addressed to another gateway identity")
		respondOK(w)
		return
	}
	log.Debug().Msg("Received gateway callback")
	wh.handle(log.WithContext(r.Context()), in)
	respondOK(w)
}

func respondOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

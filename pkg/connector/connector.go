// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/threematrix/pkg/threema"
)

// MatrixSyncer is a MatrixAPI that can run the sync loop.
type MatrixSyncer interface {
	MatrixAPI
	Sync(ctx context.Context, onMessage func(ctx context.Context, evt *event.Event), autoJoin bool) error
}

// ThreematrixConnector wires the Threema gateway and the Matrix account
// together and runs the two inbound sources.
type ThreematrixConnector struct {
	Config   *Config
	Log      zerolog.Logger
	Threema  *threema.Client
	Matrix   MatrixSyncer
	Bindings *BindingStore
	Router   *Router
	Webhook  *Webhook

	// runCtx outlives webhook requests and ends when Run stops; callbacks
	// are processed in it.
	runCtx   context.Context
	runCtxMu sync.RWMutex
	inflight sync.WaitGroup
}

// New logs in to the homeserver and creates a connector for cfg.
func New(ctx context.Context, cfg *Config, log zerolog.Logger) (*ThreematrixConnector, error) {
	gw, err := threema.NewGateway(cfg.GatewayConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Threema gateway client: %w", err)
	}
	mc, err := NewMatrixClient(ctx, cfg.Homeserver, log)
	if err != nil {
		return nil, err
	}
	return NewWithClients(cfg, log, threema.NewClient(gw, nil, cfg.Retry), mc), nil
}

// NewWithClients creates a connector for already constructed clients.
func NewWithClients(cfg *Config, log zerolog.Logger, tc *threema.Client, mc MatrixSyncer) *ThreematrixConnector {
	c := &ThreematrixConnector{
		Config:  cfg,
		Log:     log,
		Threema: tc,
		Matrix:  mc,
		runCtx:  context.Background(),
	}
	c.Bindings = NewBindingStore(mc, cfg.StateEventType(), cfg.Retry)
	c.Router = NewRouter(tc, mc, c.Bindings, cfg.Bridge, cfg.Retry, log)
	c.Webhook = NewWebhook(cfg.Threema.Secret, tc.OwnID(), c.dispatchIncoming, log)
	return c
}

// Run serves the gateway callback and syncs with the homeserver until ctx
// is cancelled or one of them fails.
func (c *ThreematrixConnector) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	// Callbacks stop with the first failing source, not only on shutdown.
	c.runCtxMu.Lock()
	c.runCtx = gctx
	c.runCtxMu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(c.Config.Threema.CallbackPath, c.Webhook)
	server := &http.Server{
		Addr:         c.Config.Threema.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		c.Log.Info().
			Str("addr", server.Addr).
			Str("path", c.Config.Threema.CallbackPath).
			Msg("Starting Threema callback listener")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("callback listener failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		c.Log.Info().Str("user_id", c.Matrix.UserID().String()).Msg("Starting Matrix sync")
		err := c.Matrix.Sync(gctx, c.Router.HandleMatrix, c.Config.Bridge.AutoJoin)
		if gctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("sync stopped unexpectedly")
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	})
	err := g.Wait()
	c.inflight.Wait()
	return err
}

// dispatchIncoming processes a verified callback in the background so the
// webhook can answer the gateway right away.
func (c *ThreematrixConnector) dispatchIncoming(reqCtx context.Context, in *threema.IncomingMessage) {
	c.runCtxMu.RLock()
	ctx := c.runCtx
	c.runCtxMu.RUnlock()
	if ctx.Err() != nil {
		return
	}
	ctx = zerolog.Ctx(reqCtx).WithContext(ctx)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.processIncoming(ctx, in)
	}()
}

func (c *ThreematrixConnector) processIncoming(ctx context.Context, in *threema.IncomingMessage) {
	log := zerolog.Ctx(ctx)
	msg, err := c.Threema.ReceiveMessage(ctx, in)
	if errors.Is(err, threema.ErrUnknownMessageType) {
		log.Debug().Err(err).Msg("Ignoring Threema message")
		return
	} else if err != nil {
		log.Warn().Err(err).Msg("Failed to decrypt Threema message")
		return
	}
	c.Router.HandleThreema(ctx, msg)
}

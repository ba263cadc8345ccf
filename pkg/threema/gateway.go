// Copyright 2024-2026 Aiku AI

package threema

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultGatewayURL is the public Threema gateway endpoint.
const DefaultGatewayURL = "https://msgapi.threema.ch"

// maxBlobSize is the largest blob the gateway accepts (50 MiB).
const maxBlobSize = 50 << 20

// GatewayConfig holds the credentials of an end-to-end gateway identity.
type GatewayConfig struct {
	BaseURL    string
	ID         string
	Secret     string
	PrivateKey PrivateKey
	HTTPClient *http.Client
}

// Gateway is a client for the end-to-end mode of the Threema gateway HTTP
// API. It is safe for concurrent use; looked up public keys are cached for
// the lifetime of the client.
type Gateway struct {
	baseURL    string
	id         string
	secret     string
	privateKey PrivateKey
	http       *http.Client

	keysMu sync.Mutex
	keys   map[string]PublicKey
}

// NewGateway validates cfg and creates a gateway client.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if !ValidIdentity(cfg.ID) || !strings.HasPrefix(cfg.ID, "*") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFrom, cfg.ID)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("gateway secret is empty")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultGatewayURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Gateway{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		id:         cfg.ID,
		secret:     cfg.Secret,
		privateKey: cfg.PrivateKey,
		http:       httpClient,
		keys:       make(map[string]PublicKey),
	}, nil
}

// ID returns the gateway identity messages are sent from.
func (g *Gateway) ID() string {
	return g.id
}

// Secret returns the API secret, which is also the callback MAC key.
func (g *Gateway) Secret() string {
	return g.secret
}

func (g *Gateway) authQuery() string {
	return url.Values{"from": {g.id}, "secret": {g.secret}}.Encode()
}

// LookupPublicKey fetches the public key of an identity.
func (g *Gateway) LookupPublicKey(ctx context.Context, identity string) (PublicKey, error) {
	g.keysMu.Lock()
	key, ok := g.keys[identity]
	g.keysMu.Unlock()
	if ok {
		return key, nil
	}

	body, err := g.do(ctx, "lookup_pubkey", http.MethodGet, "/pubkeys/"+url.PathEscape(identity)+"?"+g.authQuery(), "", nil)
	if err != nil {
		return key, err
	}
	key, err = ParseKey(string(body))
	if err != nil {
		return key, fmt.Errorf("gateway returned bad public key for %s: %w", identity, err)
	}

	g.keysMu.Lock()
	g.keys[identity] = key
	g.keysMu.Unlock()
	return key, nil
}

// Encrypt encodes, pads and boxes msg for recipient.
func (g *Gateway) Encrypt(msg OutboundMessage, recipient PublicKey) (*EncryptedMessage, error) {
	payload, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	padded, err := Pad(payload)
	if err != nil {
		return nil, err
	}
	return encryptRaw(padded, &recipient, &g.privateKey)
}

// Decrypt opens the box of an inbound message and strips the padding.
func (g *Gateway) Decrypt(in *IncomingMessage, sender PublicKey) ([]byte, error) {
	data, err := decryptRaw(in.Box, in.Nonce, &sender, &g.privateKey)
	if err != nil {
		return nil, err
	}
	return Unpad(data)
}

// SendE2E delivers an encrypted message and returns the gateway message id.
func (g *Gateway) SendE2E(ctx context.Context, to string, msg *EncryptedMessage) (string, error) {
	form := url.Values{
		"from":   {g.id},
		"to":     {to},
		"nonce":  {hex.EncodeToString(msg.Nonce[:])},
		"box":    {hex.EncodeToString(msg.Box)},
		"secret": {g.secret},
	}
	body, err := g.do(ctx, "send_e2e", http.MethodPost, "/send_e2e", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// UploadBlob stores an (already encrypted) blob and returns its hex id.
func (g *Gateway) UploadBlob(ctx context.Context, data []byte) (string, error) {
	if len(data) > maxBlobSize {
		return "", &APIError{Op: "upload_blob", Status: http.StatusRequestEntityTooLarge}
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("blob", "blob.bin")
	if err != nil {
		return "", fmt.Errorf("failed to create multipart body: %w", err)
	}
	if _, err = part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write multipart body: %w", err)
	}
	if err = mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	body, err := g.do(ctx, "upload_blob", http.MethodPost, "/upload_blob?"+g.authQuery(), mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// DownloadBlob fetches a blob by its hex id.
func (g *Gateway) DownloadBlob(ctx context.Context, blobID string) ([]byte, error) {
	return g.do(ctx, "download_blob", http.MethodGet, "/blobs/"+url.PathEscape(blobID)+"?"+g.authQuery(), "", nil)
}

func (g *Gateway) do(ctx context.Context, op, method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s request failed: %w", op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway %s response: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Op: op, Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

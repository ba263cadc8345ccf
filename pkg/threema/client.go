// Copyright 2024-2026 Aiku AI

package threema

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/threematrix/pkg/retry"
)

// GatewayAPI is the subset of *Gateway used by Client.
type GatewayAPI interface {
	ID() string
	LookupPublicKey(ctx context.Context, identity string) (PublicKey, error)
	Encrypt(msg OutboundMessage, recipient PublicKey) (*EncryptedMessage, error)
	Decrypt(in *IncomingMessage, sender PublicKey) ([]byte, error)
	SendE2E(ctx context.Context, to string, msg *EncryptedMessage) (string, error)
	UploadBlob(ctx context.Context, data []byte) (string, error)
	DownloadBlob(ctx context.Context, blobID string) ([]byte, error)
}

var _ GatewayAPI = (*Gateway)(nil)

// Client combines the gateway API with the group directory. Every remote
// call is wrapped in the retry policy.
type Client struct {
	api   GatewayAPI
	dir   *Directory
	retry retry.Policy
}

// NewClient creates a client. A nil directory creates an empty one for the
// gateway identity.
func NewClient(api GatewayAPI, dir *Directory, policy retry.Policy) *Client {
	if dir == nil {
		dir = NewDirectory(api.ID())
	}
	return &Client{api: api, dir: dir, retry: policy}
}

// OwnID returns the gateway identity.
func (c *Client) OwnID() string {
	return c.api.ID()
}

// Directory returns the group directory of the client.
func (c *Client) Directory() *Directory {
	return c.dir
}

func (c *Client) lookupKey(ctx context.Context, identity string) (PublicKey, error) {
	return retry.Do(ctx, c.retry, func(ctx context.Context) (PublicKey, error) {
		return withRetryClass(c.api.LookupPublicKey(ctx, identity))
	})
}

// withRetryClass marks gateway errors that will not go away on their own
// (unknown identity, bad secret, no credits) as permanent.
func withRetryClass[T any](result T, err error) (T, error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Temporary() {
		return result, retry.Permanent(err)
	}
	return result, err
}

// ReceiveMessage decrypts and decodes an inbound callback.
func (c *Client) ReceiveMessage(ctx context.Context, in *IncomingMessage) (Message, error) {
	key, err := c.lookupKey(ctx, in.From)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch public key of %s: %w", in.From, err)
	}
	data, err := c.api.Decrypt(in, key)
	if err != nil {
		return nil, err
	}
	return Decode(in.Envelope(), data)
}

// Send encrypts msg for a single recipient and delivers it.
func (c *Client) Send(ctx context.Context, to string, msg OutboundMessage) (string, error) {
	key, err := c.lookupKey(ctx, to)
	if err != nil {
		return "", fmt.Errorf("failed to fetch public key of %s: %w", to, err)
	}
	encrypted, err := c.api.Encrypt(msg, key)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt message for %s: %w", to, err)
	}
	return retry.Do(ctx, c.retry, func(ctx context.Context) (string, error) {
		return withRetryClass(c.api.SendE2E(ctx, to, encrypted))
	})
}

// SendGroupText sends text to every known member of a group. It returns
// ErrGroupNotCached without sending anything when the group has no roster.
func (c *Client) SendGroupText(ctx context.Context, gid GroupID, text string) error {
	group, ok := c.dir.Lookup(gid)
	if !ok {
		return ErrGroupNotCached
	}
	return c.fanOut(ctx, group, &OutgoingGroupText{Creator: group.Creator, GroupID: gid, Text: text})
}

// SendGroupFile sends an uploaded file to every known member of a group.
func (c *Client) SendGroupFile(ctx context.Context, gid GroupID, file FileMessage) error {
	group, ok := c.dir.Lookup(gid)
	if !ok {
		return ErrGroupNotCached
	}
	return c.fanOut(ctx, group, &OutgoingGroupFile{Creator: group.Creator, GroupID: gid, File: file})
}

func (c *Client) fanOut(ctx context.Context, group GroupRecord, msg OutboundMessage) error {
	log := zerolog.Ctx(ctx)
	var errs []error
	for _, member := range group.Members {
		msgID, err := c.Send(ctx, member, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", member, err))
			continue
		}
		log.Debug().
			Str("recipient", member).
			Str("message_id", msgID).
			Stringer("group_id", group.GroupID).
			Msg("Sent group message part")
	}
	return errors.Join(errs...)
}

// RequestGroupSync asks the creator of a group to resend the roster.
func (c *Client) RequestGroupSync(ctx context.Context, creator string, gid GroupID) error {
	_, err := c.Send(ctx, creator, &OutgoingGroupSyncRequest{GroupID: gid})
	return err
}

// UploadFile encrypts data (and an optional thumbnail) with a fresh key,
// uploads the blobs and returns meta completed with blob ids, key and size.
func (c *Client) UploadFile(ctx context.Context, data, thumbnail []byte, meta FileMessage) (FileMessage, error) {
	key, err := NewBlobKey()
	if err != nil {
		return meta, err
	}
	encrypted := EncryptFileData(data, &key)
	meta.BlobID, err = retry.Do(ctx, c.retry, func(ctx context.Context) (string, error) {
		return withRetryClass(c.api.UploadBlob(ctx, encrypted))
	})
	if err != nil {
		return meta, fmt.Errorf("failed to upload file blob: %w", err)
	}
	if len(thumbnail) > 0 {
		encryptedThumb := EncryptThumbnailData(thumbnail, &key)
		meta.ThumbnailBlobID, err = retry.Do(ctx, c.retry, func(ctx context.Context) (string, error) {
			return withRetryClass(c.api.UploadBlob(ctx, encryptedThumb))
		})
		if err != nil {
			return meta, fmt.Errorf("failed to upload thumbnail blob: %w", err)
		}
	}
	meta.Key = hex.EncodeToString(key[:])
	meta.Size = len(data)
	meta.LegacyRendering = 0
	if meta.RenderingType == RenderingMedia {
		meta.LegacyRendering = 1
	}
	return meta, nil
}

// DownloadFile fetches and decrypts the blob of a file message.
func (c *Client) DownloadFile(ctx context.Context, file FileMessage) ([]byte, error) {
	key, err := ParseKey(file.Key)
	if err != nil {
		return nil, fmt.Errorf("file message has an invalid key: %w", err)
	}
	encrypted, err := retry.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return withRetryClass(c.api.DownloadBlob(ctx, file.BlobID))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download blob %s: %w", file.BlobID, err)
	}
	return DecryptFileData(encrypted, &key)
}

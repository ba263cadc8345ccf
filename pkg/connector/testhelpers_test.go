// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/threematrix/pkg/retry"
	"github.com/aiku/threematrix/pkg/threema"
)

const (
	testGatewayID = "*GATEWAY"
	testBotUserID = id.UserID("@bot:example.org")
)

var (
	testRetry    = retry.Policy{Delay: time.Millisecond, MaxRetries: 2}
	testStateEvt = event.Type{Type: DefaultStateEventType, Class: event.StateEventType}
	testGroup    = threema.GroupID{1, 2, 3, 4, 5, 6, 7, 8}
)

// sentMessage is a message the fake Matrix client was asked to send.
type sentMessage struct {
	RoomID  id.RoomID
	Content *event.MessageEventContent
}

// fakeMatrix is an in-memory MatrixAPI.
type fakeMatrix struct {
	userID id.UserID

	mu      sync.Mutex
	rooms   []id.RoomID
	state   map[string]json.RawMessage
	members map[id.UserID]string
	sent    []sentMessage
	media   map[id.ContentURIString][]byte
	joins   []id.RoomID

	// stateErr is returned by every RoomState call when set.
	stateErr error
	// sendFailures makes the next n SendMessage calls fail.
	sendFailures int
	// joinFailures makes the next n JoinRoom calls fail.
	joinFailures int
	// downloadFailures makes the next n downloads of a URI fail.
	downloadFailures map[id.ContentURIString]int
	// events are delivered by Sync before it blocks.
	events []*event.Event
}

var _ MatrixSyncer = (*fakeMatrix)(nil)

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		userID:  testBotUserID,
		state:   make(map[string]json.RawMessage),
		members: make(map[id.UserID]string),
		media:   make(map[id.ContentURIString][]byte),

		downloadFailures: make(map[id.ContentURIString]int),
	}
}

func stateKey(roomID id.RoomID, evtType event.Type, key string) string {
	return roomID.String() + "|" + evtType.Type + "|" + key
}

func (f *fakeMatrix) addRoom(roomID id.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, roomID)
}

// leaveRoom drops roomID from the joined rooms and keeps its state.
func (f *fakeMatrix) leaveRoom(roomID id.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = slices.DeleteFunc(f.rooms, func(r id.RoomID) bool { return r == roomID })
}

// setBinding stores raw binding content in a room.
func (f *fakeMatrix) setBinding(roomID id.RoomID, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[stateKey(roomID, testStateEvt, "")] = json.RawMessage(content)
}

func (f *fakeMatrix) binding(roomID id.RoomID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.state[stateKey(roomID, testStateEvt, "")]
	return string(raw), ok
}

func (f *fakeMatrix) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentMessage, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeMatrix) Joins() []id.RoomID {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]id.RoomID, len(f.joins))
	copy(cp, f.joins)
	return cp
}

func (f *fakeMatrix) UserID() id.UserID {
	return f.userID
}

func (f *fakeMatrix) JoinedRooms(context.Context) ([]id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]id.RoomID, len(f.rooms))
	copy(cp, f.rooms)
	return cp, nil
}

func (f *fakeMatrix) RoomState(_ context.Context, roomID id.RoomID, evtType event.Type, key string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return f.stateErr
	}
	raw, ok := f.state[stateKey(roomID, evtType, key)]
	if !ok {
		return ErrNoRoomState
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeMatrix) SetRoomState(_ context.Context, roomID id.RoomID, evtType event.Type, key string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[stateKey(roomID, evtType, key)] = raw
	return nil
}

func (f *fakeMatrix) Member(_ context.Context, _ id.RoomID, userID id.UserID) (*event.MemberEventContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.members[userID]
	if !ok {
		return nil, fmt.Errorf("member %s not found", userID)
	}
	return &event.MemberEventContent{Membership: event.MembershipJoin, Displayname: name}, nil
}

func (f *fakeMatrix) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendFailures > 0 {
		f.sendFailures--
		return "", errors.New("send failed")
	}
	f.sent = append(f.sent, sentMessage{RoomID: roomID, Content: content})
	return id.EventID(fmt.Sprintf("$event%d", len(f.sent))), nil
}

func (f *fakeMatrix) UploadMedia(_ context.Context, data []byte, _, _ string) (id.ContentURIString, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uri := id.ContentURIString(fmt.Sprintf("mxc://example.org/media%d", len(f.media)+1))
	f.media[uri] = data
	return uri, nil
}

func (f *fakeMatrix) DownloadMedia(_ context.Context, uri id.ContentURIString) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadFailures[uri] > 0 {
		f.downloadFailures[uri]--
		return nil, errors.New("media repository unavailable")
	}
	data, ok := f.media[uri]
	if !ok {
		return nil, fmt.Errorf("media %s not found", uri)
	}
	return data, nil
}

func (f *fakeMatrix) JoinRoom(_ context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinFailures > 0 {
		f.joinFailures--
		return errors.New("join failed")
	}
	f.joins = append(f.joins, roomID)
	f.rooms = append(f.rooms, roomID)
	return nil
}

func (f *fakeMatrix) Sync(ctx context.Context, onMessage func(ctx context.Context, evt *event.Event), _ bool) error {
	f.mu.Lock()
	events := f.events
	f.mu.Unlock()
	for _, evt := range events {
		onMessage(ctx, evt)
	}
	<-ctx.Done()
	return ctx.Err()
}

// groupText is a text the fake Threema client was asked to send to a group.
type groupText struct {
	GroupID threema.GroupID
	Text    string
}

type syncRequest struct {
	Creator string
	GroupID threema.GroupID
}

// fakeThreema is an in-memory ThreemaAPI backed by a real directory.
type fakeThreema struct {
	dir *threema.Directory

	mu      sync.Mutex
	texts   []groupText
	files   []threema.FileMessage
	syncs   []syncRequest
	blobs   map[string][]byte
	sendErr error
}

var _ ThreemaAPI = (*fakeThreema)(nil)

func newFakeThreema() *fakeThreema {
	return &fakeThreema{
		dir:   threema.NewDirectory(testGatewayID),
		blobs: make(map[string][]byte),
	}
}

// addGroup makes the group known with the given members besides the bridge.
func (f *fakeThreema) addGroup(gid threema.GroupID, creator string, members ...string) {
	f.dir.UpsertRoster(gid, creator, append([]string{testGatewayID}, members...))
}

func (f *fakeThreema) Texts() []groupText {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]groupText, len(f.texts))
	copy(cp, f.texts)
	return cp
}

func (f *fakeThreema) Files() []threema.FileMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]threema.FileMessage, len(f.files))
	copy(cp, f.files)
	return cp
}

func (f *fakeThreema) Syncs() []syncRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]syncRequest, len(f.syncs))
	copy(cp, f.syncs)
	return cp
}

func (f *fakeThreema) OwnID() string {
	return testGatewayID
}

func (f *fakeThreema) Directory() *threema.Directory {
	return f.dir
}

func (f *fakeThreema) SendGroupText(_ context.Context, gid threema.GroupID, text string) error {
	if _, ok := f.dir.Lookup(gid); !ok {
		return threema.ErrGroupNotCached
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.texts = append(f.texts, groupText{GroupID: gid, Text: text})
	return nil
}

func (f *fakeThreema) SendGroupFile(_ context.Context, gid threema.GroupID, file threema.FileMessage) error {
	if _, ok := f.dir.Lookup(gid); !ok {
		return threema.ErrGroupNotCached
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.files = append(f.files, file)
	return nil
}

func (f *fakeThreema) RequestGroupSync(_ context.Context, creator string, gid threema.GroupID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, syncRequest{Creator: creator, GroupID: gid})
	return nil
}

func (f *fakeThreema) UploadFile(_ context.Context, data, thumbnail []byte, meta threema.FileMessage) (threema.FileMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta.BlobID = fmt.Sprintf("blob%d", len(f.blobs)+1)
	f.blobs[meta.BlobID] = data
	if len(thumbnail) > 0 {
		meta.ThumbnailBlobID = meta.BlobID + "-thumb"
		f.blobs[meta.ThumbnailBlobID] = thumbnail
	}
	meta.Key = strings.Repeat("00", threema.KeyLen)
	meta.Size = len(data)
	return meta, nil
}

func (f *fakeThreema) DownloadFile(_ context.Context, file threema.FileMessage) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[file.BlobID]
	if !ok {
		return nil, &threema.APIError{Op: "download_blob", Status: http.StatusNotFound}
	}
	return data, nil
}

// newTestRouter creates a router over fresh fakes.
func newTestRouter(t *testing.T) (*Router, *fakeThreema, *fakeMatrix) {
	t.Helper()
	tc := newFakeThreema()
	mc := newFakeMatrix()
	bindings := NewBindingStore(mc, testStateEvt, testRetry)
	cfg := BridgeConfig{CommandPrefix: DefaultCommandPrefix}
	return NewRouter(tc, mc, bindings, cfg, testRetry, zerolog.Nop()), tc, mc
}

// homeserverCall records a request to the fake homeserver.
type homeserverCall struct {
	Method string
	Path   string
	Body   string
}

// fakeHomeserver simulates the parts of the Matrix client-server API used by
// MatrixClient.
type fakeHomeserver struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []homeserverCall

	JoinedRooms []id.RoomID
	// State maps "<room id>/<event type>/<state key>" to content.
	State map[string]json.RawMessage
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	f := &fakeHomeserver{
		State: make(map[string]json.RawMessage),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeHomeserver) Calls() []homeserverCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]homeserverCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func writeMatrixError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"errcode": code, "error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, homeserverCall{Method: r.Method, Path: r.URL.Path, Body: string(body)})
	f.mu.Unlock()

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/_matrix/client/v3/joined_rooms":
		writeJSON(w, map[string]any{"joined_rooms": f.JoinedRooms})

	case strings.HasPrefix(path, "/_matrix/client/v3/rooms/") && strings.Contains(path, "/state/"):
		rest := strings.TrimPrefix(path, "/_matrix/client/v3/rooms/")
		roomID, stateRef, _ := strings.Cut(rest, "/state/")
		evtType, key, _ := strings.Cut(stateRef, "/")
		ref := roomID + "/" + evtType + "/" + key
		if r.Method == http.MethodPut {
			f.mu.Lock()
			f.State[ref] = json.RawMessage(body)
			f.mu.Unlock()
			writeJSON(w, map[string]string{"event_id": "$state"})
			return
		}
		f.mu.Lock()
		content, ok := f.State[ref]
		f.mu.Unlock()
		if !ok {
			writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "Event not found.")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(content)

	case r.Method == http.MethodPut && strings.HasPrefix(path, "/_matrix/client/v3/rooms/") && strings.Contains(path, "/send/"):
		writeJSON(w, map[string]string{"event_id": "$sent"})

	case r.Method == http.MethodPost && strings.HasPrefix(path, "/_matrix/client/v3/join/"):
		writeJSON(w, map[string]string{"room_id": strings.TrimPrefix(path, "/_matrix/client/v3/join/")})

	case r.Method == http.MethodPost && strings.HasPrefix(path, "/_matrix/client/v3/rooms/") && strings.HasSuffix(path, "/join"):
		roomID := strings.TrimSuffix(strings.TrimPrefix(path, "/_matrix/client/v3/rooms/"), "/join")
		writeJSON(w, map[string]string{"room_id": roomID})

	default:
		writeMatrixError(w, http.StatusNotFound, "M_UNRECOGNIZED", "Unrecognized request")
	}
}

// newTestMatrixClient creates a MatrixClient logged in with a token against a
// fake homeserver.
func newTestMatrixClient(t *testing.T) (*MatrixClient, *fakeHomeserver) {
	t.Helper()
	hs := newFakeHomeserver(t)
	mc, err := NewMatrixClient(context.Background(), HomeserverConfig{
		URL:         hs.Server.URL,
		UserID:      testBotUserID.String(),
		AccessToken: "token",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMatrixClient: %v", err)
	}
	return mc, hs
}

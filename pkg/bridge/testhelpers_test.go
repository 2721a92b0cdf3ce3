// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-discordrelay/pkg/bridge/store"
)

// sentEvent records one call against the fake Matrix API.
type sentEvent struct {
	Kind     string // "message", "edit", "redact", "react", "notice", "upload"
	Target   id.EventID
	Content  *event.MessageEventContent
	Extra    map[string]any
	Key      string
	Text     string
	Filename string
	MimeType string
	Data     []byte
}

// fakeMatrix is an in-memory MatrixAPI that records every call.
type fakeMatrix struct {
	mu     sync.Mutex
	sent   []sentEvent
	nextID int

	// SendErr, when set, fails the next SendMessage/EditMessage call.
	SendErr error
	// Profiles maps user IDs to canned display names.
	Profiles map[id.UserID]string
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{Profiles: map[id.UserID]string{}}
}

func (f *fakeMatrix) record(evt sentEvent) id.EventID {
	f.nextID++
	f.sent = append(f.sent, evt)
	return id.EventID(fmt.Sprintf("$fake%d", f.nextID))
}

func (f *fakeMatrix) SendMessage(_ context.Context, content *event.MessageEventContent, extra map[string]any) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		err := f.SendErr
		f.SendErr = nil
		return "", err
	}
	return f.record(sentEvent{Kind: "message", Content: content, Extra: extra}), nil
}

func (f *fakeMatrix) EditMessage(_ context.Context, target id.EventID, content *event.MessageEventContent, extra map[string]any) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		err := f.SendErr
		f.SendErr = nil
		return "", err
	}
	return f.record(sentEvent{Kind: "edit", Target: target, Content: content, Extra: extra}), nil
}

func (f *fakeMatrix) RedactMessage(_ context.Context, target id.EventID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(sentEvent{Kind: "redact", Target: target, Text: reason})
	return nil
}

func (f *fakeMatrix) React(_ context.Context, target id.EventID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(sentEvent{Kind: "react", Target: target, Key: key})
	return nil
}

func (f *fakeMatrix) SendNotice(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(sentEvent{Kind: "notice", Text: text})
	return nil
}

func (f *fakeMatrix) UploadMedia(_ context.Context, data []byte, filename, mimeType string) (id.ContentURIString, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(sentEvent{Kind: "upload", Filename: filename, MimeType: mimeType, Data: data})
	return id.ContentURIString(fmt.Sprintf("mxc://test/upload%d", f.nextID)), nil
}

func (f *fakeMatrix) GetProfile(_ context.Context, userID id.UserID) (string, id.ContentURI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.Profiles[userID]; ok {
		return name, id.ContentURI{}, nil
	}
	return "", id.ContentURI{}, fmt.Errorf("profile not found")
}

func (f *fakeMatrix) MXCToHTTP(uri id.ContentURIString) string {
	parsed, err := uri.Parse()
	if err != nil || parsed.IsEmpty() {
		return ""
	}
	return "https://hs.test/_matrix/media/v3/download/" + parsed.Homeserver + "/" + parsed.FileID
}

// Sent returns a snapshot of recorded calls, optionally filtered by kind.
func (f *fakeMatrix) Sent(kind string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, evt := range f.sent {
		if kind == "" || evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func testConfig() *Config {
	cfg := &Config{
		HomeserverURL: "https://hs.test",
		UserID:        "@relay:hs.test",
		AccessToken:   "token",
		RoomID:        "!room:hs.test",
		GatewayURL:    "https://gateway.test",
		BridgeSecret:  "hunter2",
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

// newTestBridge builds a bridge with a fake Matrix API and a real SQLite
// store in a temp dir.
func newTestBridge(t *testing.T, cfg *Config) (*Bridge, *fakeMatrix, *store.Store) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	db, err := store.New(context.Background(), filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	matrix := newFakeMatrix()
	br := New(zerolog.Nop(), cfg, matrix, db)
	return br, matrix, db
}

// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "bridge.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndResolve(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Record(ctx, Mapping{MatrixEventID: "$evt1", DiscordID: 111, Kind: KindContent, AuthorIncluded: true})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	discordID, found, err := s.ResolveRemote(ctx, "$evt1")
	if err != nil {
		t.Fatalf("ResolveRemote: %v", err)
	}
	if !found || discordID != 111 {
		t.Errorf("ResolveRemote: got (%d, %v), want (111, true)", discordID, found)
	}

	mappings, err := s.ResolveLocal(ctx, 111)
	if err != nil {
		t.Fatalf("ResolveLocal: %v", err)
	}
	if len(mappings) != 1 {
		t.Fatalf("ResolveLocal: got %d mappings, want 1", len(mappings))
	}
	if mappings[0].MatrixEventID != "$evt1" || mappings[0].Kind != KindContent || !mappings[0].AuthorIncluded {
		t.Errorf("ResolveLocal: got %+v", mappings[0])
	}
}

func TestResolveUnknown(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.ResolveRemote(ctx, "$missing")
	if err != nil {
		t.Fatalf("ResolveRemote: %v", err)
	}
	if found {
		t.Error("ResolveRemote: unknown event should not be found")
	}

	mappings, err := s.ResolveLocal(ctx, 999)
	if err != nil {
		t.Fatalf("ResolveLocal: %v", err)
	}
	if len(mappings) != 0 {
		t.Errorf("ResolveLocal: got %d mappings for unknown ID, want 0", len(mappings))
	}
}

func TestOneRemoteManyLocal(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	// One Discord message fans out to a text root plus attachments. The
	// content root must come back first regardless of insert order.
	for _, m := range []Mapping{
		{MatrixEventID: "$att1", DiscordID: 42, Kind: KindAttachment},
		{MatrixEventID: "$root", DiscordID: 42, Kind: KindContent, AuthorIncluded: true},
		{MatrixEventID: "$att2", DiscordID: 42, Kind: KindAttachment},
	} {
		if err := s.Record(ctx, m); err != nil {
			t.Fatalf("Record(%s): %v", m.MatrixEventID, err)
		}
	}

	mappings, err := s.ResolveLocal(ctx, 42)
	if err != nil {
		t.Fatalf("ResolveLocal: %v", err)
	}
	if len(mappings) != 3 {
		t.Fatalf("ResolveLocal: got %d mappings, want 3", len(mappings))
	}
	if mappings[0].MatrixEventID != "$root" {
		t.Errorf("first mapping should be the content root, got %s", mappings[0].MatrixEventID)
	}
	if mappings[1].MatrixEventID != "$att1" || mappings[2].MatrixEventID != "$att2" {
		t.Errorf("attachments out of order: %s, %s", mappings[1].MatrixEventID, mappings[2].MatrixEventID)
	}
}

func TestRecordOverwrite(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, Mapping{MatrixEventID: "$evt", DiscordID: 1, Kind: KindContent}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, Mapping{MatrixEventID: "$evt", DiscordID: 2, Kind: KindContent}); err != nil {
		t.Fatalf("Record overwrite: %v", err)
	}

	discordID, found, err := s.ResolveRemote(ctx, "$evt")
	if err != nil {
		t.Fatalf("ResolveRemote: %v", err)
	}
	if !found || discordID != 2 {
		t.Errorf("ResolveRemote after overwrite: got (%d, %v), want (2, true)", discordID, found)
	}
}

func TestAuthorIncluded(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	included, found, err := s.AuthorIncluded(ctx, 7)
	if err != nil {
		t.Fatalf("AuthorIncluded: %v", err)
	}
	if found || included {
		t.Errorf("untracked message: got (%v, %v), want (false, false)", included, found)
	}

	if err = s.Record(ctx, Mapping{MatrixEventID: "$hdr", DiscordID: 7, Kind: KindContent, AuthorIncluded: true}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// Attachment rows must not shadow the content row's flag.
	if err = s.Record(ctx, Mapping{MatrixEventID: "$hdratt", DiscordID: 7, Kind: KindAttachment}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	included, found, err = s.AuthorIncluded(ctx, 7)
	if err != nil {
		t.Fatalf("AuthorIncluded: %v", err)
	}
	if !found || !included {
		t.Errorf("tracked message: got (%v, %v), want (true, true)", included, found)
	}
}

func TestForgetLocal(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, Mapping{MatrixEventID: "$gone", DiscordID: 5, Kind: KindContent}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.ForgetLocal(ctx, "$gone"); err != nil {
		t.Fatalf("ForgetLocal: %v", err)
	}
	_, found, err := s.ResolveRemote(ctx, "$gone")
	if err != nil {
		t.Fatalf("ResolveRemote: %v", err)
	}
	if found {
		t.Error("mapping should be gone after ForgetLocal")
	}
}

func TestForgetRemote(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, m := range []Mapping{
		{MatrixEventID: "$r", DiscordID: 6, Kind: KindContent},
		{MatrixEventID: "$a", DiscordID: 6, Kind: KindAttachment},
		{MatrixEventID: "$other", DiscordID: 8, Kind: KindContent},
	} {
		if err := s.Record(ctx, m); err != nil {
			t.Fatalf("Record(%s): %v", m.MatrixEventID, err)
		}
	}

	if err := s.ForgetRemote(ctx, 6); err != nil {
		t.Fatalf("ForgetRemote: %v", err)
	}
	mappings, err := s.ResolveLocal(ctx, 6)
	if err != nil {
		t.Fatalf("ResolveLocal: %v", err)
	}
	if len(mappings) != 0 {
		t.Errorf("all mappings for the remote ID should be gone, got %d", len(mappings))
	}
	_, found, err := s.ResolveRemote(ctx, "$other")
	if err != nil {
		t.Fatalf("ResolveRemote: %v", err)
	}
	if !found {
		t.Error("unrelated mapping must survive ForgetRemote")
	}
}

func TestAssetCache(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetAsset(ctx, "https://cdn.example/img.png")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if found {
		t.Error("empty cache should miss")
	}

	if err = s.PutAsset(ctx, "https://cdn.example/img.png", "mxc://hs/abc"); err != nil {
		t.Fatalf("PutAsset: %v", err)
	}
	handle, found, err := s.GetAsset(ctx, "https://cdn.example/img.png")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if !found || handle != "mxc://hs/abc" {
		t.Errorf("GetAsset: got (%q, %v), want (mxc://hs/abc, true)", handle, found)
	}
}

func TestAssetCacheFirstWriteWins(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutAsset(ctx, "url", "mxc://hs/first"); err != nil {
		t.Fatalf("PutAsset: %v", err)
	}
	if err := s.PutAsset(ctx, "url", "mxc://hs/second"); err != nil {
		t.Fatalf("PutAsset second: %v", err)
	}
	handle, _, err := s.GetAsset(ctx, "url")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if handle != "mxc://hs/first" {
		t.Errorf("first write should win, got %q", handle)
	}
}

// Copyright 2024-2026 Aiku AI

package bridge

import (
	"testing"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

func TestMXCToHTTP(t *testing.T) {
	t.Parallel()
	client, err := mautrix.NewClient("https://hs.test", "@relay:hs.test", "token")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	api := NewMatrixAPI(client, "!room:hs.test")

	got := api.MXCToHTTP("mxc://hs.test/somefile")
	want := "https://hs.test/_matrix/media/v3/download/hs.test/somefile"
	if got != want {
		t.Errorf("MXCToHTTP: got %q, want %q", got, want)
	}
}

func TestMXCToHTTPInvalid(t *testing.T) {
	t.Parallel()
	client, err := mautrix.NewClient("https://hs.test", "@relay:hs.test", "token")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	api := NewMatrixAPI(client, "!room:hs.test")

	for _, uri := range []string{"", "not-a-uri", "https://hs.test/whatever"} {
		if got := api.MXCToHTTP(id.ContentURIString(uri)); got != "" {
			t.Errorf("MXCToHTTP(%q) = %q, want empty", uri, got)
		}
	}
}

// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-discordrelay/pkg/bridge/store"
)

// assetUploader moves remote media onto the Matrix homeserver, memoizing
// uploads by source URL so nothing is ever fetched or uploaded twice.
type assetUploader struct {
	log    zerolog.Logger
	http   *http.Client
	matrix MatrixAPI
	store  *store.Store
}

func newAssetUploader(log zerolog.Logger, httpClient *http.Client, matrix MatrixAPI, db *store.Store) *assetUploader {
	return &assetUploader{
		log:    log.With().Str("component", "assets").Logger(),
		http:   httpClient,
		matrix: matrix,
		store:  db,
	}
}

// AvatarMXC implements AvatarResolver. Misses are never errors: the caller
// just renders without the avatar.
func (a *assetUploader) AvatarMXC(ctx context.Context, httpURL string) (string, bool) {
	if cached, found, err := a.store.GetAsset(ctx, httpURL); err != nil {
		a.log.Warn().Err(err).Msg("Failed to read asset cache")
	} else if found {
		return cached, true
	}

	data, contentType, err := a.fetch(ctx, httpURL, "")
	if err != nil {
		a.log.Warn().Err(err).Str("url", httpURL).Msg("Failed to fetch avatar")
		return "", false
	}
	mxc, err := a.matrix.UploadMedia(ctx, data, path.Base(httpURL), contentType)
	if err != nil {
		a.log.Warn().Err(err).Str("url", httpURL).Msg("Failed to upload avatar")
		return "", false
	}
	if err = a.store.PutAsset(ctx, httpURL, string(mxc)); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write asset cache")
	}
	return string(mxc), true
}

// fetch downloads a remote asset. On a 404 at the primary URL it retries the
// proxy URL once before giving up.
func (a *assetUploader) fetch(ctx context.Context, url, proxyURL string) (data []byte, contentType string, err error) {
	data, contentType, status, err := a.get(ctx, url)
	if err != nil {
		return nil, "", err
	}
	if status == http.StatusNotFound && proxyURL != "" {
		data, contentType, status, err = a.get(ctx, proxyURL)
		if err != nil {
			return nil, "", err
		}
	}
	if status != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d fetching asset", status)
	}
	return data, contentType, nil
}

func (a *assetUploader) get(ctx context.Context, url string) (data []byte, contentType string, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to prepare download: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", resp.StatusCode, nil
	}
	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to read download body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

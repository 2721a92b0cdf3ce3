// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-discordrelay/pkg/bridge/store"
)

// Bridge is one configured pairing between a Matrix room and a Discord-side
// gateway channel. All state lives on the instance; constructing several
// bridges in one process is safe.
type Bridge struct {
	log    zerolog.Logger
	cfg    *Config
	matrix MatrixAPI
	store  *store.Store
	http   *http.Client
	dialer *websocket.Dialer

	dispatcher  *Dispatcher
	identities  *IdentityResolver
	renderer    *Renderer
	assets      *assetUploader
	attachments *attachmentPipeline

	// startTime filters out replayed history during reconnects.
	startTime time.Time

	// sendMu serializes render+dispatch+identity-update so ordering on the
	// target platform matches arrival ordering on the source. lastRelayed
	// is only touched while holding it.
	sendMu      sync.Mutex
	lastRelayed *relayedStamp

	// generation distinguishes frames of a stale connection after reconnect.
	generation atomic.Uint64

	taskMu     sync.Mutex
	taskCancel context.CancelFunc
	taskDone   chan struct{}
}

// New wires up a bridge instance. The config must already be post-processed.
func New(log zerolog.Logger, cfg *Config, matrix MatrixAPI, db *store.Store) *Bridge {
	httpClient := &http.Client{Timeout: 2 * time.Minute}
	br := &Bridge{
		log:       log,
		cfg:       cfg,
		matrix:    matrix,
		store:     db,
		http:      httpClient,
		dialer:    websocket.DefaultDialer,
		startTime: time.Now(),
	}
	br.assets = newAssetUploader(log, httpClient, matrix, db)
	br.renderer = NewRenderer(br.assets, cfg.GroupingWindow())
	br.attachments = newAttachmentPipeline(log, br.assets, matrix, db, cfg)
	br.dispatcher = NewDispatcher(log, httpClient, cfg)
	br.identities = NewIdentityResolver(log, httpClient, matrix, cfg)
	return br
}

// Stop cancels the supervising task and waits for it to exit. Safe to call
// when the task was never started.
func (br *Bridge) Stop() {
	br.taskMu.Lock()
	cancel, done := br.taskCancel, br.taskDone
	br.taskCancel, br.taskDone = nil, nil
	br.taskMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// markRelayed records the author-grouping stamp. Callers hold sendMu.
func (br *Bridge) markRelayed(author string, at time.Time) {
	br.lastRelayed = &relayedStamp{Author: author, At: at}
}

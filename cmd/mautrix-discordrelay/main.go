// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-discordrelay is a Matrix-Discord relay bridge that works
// through a community-run gateway service instead of a privileged Discord
// bot. It mirrors a Discord channel into a Matrix room and delivers Matrix
// messages back over a webhook impersonation path with gateway fallback.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-discordrelay/pkg/bridge"
	"github.com/aiku/mautrix-discordrelay/pkg/bridge/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
var writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Write the example config to the config path and exit", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		"mautrix-discordrelay - A Matrix-Discord relay bridge.",
		"mautrix-discordrelay [-c <path>] [-e]",
	)
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		return
	}

	if *writeExampleConfig {
		if err := os.WriteFile(*configPath, []byte(bridge.ExampleConfig), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(2)
		}
		fmt.Println("Wrote example config to", *configPath)
		return
	}

	// Secrets can live in a .env file next to the binary instead of the
	// config file. Missing file is fine.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(2)
	}

	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to configure logging:", err)
		os.Exit(2)
	}
	log.Info().
		Str("tag", Tag).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Msg("Initializing mautrix-discordrelay")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.New(ctx, cfg.StorePath, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open message store")
	}
	defer db.Close()

	client, err := mautrix.NewClient(cfg.HomeserverURL, cfg.UserID, cfg.AccessToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Matrix client")
	}
	client.Log = log.With().Str("component", "matrix").Logger()

	br := bridge.New(*log, cfg, bridge.NewMatrixAPI(client, cfg.RoomID), db)
	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, br.HandleMatrixMessage)
	syncer.OnEventType(event.EventRedaction, br.HandleMatrixRedaction)

	br.StartRemote(ctx)
	defer br.Stop()

	log.Info().Msg("Starting Matrix sync")
	if err := client.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Matrix sync failed")
	}
	log.Info().Msg("Shutting down")
}

func loadConfig(path string) (*bridge.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg bridge.Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets secrets come from the environment (or a .env file)
// so the config file can be committed without them.
func applyEnvOverrides(cfg *bridge.Config) {
	if v := os.Getenv("RELAY_ACCESS_TOKEN"); v != "" {
		cfg.AccessToken = v
	}
	if v := os.Getenv("RELAY_BRIDGE_SECRET"); v != "" {
		cfg.BridgeSecret = v
	}
	if v := os.Getenv("RELAY_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("RELAY_DISCORD_TOKEN"); v != "" {
		cfg.DiscordToken = v
	}
}

// Copyright 2024-2026 Aiku AI

package store

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

var UpgradeTable dbutil.UpgradeTable

//go:embed *.sql
var upgrades embed.FS

func init() {
	UpgradeTable.RegisterFS(upgrades)
}

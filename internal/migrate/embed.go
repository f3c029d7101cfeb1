package migrate

import "embed"

// Embedded holds the SIF provider schema (sql/) and the demo seed (seeds/).
//
//go:embed sql/*.sql seeds/*.sql
var Embedded embed.FS

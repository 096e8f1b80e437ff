// Package caches holds the values shared by every storage backend.
package caches

import "time"

var (
	// DefaultTable is the table, key prefix or DynamoDB table name used when none is configured.
	DefaultTable = "offline_cache"

	// DefaultPingTimeout bounds the connectivity check backends run on construction.
	DefaultPingTimeout = 5 * time.Second
)

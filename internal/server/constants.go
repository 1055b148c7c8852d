// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Per-connection WebSocket command rate limiting
	RateLimitMessages = 10          // Max commands per window
	RateLimitWindow   = time.Second // Sliding window duration

	// Upper bound on accepted import file size
	MaxImportBytes = 32 << 20
)

package models

import "time"

// CacheEntry is one cached piece of provider data. Stale is set when the
// entry is past its expiry but is being served anyway because the upstream
// fetch failed.
type CacheEntry struct {
	Provider  Provider  `json:"provider"`
	Key       string    `json:"key"`
	Data      []byte    `json:"data"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Stale     bool      `json:"stale"`
}

// CacheStats reports cache effectiveness counters.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

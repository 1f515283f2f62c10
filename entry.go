package offline

import (
	"encoding/json"
	"time"
)

const (
	// DefaultStaleAfter is a default age after which cached data is revalidated.
	DefaultStaleAfter = 5 * time.Minute

	// DefaultExpireAfter is a default age after which cached data is never served.
	DefaultExpireAfter = 24 * time.Hour
)

// Policy defines freshness of a cache key, it is supplied on every read.
type Policy struct {
	// StaleAfter is delay before entry needs revalidation, default 5m.
	StaleAfter time.Duration

	// ExpireAfter is delay before entry is purged, default 24h.
	// StaleAfter is capped by ExpireAfter.
	ExpireAfter time.Duration

	// SyncRevalidate disables background revalidation, stale entry is then refreshed
	// before returning and only served if refresh fails.
	SyncRevalidate bool
}

func (p Policy) normalize() Policy {
	if p.StaleAfter <= 0 {
		p.StaleAfter = DefaultStaleAfter
	}

	if p.ExpireAfter <= 0 {
		p.ExpireAfter = DefaultExpireAfter
	}

	if p.StaleAfter > p.ExpireAfter {
		p.StaleAfter = p.ExpireAfter
	}

	return p
}

// CacheEntry is a timestamped cached value.
type CacheEntry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	WrittenAt time.Time       `json:"writtenAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Decode unmarshals cached data into v.
func (e CacheEntry) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Expired reports whether entry must not be served at the given time.
func (e CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt.Before(now)
}

func marshalData(data interface{}) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("null"), nil
		}

		return v, nil
	case nil:
		return json.RawMessage("null"), nil
	}

	return json.Marshal(data)
}

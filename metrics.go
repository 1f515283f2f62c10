package offline

// Metric names tracked with stats.Tracker, every metric has "name" label.
const (
	MetricHit        = "cache_hit"
	MetricMiss       = "cache_miss"
	MetricExpired    = "cache_expired"
	MetricWrite      = "cache_write"
	MetricBuild      = "cache_build"
	MetricFailed     = "cache_failed"
	MetricChanged    = "cache_changed"
	MetricRevalidate = "cache_revalidate"
	MetricCorrupted  = "store_corrupted"

	MetricStoreRead   = "store_read"
	MetricStoreMiss   = "store_miss"
	MetricStoreWrite  = "store_write"
	MetricStoreRemove = "store_remove"
	MetricStoreError  = "store_error"

	MetricQueued        = "pending_queued"
	MetricPendingItems  = "pending_items"
	MetricDrain         = "sync_drain"
	MetricSyncSucceeded = "sync_succeeded"
	MetricSyncFailed    = "sync_failed"
)

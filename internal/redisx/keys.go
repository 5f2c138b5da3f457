package redisx

import "time"

const (
	// Cache status order: order_status:{order_id} -> {"id": "...", "status": "...", ...}
	KeyOrderStatus = "order_status:%s"

	// Invalidation counter of the cached view: order_status_gen:{order_id} -> n
	KeyOrderStatusGen = "order_status_gen:%s"

	// Dedup webhook processing: dedup:{service}:{charge_id}:{status}
	KeyDedup = "dedup:%s:%s"

	// Sweep lock: lock:{service}:{sweep}
	KeyLock = "lock:%s:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	// TTLStatusGen outlives any read that could still be filling the cache.
	TTLStatusGen = time.Hour
	TTLDedup       = 48 * time.Hour
)

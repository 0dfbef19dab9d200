package redisx

import "time"

const (
	// Dedup of consumed events: dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Idempotent order create: idem:order-create:{idempotency_key} -> order_id, or
	// idemPending while the create runs
	KeyIdemOrderCreate = "idem:order-create:%s"
	idemPending        = "pending"
)

var (
	TTLDedup       = 48 * time.Hour
	TTLIdempotency = 24 * time.Hour

	// outlives a create including its stock reservation
	TTLIdempotencyClaim = time.Minute
)

package redisx

import "time"

const (
	// Idempotent order submission: idem:order:create:{user_id}:{client_key} -> {"orderId","url"}
	KeyIdemOrderCreate = "idem:order:create:%s:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLDedup       = 48 * time.Hour
)

package entry

import "time"

// Entry is a single cached value with the metadata needed to judge freshness.
// Value is opaque to the cache; callers own its encoding.
type Entry struct {
	Key       string
	Value     string
	CreatedAt time.Time
	TTL       time.Duration

	// Compression metadata, set by the store when the value was compressed
	Compressed bool
	Algorithm  string
}

// New creates an entry stamped with the given creation time
func New(key, value string, ttl time.Duration, now time.Time) *Entry {
	return &Entry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		TTL:       ttl,
	}
}

// IsFresh reports whether now - CreatedAt < TTL.
// An entry without a TTL never goes stale.
func (e *Entry) IsFresh(now time.Time) bool {
	if e.TTL <= 0 {
		return true
	}
	return now.Sub(e.CreatedAt) < e.TTL
}

// IsStale is the inverse of IsFresh. Stale entries are still servable.
func (e *Entry) IsStale(now time.Time) bool {
	return !e.IsFresh(now)
}

// Age returns how long ago the entry was written
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// SetCompressionInfo records that Value holds compressed bytes
func (e *Entry) SetCompressionInfo(algorithm string) {
	e.Compressed = true
	e.Algorithm = algorithm
}

// Clone returns a shallow copy so callers cannot mutate stored entries
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

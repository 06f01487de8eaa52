package strategy

import "time"

// Throttle suppresses repeat log lines for persistent conditions. A keyed
// condition is reported on its first occurrence within a time bucket; Clear
// re-arms the key so the next occurrence logs immediately regardless of
// bucket.
type Throttle struct {
	bucket time.Duration
	last   map[string]time.Time
}

func NewThrottle(bucket time.Duration) *Throttle {
	if bucket <= 0 {
		bucket = time.Minute
	}
	return &Throttle{bucket: bucket, last: make(map[string]time.Time)}
}

func (t *Throttle) Allow(key string, now time.Time) bool {
	slot := now.Truncate(t.bucket)
	if prev, ok := t.last[key]; ok && prev.Equal(slot) {
		return false
	}
	t.last[key] = slot
	return true
}

func (t *Throttle) Clear(key string) {
	delete(t.last, key)
}

package cache

import "time"

// envelope is the serialized form stored in the L2 and L3 tiers. The
// original key travels with the value so entries remain self-describing
// even though L3 addresses them by content hash.
type envelope struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	WrittenAt time.Time `json:"written_at"`
}

func expired(writtenAt time.Time, ttl time.Duration, now time.Time) bool {
	return now.Sub(writtenAt) > ttl
}

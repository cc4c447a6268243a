package models

import "time"

// Job is a queued ChangeEvent.
type Job struct {
	ID         string      `json:"id" msgpack:"id"`
	Event      ChangeEvent `json:"event" msgpack:"event"`
	DedupKey   string      `json:"dedupKey" msgpack:"dedupKey"`
	EnqueuedAt time.Time   `json:"enqueuedAt" msgpack:"enqueuedAt"`
	Attempts   int         `json:"attempts,omitempty" msgpack:"attempts"`
	LastError  string      `json:"lastError,omitempty" msgpack:"lastError"`
}

// EnqueueResult reports how a batch was absorbed by the queue.
type EnqueueResult struct {
	Enqueued int `json:"enqueued"`
	Deduped  int `json:"deduped"`
	Skipped  int `json:"skipped"`
}

// Add folds another result into r.
func (r *EnqueueResult) Add(other EnqueueResult) {
	r.Enqueued += other.Enqueued
	r.Deduped += other.Deduped
	r.Skipped += other.Skipped
}

// Lock is a TTL-bound advisory lock grant.
type Lock struct {
	Key        string        `json:"key"`
	Token      string        `json:"token"`
	AcquiredAt time.Time     `json:"acquiredAt"`
	TTL        time.Duration `json:"ttl"`
}

// Valid reports whether the grant is still in force at now.
func (l Lock) Valid(now time.Time) bool {
	return l.Token != "" && now.Before(l.AcquiredAt.Add(l.TTL))
}

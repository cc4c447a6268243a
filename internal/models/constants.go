package models

import "time"

const (
	// DefaultMaxJobs bounds one queue-processing pass.
	DefaultMaxJobs = 25

	// DefaultGraceMs is the loop-suppression window.
	DefaultGraceMs = 60_000

	// DefaultLockTTL bounds how long a crashed queue holder can block others.
	DefaultLockTTL = 120 * time.Second

	// DefaultRenewalBufferHours is how close to expiry a subscription gets renewed.
	DefaultRenewalBufferHours = 6

	// DefaultOriginRetention keeps write-origin markers well past any grace window.
	DefaultOriginRetention = 24 * time.Hour

	// DefaultSyncLockStaleAfter lets a crashed mutation's record marker be taken over.
	DefaultSyncLockStaleAfter = 10 * time.Minute

	// DefaultLogBufferSize is the log-stream replay ring size.
	DefaultLogBufferSize = 200

	// QueueLockKey names the process-wide queue lock.
	QueueLockKey = "queue"
)

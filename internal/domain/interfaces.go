package domain

import (
	"context"
	"time"

	"syncbridge/internal/models"
)

// QueueStore is the durable job queue plus the advisory lock guarding its processing.
type QueueStore interface {
	// Enqueue dedups by Job.DedupKey against jobs still queued and never fails on partial duplication.
	Enqueue(ctx context.Context, jobs []models.Job) (models.EnqueueResult, error)
	// Drain removes and returns up to max jobs in enqueue order.
	Drain(ctx context.Context, max int) ([]models.Job, error)
	Depth(ctx context.Context) (int, error)
	// AcquireLock returns "" without error when another holder owns a live lock.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	// ReleaseLock is a no-op returning false when token is not the current holder's.
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
	PushDeadLetter(ctx context.Context, job models.Job) error
}

// StateStore is a small key-value store for subscriptions, cursors and write-origin markers.
type StateStore interface {
	// Get returns ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; ttl <= 0 keeps it until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Store is what a backend provides.
type Store interface {
	QueueStore
	StateStore
	Ping(ctx context.Context) error
	Close() error
}

// BCTasks is the slice of the Business Central API the executor needs.
type BCTasks interface {
	GetTask(ctx context.Context, systemID string) (*models.BCTask, error)
	FindTaskByPlannerID(ctx context.Context, plannerTaskID string) (*models.BCTask, error)
	FindTaskByPremiumID(ctx context.Context, premiumID string) (*models.BCTask, error)
	// UpdateTaskFields and SetSyncMarkers send If-Match etag and return the new etag.
	UpdateTaskFields(ctx context.Context, systemID, etag string, fields models.TaskFields) (string, error)
	SetSyncMarkers(ctx context.Context, systemID, etag string, markers models.SyncMarkers) (string, error)
}

// PlannerTasks is the slice of the Graph Planner API the executor needs.
type PlannerTasks interface {
	GetTask(ctx context.Context, id string) (*models.PlannerTask, error)
	CreateTask(ctx context.Context, planID string, fields models.TaskFields) (*models.PlannerTask, error)
	UpdateTask(ctx context.Context, id, etag string, fields models.TaskFields) (string, error)
}

// PremiumTasks is the slice of the Dataverse API the executor needs.
type PremiumTasks interface {
	GetTask(ctx context.Context, id string) (*models.PremiumTask, error)
	UpdateTask(ctx context.Context, id, etag string, fields models.TaskFields) (string, error)
}

// SubscriptionAPI manages push subscriptions on one vendor.
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, sub models.Subscription) (*models.Subscription, error)
	RenewSubscription(ctx context.Context, sub models.Subscription, expiresAt time.Time) (*models.Subscription, error)
	DeleteSubscription(ctx context.Context, sub models.Subscription) error
	ListSubscriptions(ctx context.Context) ([]models.Subscription, error)
}

// DeltaSource yields one page of a delta feed. An empty link starts a fresh walk.
type DeltaSource interface {
	FetchPage(ctx context.Context, link string) (models.DeltaPage, error)
}

// Clients is the per-invocation set of external collaborators.
type Clients struct {
	BC      BCTasks
	Planner PlannerTasks
	Premium PremiumTasks
}

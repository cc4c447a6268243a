package models

import (
	"math"
	"strings"
	"time"
)

// TaskFields is the field set kept consistent across the three systems.
type TaskFields struct {
	Title           string     `json:"title"`
	PercentComplete int        `json:"percentComplete"`
	StartDate       *time.Time `json:"startDate,omitempty"`
	DueDate         *time.Time `json:"dueDate,omitempty"`
}

// Equal compares fields at day precision for dates, which is what every system stores reliably.
func (f TaskFields) Equal(other TaskFields) bool {
	return strings.TrimSpace(f.Title) == strings.TrimSpace(other.Title) &&
		f.PercentComplete == other.PercentComplete &&
		sameDay(f.StartDate, other.StartDate) &&
		sameDay(f.DueDate, other.DueDate)
}

func sameDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UTC().Format("2006-01-02") == b.UTC().Format("2006-01-02")
}

// PlannerPercent maps a 0-100 percentage onto Planner's 0/50/100 buckets.
func PlannerPercent(p int) int {
	switch {
	case p >= 100:
		return 100
	case p <= 0:
		return 0
	default:
		return 50
	}
}

// ClampPercent bounds p to 0..100.
func ClampPercent(p float64) int {
	return int(math.Max(0, math.Min(100, math.Round(p))))
}

// BCTask is a Business Central project task, the hub record holding the sync markers.
type BCTask struct {
	SystemID        string
	ETag            string
	ProjectNo       string
	TaskNo          string
	Fields          TaskFields
	PlannerTaskID   string
	PlannerPlanID   string
	PremiumID       string
	SyncLock        bool
	LastPlannerEtag string
	LastSyncAt      time.Time
	LastModifiedAt  time.Time
}

// PlannerTask is a Planner task as exposed by Graph.
type PlannerTask struct {
	ID     string
	ETag   string
	PlanID string
	Fields TaskFields
}

// PremiumTask is the Dataverse record mirrored from BC.
type PremiumTask struct {
	ID         string
	ETag       string
	Fields     TaskFields
	ModifiedOn time.Time
}

// SyncMarkers is the patch applied to the BC hub record when releasing its syncLock.
type SyncMarkers struct {
	SyncLock        bool
	LastSyncAt      *time.Time
	LastPlannerEtag *string
	PlannerTaskID   *string
}

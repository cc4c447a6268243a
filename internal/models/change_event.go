package models

import (
	"strings"
	"time"
)

const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
	ChangeDeleted = "deleted"
)

// ChangeEvent is the canonical shape every vendor notification and delta item is mapped into.
// It is treated as an immutable value once built.
type ChangeEvent struct {
	Source         Source    `json:"source"`
	EntitySet      string    `json:"entitySet"`
	EntityID       string    `json:"entityId"`
	ChangeType     string    `json:"changeType"`
	ReceivedAt     time.Time `json:"receivedAt"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	Resource       string    `json:"resource,omitempty"`
}

// DedupKey is the stable composite used to collapse duplicate notifications.
func (e ChangeEvent) DedupKey() string {
	if e.EntityID == "" {
		return ""
	}
	parts := []string{
		string(e.Source),
		strings.ToLower(e.EntitySet),
		strings.ToLower(e.EntityID),
		strings.ToLower(NormalizeChangeType(e.ChangeType)),
	}
	return strings.Join(parts, "|")
}

// NormalizeChangeType folds vendor spellings ("Update", "updated", "Create") into one vocabulary.
func NormalizeChangeType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "create", "created":
		return ChangeCreated
	case "delete", "deleted":
		return ChangeDeleted
	case "":
		return ChangeUpdated
	case "update", "updated":
		return ChangeUpdated
	default:
		return strings.ToLower(strings.TrimSpace(raw))
	}
}

package models

import "time"

// Subscription is a push-notification subscription held against BC or Graph.
type Subscription struct {
	ID                 string    `json:"id"`
	Source             Source    `json:"source"`
	Resource           string    `json:"resource"`
	NotificationURL    string    `json:"notificationUrl"`
	ClientState        string    `json:"clientState,omitempty"`
	ChangeType         string    `json:"changeType,omitempty"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	CreatedAt          time.Time `json:"createdAt"`
	ETag               string    `json:"etag,omitempty"`
}

// Active reports whether the subscription stays valid beyond now+buffer.
func (s Subscription) Active(now time.Time, buffer time.Duration) bool {
	return s.ExpirationDateTime.After(now.Add(buffer))
}

// SameTarget reports whether two subscriptions watch the same resource for the same endpoint.
func (s Subscription) SameTarget(other Subscription) bool {
	return sameResource(s.Resource, other.Resource) && s.NotificationURL == other.NotificationURL
}

func sameResource(a, b string) bool {
	return normalizeResource(a) == normalizeResource(b)
}

func normalizeResource(r string) string {
	out := make([]byte, 0, len(r))
	for i := 0; i < len(r); i++ {
		c := r[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	for len(out) > 0 && out[0] == '/' {
		out = out[1:]
	}
	return string(out)
}

// WriteOriginRecord marks which system last wrote an entity, for loop suppression.
type WriteOriginRecord struct {
	EntityID  string    `json:"entityId"`
	UpdatedBy Source    `json:"updatedBy"`
	UpdatedAt time.Time `json:"updatedAt"`
}

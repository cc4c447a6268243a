package webhook

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"syncbridge/internal/models"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrUnauthorized     = errors.New("webhook secret mismatch")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrUnknownVendor    = errors.New("unknown webhook vendor")
)

// Options carries the shared secrets each vendor is expected to present.
type Options struct {
	BCClientState       string
	GraphClientState    string
	PremiumSecret       string
	PremiumSecretHeader string
}

// Counters describe what happened to the notifications of one request.
type Counters struct {
	Received        int `json:"received"`
	SecretMismatch  int `json:"secretMismatch"`
	MissingResource int `json:"missingResource"`
	Invalid         int `json:"invalid"`
}

type Result struct {
	Events          []models.ChangeEvent `json:"events"`
	ValidationToken string               `json:"validationToken,omitempty"`
	Counters        Counters             `json:"counters"`
}

// Normalizer turns vendor webhook requests into canonical change events.
// It holds compiled schemas only and is safe for concurrent use.
type Normalizer struct {
	opts    Options
	schemas map[models.Source]*jsonschema.Schema
	now     func() time.Time
}

func NewNormalizer(opts Options) (*Normalizer, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if opts.PremiumSecretHeader == "" {
		opts.PremiumSecretHeader = "x-premium-secret"
	}
	return &Normalizer{opts: opts, schemas: schemas, now: time.Now}, nil
}

// Normalize handles one webhook request. A validation handshake yields only ValidationToken.
func (n *Normalizer) Normalize(source models.Source, headers http.Header, query url.Values, body []byte) (Result, error) {
	var res Result
	schema, ok := n.schemas[source]
	if !ok {
		return res, fmt.Errorf("%w: %q", ErrUnknownVendor, source)
	}

	if token := firstNonEmpty(query.Get("validationToken"), query.Get("validationtoken")); token != "" {
		res.ValidationToken = token
		return res, nil
	}

	if source == models.SourcePremium && n.opts.PremiumSecret != "" {
		got := headers.Get(n.opts.PremiumSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(n.opts.PremiumSecret)) != 1 {
			res.Counters.SecretMismatch = 1
			return res, ErrUnauthorized
		}
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return res, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if token := bodyValidationToken(inst); token != "" {
		res.ValidationToken = token
		return res, nil
	}
	if err := schema.Validate(inst); err != nil {
		return res, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	receivedAt := n.now().UTC()
	switch source {
	case models.SourceBC:
		err = n.notifications(&res, body, receivedAt, n.opts.BCClientState, bcEvent)
	case models.SourcePlanner:
		err = n.notifications(&res, body, receivedAt, n.opts.GraphClientState, plannerEvent)
	case models.SourcePremium:
		err = premiumEvents(&res, body, receivedAt)
	}
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	// A batch where nothing carried the right clientState is a forged or misrouted call.
	if res.Counters.Received > 0 && res.Counters.SecretMismatch == res.Counters.Received {
		return res, ErrUnauthorized
	}
	return res, nil
}

func bodyValidationToken(inst any) string {
	obj, ok := inst.(map[string]any)
	if !ok {
		return ""
	}
	for _, field := range []string{"validationToken", "validationCode"} {
		if v, ok := obj[field].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func secretMatches(expected, got string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// graphNotification is the shared shape of BC and Microsoft Graph change notifications.
type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	Resource       string `json:"resource"`
	ChangeType     string `json:"changeType"`
	LifecycleEvent string `json:"lifecycleEvent"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

type eventMapper func(item graphNotification) (models.ChangeEvent, bool)

func (n *Normalizer) notifications(res *Result, body []byte, receivedAt time.Time, clientState string, mapItem eventMapper) error {
	var envelope struct {
		Value []graphNotification `json:"value"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return err
	}

	for _, item := range envelope.Value {
		res.Counters.Received++
		if !secretMatches(clientState, item.ClientState) {
			res.Counters.SecretMismatch++
			continue
		}
		if item.LifecycleEvent != "" {
			res.Counters.Invalid++
			continue
		}
		event, ok := mapItem(item)
		if !ok {
			res.Counters.MissingResource++
			continue
		}
		event.ReceivedAt = receivedAt
		event.SubscriptionID = item.SubscriptionID
		event.Resource = item.Resource
		event.ChangeType = models.NormalizeChangeType(item.ChangeType)
		res.Events = append(res.Events, event)
	}
	return nil
}

func bcEvent(item graphNotification) (models.ChangeEvent, bool) {
	entitySet, id, ok := ParseResource(item.Resource)
	if !ok {
		return models.ChangeEvent{}, false
	}
	return models.ChangeEvent{Source: models.SourceBC, EntitySet: entitySet, EntityID: id}, true
}

func plannerEvent(item graphNotification) (models.ChangeEvent, bool) {
	id := cleanKey(item.ResourceData.ID)
	if id == "" {
		_, parsed, ok := ParseResource(item.Resource)
		if !ok {
			return models.ChangeEvent{}, false
		}
		id = parsed
	}
	return models.ChangeEvent{Source: models.SourcePlanner, EntitySet: "tasks", EntityID: id}, true
}

type premiumContext struct {
	MessageName       string `json:"MessageName"`
	PrimaryEntityName string `json:"PrimaryEntityName"`
	PrimaryEntityID   string `json:"PrimaryEntityId"`
}

func premiumEvents(res *Result, body []byte, receivedAt time.Time) error {
	var envelope struct {
		premiumContext
		Value []premiumContext `json:"value"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return err
	}
	items := envelope.Value
	if envelope.MessageName != "" {
		items = append(items, envelope.premiumContext)
	}

	for _, item := range items {
		res.Counters.Received++
		id := cleanKey(item.PrimaryEntityID)
		if id == "" || strings.TrimSpace(item.PrimaryEntityName) == "" {
			res.Counters.MissingResource++
			continue
		}
		changeType := models.NormalizeChangeType(item.MessageName)
		if changeType != models.ChangeCreated && changeType != models.ChangeUpdated && changeType != models.ChangeDeleted {
			res.Counters.Invalid++
			continue
		}
		res.Events = append(res.Events, models.ChangeEvent{
			Source:     models.SourcePremium,
			EntitySet:  item.PrimaryEntityName,
			EntityID:   id,
			ChangeType: changeType,
			ReceivedAt: receivedAt,
		})
	}
	return nil
}

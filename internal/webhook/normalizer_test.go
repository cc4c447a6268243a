package webhook

import (
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"syncbridge/internal/models"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := NewNormalizer(Options{
		BCClientState:    "bc-state",
		GraphClientState: "graph-state",
		PremiumSecret:    "premium-secret",
	})
	require.NoError(t, err)
	n.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return n
}

func premiumHeaders(secret string) http.Header {
	h := http.Header{}
	h.Set("x-premium-secret", secret)
	return h
}

func assertGolden(t *testing.T, name string, res Result) {
	t.Helper()
	data, err := json.MarshalIndent(res, "", "  ")
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}

func TestNormalizeGolden(t *testing.T) {
	n := newTestNormalizer(t)

	tests := []struct {
		name    string
		source  models.Source
		headers http.Header
		body    string
	}{
		{
			name:   "bc_notifications",
			source: models.SourceBC,
			body: `{"value":[
				{"subscriptionId":"sub-1","clientState":"bc-state","resource":"api/v2.0/companies(c0ffee)/projectTasks(5d9e1c2a-0000-0000-0000-000000000001)","changeType":"updated","lastModifiedDateTime":"2026-03-01T11:59:58Z"},
				{"subscriptionId":"sub-1","clientState":"wrong","resource":"api/v2.0/companies(c0ffee)/projectTasks(x)","changeType":"updated"},
				{"subscriptionId":"sub-1","clientState":"bc-state","resource":"api/v2.0/companies(c0ffee)/projectTasks","changeType":"collection"}
			]}`,
		},
		{
			name:   "planner_notifications",
			source: models.SourcePlanner,
			body: `{"value":[
				{"subscriptionId":"gsub","clientState":"graph-state","changeType":"updated","resource":"planner/tasks('AbC-123')","resourceData":{"@odata.type":"#Microsoft.Graph.plannerTask","id":"AbC-123"}},
				{"subscriptionId":"gsub","clientState":"graph-state","changeType":"created","resource":"planner/tasks('XyZ-9')"},
				{"subscriptionId":"gsub","clientState":"graph-state","lifecycleEvent":"reauthorizationRequired","resource":"planner/tasks"}
			]}`,
		},
		{
			name:    "premium_context",
			source:  models.SourcePremium,
			headers: premiumHeaders("premium-secret"),
			body:    `{"MessageName":"Update","PrimaryEntityName":"msdyn_projecttask","PrimaryEntityId":"{7A1B0000-0000-0000-0000-00000000000F}","Depth":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := tt.headers
			if headers == nil {
				headers = http.Header{}
			}
			res, err := n.Normalize(tt.source, headers, url.Values{}, []byte(tt.body))
			require.NoError(t, err)
			assertGolden(t, tt.name, res)
		})
	}
}

func TestNormalizeValidationToken(t *testing.T) {
	n := newTestNormalizer(t)

	t.Run("Query", func(t *testing.T) {
		res, err := n.Normalize(models.SourceBC, http.Header{}, url.Values{"validationToken": {"abc123"}}, nil)
		require.NoError(t, err)
		assert.Equal(t, "abc123", res.ValidationToken)
		assert.Empty(t, res.Events)
	})

	t.Run("Body", func(t *testing.T) {
		res, err := n.Normalize(models.SourcePremium, premiumHeaders("premium-secret"), url.Values{}, []byte(`{"validationCode":"code-9"}`))
		require.NoError(t, err)
		assert.Equal(t, "code-9", res.ValidationToken)
	})

	t.Run("QueryBeatsSecret", func(t *testing.T) {
		res, err := n.Normalize(models.SourcePremium, http.Header{}, url.Values{"validationToken": {"t"}}, nil)
		require.NoError(t, err)
		assert.Equal(t, "t", res.ValidationToken)
	})
}

func TestNormalizeErrors(t *testing.T) {
	n := newTestNormalizer(t)

	t.Run("PremiumSecretMismatch", func(t *testing.T) {
		res, err := n.Normalize(models.SourcePremium, premiumHeaders("nope"), url.Values{},
			[]byte(`{"MessageName":"Update","PrimaryEntityName":"msdyn_projecttask","PrimaryEntityId":"1"}`))
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, 1, res.Counters.SecretMismatch)
		assert.Empty(t, res.Events)
	})

	t.Run("AllClientStatesWrong", func(t *testing.T) {
		res, err := n.Normalize(models.SourcePlanner, http.Header{}, url.Values{},
			[]byte(`{"value":[{"clientState":"x","resourceData":{"id":"1"}},{"clientState":"y","resourceData":{"id":"2"}}]}`))
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, 2, res.Counters.SecretMismatch)
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		_, err := n.Normalize(models.SourceBC, http.Header{}, url.Values{}, []byte(`{"value":[`))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("EmptyBody", func(t *testing.T) {
		_, err := n.Normalize(models.SourceBC, http.Header{}, url.Values{}, []byte("  "))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("SchemaViolation", func(t *testing.T) {
		_, err := n.Normalize(models.SourceBC, http.Header{}, url.Values{}, []byte(`{"value":"not-an-array"}`))
		assert.ErrorIs(t, err, ErrMalformedPayload)

		_, err = n.Normalize(models.SourcePremium, premiumHeaders("premium-secret"), url.Values{}, []byte(`{"foo":1}`))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("UnknownVendor", func(t *testing.T) {
		_, err := n.Normalize(models.Source("sap"), http.Header{}, url.Values{}, []byte(`{}`))
		assert.ErrorIs(t, err, ErrUnknownVendor)
	})
}

func TestNormalizeDuplicatesSurviveForDedup(t *testing.T) {
	n := newTestNormalizer(t)
	item := `{"clientState":"bc-state","resource":"companies(c)/projectTasks(T1)","changeType":"updated"}`
	res, err := n.Normalize(models.SourceBC, http.Header{}, url.Values{}, []byte(`{"value":[`+item+`,`+item+`,`+item+`]}`))
	require.NoError(t, err)
	require.Len(t, res.Events, 3)
	assert.Equal(t, res.Events[0].DedupKey(), res.Events[2].DedupKey())
}

func TestNormalizePremiumArrayAndInvalid(t *testing.T) {
	n := newTestNormalizer(t)
	body := `{"value":[
		{"MessageName":"Create","PrimaryEntityName":"msdyn_projecttask","PrimaryEntityId":"a"},
		{"MessageName":"Associate","PrimaryEntityName":"msdyn_projecttask","PrimaryEntityId":"b"},
		{"MessageName":"Delete","PrimaryEntityName":"msdyn_projecttask"}
	]}`
	res, err := n.Normalize(models.SourcePremium, premiumHeaders("premium-secret"), url.Values{}, []byte(body))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, models.ChangeCreated, res.Events[0].ChangeType)
	assert.Equal(t, Counters{Received: 3, MissingResource: 1, Invalid: 1}, res.Counters)
}

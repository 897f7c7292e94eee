package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rweiss/pintrain/internal/clock"
	"github.com/rweiss/pintrain/internal/mucks"
)

type constKeyExtractor struct{}

func (constKeyExtractor) Apply(*http.Request) string { return "const" }

func setup(factory Factory) (*mucks.Mucks, *httptest.Server, *http.Client) {
	m := mucks.NewMucks()
	s := httptest.NewServer(m)
	return m, s, s.Client()
}

func TestMiddlewareAllowsThenThrottlesThenRefills(t *testing.T) {
	testClock := clock.NewTestClock()
	factory := NewTokenBucketFactory(testClock)
	config := &BucketConfig{MaxTokens: 2, RefillRate: 1, OpCost: 2}

	m, s, client := setup(factory)
	defer s.Close()
	m.Add(NewMiddleware(factory, constKeyExtractor{}, config))
	m.HandleFunc("GET /foo", func(w http.ResponseWriter, r *http.Request) {
		mucks.JSONOk(w, map[string]int{"value": 1})
	})

	resp, err := client.Get(s.URL + "/foo")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = client.Get(s.URL + "/foo")
	require.NoError(t, err)
	assert.Equal(t, 429, resp.StatusCode)

	testClock.Tick(1)
	resp, err = client.Get(s.URL + "/foo")
	require.NoError(t, err)
	assert.Equal(t, 429, resp.StatusCode)

	testClock.Tick(1)
	resp, err = client.Get(s.URL + "/foo")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestFactoryValidatesConfig(t *testing.T) {
	factory := NewTokenBucketFactory(clock.NewTestClock())

	_, err := factory.NewLimiter(&BucketConfig{MaxTokens: 0, RefillRate: 1, OpCost: 1})
	assert.EqualError(t, err, "max tokens must be positive")

	_, err = factory.NewLimiter(&BucketConfig{MaxTokens: 1, RefillRate: 0, OpCost: 1})
	assert.EqualError(t, err, "refill rate must be positive")

	_, err = factory.NewLimiter(&BucketConfig{MaxTokens: 1, RefillRate: 1, OpCost: 0})
	assert.EqualError(t, err, "op cost must be positive")
}

func TestTokenBucketAllowAndRefill(t *testing.T) {
	testClock := clock.NewTestClock()
	factory := NewTokenBucketFactory(testClock)
	limiter, err := factory.NewLimiter(&BucketConfig{MaxTokens: 1, RefillRate: 1, OpCost: 1})
	require.NoError(t, err)

	assert.True(t, limiter.Allow(1))
	assert.False(t, limiter.Allow(1))

	testClock.Tick(1)
	assert.True(t, limiter.Allow(1))
}

func TestRemoteIPKeyExtractorPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	r.RemoteAddr = "127.0.0.1:9999"

	assert.Equal(t, "10.0.0.1", RemoteIPKeyExtractor{}.Apply(r))

	r2 := httptest.NewRequest("GET", "/", nil)
	r2.RemoteAddr = "127.0.0.1:9999"
	assert.Equal(t, "127.0.0.1", RemoteIPKeyExtractor{}.Apply(r2))
}

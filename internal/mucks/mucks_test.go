package mucks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup() (*Mucks, *httptest.Server, *http.Client) {
	m := NewMucks()
	s := httptest.NewServer(m)
	return m, s, s.Client()
}

func TestNotFoundDefault(t *testing.T) {
	_, s, client := setup()
	defer s.Close()

	resp, err := client.Get(s.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	var p Problem
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, "Not Found", p.Message)
	assert.NotEmpty(t, p.Instance)
}

func TestHandleFuncAndJSONOk(t *testing.T) {
	m, s, client := setup()
	defer s.Close()

	m.HandleFunc("GET /foo", func(w http.ResponseWriter, r *http.Request) {
		JSONOk(w, map[string]int{"value": 42})
	})

	resp, err := client.Get(s.URL + "/foo")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 42, out["value"])
}

func TestMiddlewareChain(t *testing.T) {
	m, s, client := setup()
	defer s.Close()

	m.Add(JsonContentTypeMiddleware{})
	m.HandleFunc("GET /bar", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})

	resp, err := client.Get(s.URL + "/bar")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, ApplicationJsonContentType, resp.Header.Get(ContentType))
}

// ABOUTME: Tests for the admin CLI's control API client.
// ABOUTME: Checks bearer tokens are sent and API errors surface as Go errors.

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsTokenAndDecodes(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"outcomes":[{"agent_id":"a1","result":"ok"}]}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL+"/", "tok")
	var r report
	require.NoError(t, c.post(context.Background(), "/api/agents/login", &r))

	assert.Equal(t, "Bearer tok", gotAuth)
	require.Len(t, r.Outcomes, 1)
	assert.Equal(t, "a1", r.Outcomes[0].AgentID)
}

func TestClientSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"already monitoring"}`))
	}))
	defer srv.Close()

	err := newClient(srv.URL, "").post(context.Background(), "/api/monitor/start", nil)
	require.Error(t, err)
	assert.Equal(t, "already monitoring (HTTP 409)", err.Error())
}

func TestCountArg(t *testing.T) {
	n, err := countArg(nil, 50)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	n, err = countArg([]string{"7"}, 50)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = countArg([]string{"x"}, 50)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackSender_DeliversTerminalRequest(t *testing.T) {
	received := make(chan Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received <- req
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewCallbackSender(0)
	req := &Request{ID: "r1", UserID: "alice", Status: StatusCompleted, Result: map[string]any{"success": true}}
	require.NoError(t, sender.Deliver(srv.URL, req))

	got := <-received
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestCallbackSender_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	sender := NewCallbackSender(0)
	err := sender.Deliver(srv.URL, &Request{ID: "r1"})
	assert.Error(t, err)
}

func TestCallbackSender_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewCallbackSender(5)
	sender.client.RetryWaitMin = 0
	sender.client.RetryWaitMax = 0
	require.NoError(t, sender.Deliver(srv.URL, &Request{ID: "r1"}))
	assert.Equal(t, 3, attempts)
}
